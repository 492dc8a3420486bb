package telemetry

import (
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Collector accumulates events within step windows and produces WindowStats.
type Collector struct {
	windowSteps     int
	windowStartStep int

	// Event counters for current window
	numericErrors atomic.Int64
}

// NewCollector creates a new stats collector.
// windowSteps: how many ensemble steps each stats window spans.
func NewCollector(windowSteps int) *Collector {
	if windowSteps < 1 {
		windowSteps = 1
	}
	return &Collector{windowSteps: windowSteps}
}

// RecordNumericError records a generation rejected for a zero uniform variate.
// Safe to call from member goroutines.
func (c *Collector) RecordNumericError() {
	c.numericErrors.Add(1)
}

// ShouldFlush returns true if enough steps have passed to flush the window.
func (c *Collector) ShouldFlush(currentStep int) bool {
	return currentStep-c.windowStartStep >= c.windowSteps
}

// Flush produces a WindowStats and resets counters for the next window.
// The caller must provide:
// - currentStep: the last completed ensemble step
// - increments: each member's most recent perturbation increment (ny x nx)
// - states: each member's accumulated elevation (ny x nx)
func (c *Collector) Flush(currentStep int, increments, states []mat.Matrix) WindowStats {
	stats := WindowStats{
		WindowStartStep: c.windowStartStep,
		WindowEndStep:   currentStep,
		Members:         len(states),
		NumericErrors:   int(c.numericErrors.Swap(0)),
	}

	// Increment stats averaged over members
	if n := len(increments); n > 0 {
		var avg FieldStats
		for i, m := range increments {
			f := ComputeFieldStats(m)
			avg.Mean += f.Mean / float64(n)
			avg.Std += f.Std / float64(n)
			avg.P10 += f.P10 / float64(n)
			avg.P50 += f.P50 / float64(n)
			avg.P90 += f.P90 / float64(n)
			avg.Lag1X += f.Lag1X / float64(n)
			avg.Lag1Y += f.Lag1Y / float64(n)
			if i == 0 || f.Min < avg.Min {
				avg.Min = f.Min
			}
			if i == 0 || f.Max > avg.Max {
				avg.Max = f.Max
			}
		}
		stats.SetIncrement(avg)
	}

	if len(states) > 0 {
		means := make([]float64, 0, len(states))
		var stdSum float64
		for _, m := range states {
			f := ComputeFieldStats(m)
			means = append(means, f.Mean)
			stdSum += f.Std
		}
		stats.StateMean = stat.Mean(means, nil)
		stats.StateStd = stdSum / float64(len(states))
		stats.Spread = EnsembleSpread(states)
	}

	// Reset for next window
	c.windowStartStep = currentStep

	return stats
}

// WindowSteps returns the number of steps per window.
func (c *Collector) WindowSteps() int {
	return c.windowSteps
}
