package telemetry

import (
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FieldStats summarizes one two-dimensional field.
type FieldStats struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
	P10  float64
	P50  float64
	P90  float64

	// Lag-1 correlation between horizontally and vertically adjacent cells.
	Lag1X float64
	Lag1Y float64
}

// WindowStats holds aggregated statistics for a window of ensemble steps.
type WindowStats struct {
	WindowStartStep int `csv:"-"`
	WindowEndStep   int `csv:"window_end"`
	Members         int `csv:"members"`

	// Perturbation increment of the last step, pooled over members
	IncMean  float64 `csv:"inc_mean"`
	IncStd   float64 `csv:"inc_std"`
	IncMin   float64 `csv:"inc_min"`
	IncMax   float64 `csv:"inc_max"`
	IncP10   float64 `csv:"inc_p10"`
	IncP50   float64 `csv:"inc_p50"`
	IncP90   float64 `csv:"inc_p90"`
	IncLag1X float64 `csv:"inc_lag1_x"`
	IncLag1Y float64 `csv:"inc_lag1_y"`

	// Accumulated elevation
	StateMean float64 `csv:"state_mean"`
	StateStd  float64 `csv:"state_std"`
	Spread    float64 `csv:"spread"` // mean over cells of the across-member std

	NumericErrors int `csv:"numeric_errors"` // failed generations during the window
}

// ComputeFieldStats summarizes the values of m. Lag-1 correlations are 0 when
// the field is too small or constant along that axis.
func ComputeFieldStats(m mat.Matrix) FieldStats {
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return FieldStats{}
	}
	values := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			values = append(values, m.At(i, j))
		}
	}

	var s FieldStats
	s.Mean, s.Std = stat.PopMeanStdDev(values, nil)
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)

	sort.Float64s(values)
	s.P10 = stat.Quantile(0.10, stat.LinInterp, values, nil)
	s.P50 = stat.Quantile(0.50, stat.LinInterp, values, nil)
	s.P90 = stat.Quantile(0.90, stat.LinInterp, values, nil)

	s.Lag1X = lagCorrelation(m, 0, 1)
	s.Lag1Y = lagCorrelation(m, 1, 0)
	return s
}

// lagCorrelation is the Pearson correlation between cells and their
// neighbour at offset (di, dj).
func lagCorrelation(m mat.Matrix, di, dj int) float64 {
	r, c := m.Dims()
	if r <= di || c <= dj {
		return 0
	}
	n := (r - di) * (c - dj)
	if n < 2 {
		return 0
	}
	a := make([]float64, 0, n)
	b := make([]float64, 0, n)
	for i := 0; i+di < r; i++ {
		for j := 0; j+dj < c; j++ {
			a = append(a, m.At(i, j))
			b = append(b, m.At(i+di, j+dj))
		}
	}
	corr := stat.Correlation(a, b, nil)
	if math.IsNaN(corr) {
		return 0
	}
	return corr
}

// EnsembleSpread returns the across-member standard deviation averaged over
// cells. All members must share a shape.
func EnsembleSpread(members []mat.Matrix) float64 {
	if len(members) < 2 {
		return 0
	}
	r, c := members[0].Dims()
	column := make([]float64, len(members))
	var sum float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			for k, m := range members {
				column[k] = m.At(i, j)
			}
			_, std := stat.PopMeanStdDev(column, nil)
			sum += std
		}
	}
	return sum / float64(r*c)
}

// SetIncrement fills the increment columns from f.
func (s *WindowStats) SetIncrement(f FieldStats) {
	s.IncMean, s.IncStd = f.Mean, f.Std
	s.IncMin, s.IncMax = f.Min, f.Max
	s.IncP10, s.IncP50, s.IncP90 = f.P10, f.P50, f.P90
	s.IncLag1X, s.IncLag1Y = f.Lag1X, f.Lag1Y
}

// LogValue implements slog.LogValuer for structured logging.
func (s WindowStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("window_start", s.WindowStartStep),
		slog.Int("window_end", s.WindowEndStep),
		slog.Int("members", s.Members),
		slog.Float64("inc_mean", s.IncMean),
		slog.Float64("inc_std", s.IncStd),
		slog.Float64("inc_min", s.IncMin),
		slog.Float64("inc_max", s.IncMax),
		slog.Float64("inc_p10", s.IncP10),
		slog.Float64("inc_p50", s.IncP50),
		slog.Float64("inc_p90", s.IncP90),
		slog.Float64("inc_lag1_x", s.IncLag1X),
		slog.Float64("inc_lag1_y", s.IncLag1Y),
		slog.Float64("state_mean", s.StateMean),
		slog.Float64("state_std", s.StateStd),
		slog.Float64("spread", s.Spread),
		slog.Int("numeric_errors", s.NumericErrors),
	)
}

// LogStats logs the window stats using slog.
func (s WindowStats) LogStats(logger *slog.Logger) {
	logger.Info("stats",
		"window_end", s.WindowEndStep,
		"members", s.Members,
		"inc_mean", s.IncMean,
		"inc_std", s.IncStd,
		"inc_p10", s.IncP10,
		"inc_p50", s.IncP50,
		"inc_p90", s.IncP90,
		"inc_lag1_x", s.IncLag1X,
		"inc_lag1_y", s.IncLag1Y,
		"state_mean", s.StateMean,
		"state_std", s.StateStd,
		"spread", s.Spread,
		"numeric_errors", s.NumericErrors,
	)
}
