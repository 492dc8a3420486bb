package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// Phase names for an ensemble step. Generate, convolve and apply are reported
// by each member's noise service and summed across members.
const (
	PhaseGenerate   = "generate"
	PhaseConvolve   = "convolve"
	PhaseApply      = "apply"
	PhaseCheckpoint = "checkpoint"
	PhaseTelemetry  = "telemetry"
)

var perfPhases = []string{PhaseGenerate, PhaseConvolve, PhaseApply, PhaseCheckpoint, PhaseTelemetry}

// PerfSample holds timing data for a single step.
type PerfSample struct {
	StepDuration time.Duration
	Phases       map[string]time.Duration
}

// PerfCollector tracks performance metrics over a rolling window.
// ObservePhase may be called from member goroutines; the other methods are
// called by the step driver.
type PerfCollector struct {
	mu            sync.Mutex
	windowSize    int
	samples       []PerfSample
	writeIndex    int
	sampleCount   int
	currentPhases map[string]time.Duration
	stepStart     time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewPerfCollector creates a new performance collector.
// windowSize: number of steps to average over.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 60
	}
	return &PerfCollector{
		windowSize:    windowSize,
		samples:       make([]PerfSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartStep begins timing a new ensemble step.
func (p *PerfCollector) StartStep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepStart = time.Now()
	p.currentPhases = make(map[string]time.Duration)
	p.lastPhase = ""
}

// StartPhase begins timing a driver-side phase such as checkpointing.
func (p *PerfCollector) StartPhase(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	// End previous phase if any
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// ObservePhase adds an externally measured duration to the current step.
func (p *PerfCollector) ObservePhase(phase string, d time.Duration) {
	p.mu.Lock()
	p.currentPhases[phase] += d
	p.mu.Unlock()
}

// EndStep finishes timing the current step and records the sample.
func (p *PerfCollector) EndStep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	// End final phase
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
		p.lastPhase = ""
	}

	p.samples[p.writeIndex] = PerfSample{
		StepDuration: now.Sub(p.stepStart),
		Phases:       p.currentPhases,
	}
	p.currentPhases = make(map[string]time.Duration)
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	// Step timing
	AvgStepDuration time.Duration
	MinStepDuration time.Duration
	MaxStepDuration time.Duration

	// Phase breakdown (average durations)
	PhaseAvg map[string]time.Duration

	// Phase percentages of total step time. Member phases are summed across
	// members, so they can exceed 100 when members run concurrently.
	PhasePct map[string]float64

	// Throughput
	StepsPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sampleCount == 0 {
		return PerfStats{
			PhaseAvg: make(map[string]time.Duration),
			PhasePct: make(map[string]float64),
		}
	}

	var totalStep time.Duration
	var minStep, maxStep time.Duration
	phaseSum := make(map[string]time.Duration)

	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		totalStep += s.StepDuration

		if i == 0 || s.StepDuration < minStep {
			minStep = s.StepDuration
		}
		if s.StepDuration > maxStep {
			maxStep = s.StepDuration
		}

		for phase, dur := range s.Phases {
			phaseSum[phase] += dur
		}
	}

	avgStep := totalStep / time.Duration(p.sampleCount)

	phaseAvg := make(map[string]time.Duration)
	phasePct := make(map[string]float64)
	for phase, sum := range phaseSum {
		phaseAvg[phase] = sum / time.Duration(p.sampleCount)
		if avgStep > 0 {
			phasePct[phase] = float64(phaseAvg[phase]) / float64(avgStep) * 100
		}
	}

	var stepsPerSec float64
	if avgStep > 0 {
		stepsPerSec = float64(time.Second) / float64(avgStep)
	}

	return PerfStats{
		AvgStepDuration: avgStep,
		MinStepDuration: minStep,
		MaxStepDuration: maxStep,
		PhaseAvg:        phaseAvg,
		PhasePct:        phasePct,
		StepsPerSecond:  stepsPerSec,
	}
}

// LogStats logs performance statistics.
func (s PerfStats) LogStats(logger *slog.Logger) {
	attrs := []any{
		"avg_step_us", s.AvgStepDuration.Microseconds(),
		"min_step_us", s.MinStepDuration.Microseconds(),
		"max_step_us", s.MaxStepDuration.Microseconds(),
		"steps_per_sec", s.StepsPerSecond,
	}

	for _, phase := range perfPhases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, phase+"_pct", float64(int(pct*10))/10.0)
		}
	}

	logger.Info("perf", attrs...)
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_step_us", s.AvgStepDuration.Microseconds()),
		slog.Int64("min_step_us", s.MinStepDuration.Microseconds()),
		slog.Int64("max_step_us", s.MaxStepDuration.Microseconds()),
		slog.Float64("steps_per_sec", s.StepsPerSecond),
	}

	for phase, pct := range s.PhasePct {
		attrs = append(attrs, slog.Float64(phase+"_pct", pct))
	}

	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	StepEnd       int     `csv:"step_end"`
	AvgStepUS     int64   `csv:"avg_step_us"`
	MinStepUS     int64   `csv:"min_step_us"`
	MaxStepUS     int64   `csv:"max_step_us"`
	StepsPerSec   float64 `csv:"steps_per_sec"`
	GeneratePct   float64 `csv:"generate_pct"`
	ConvolvePct   float64 `csv:"convolve_pct"`
	ApplyPct      float64 `csv:"apply_pct"`
	CheckpointPct float64 `csv:"checkpoint_pct"`
	TelemetryPct  float64 `csv:"telemetry_pct"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct.
func (s PerfStats) ToCSV(stepEnd int) PerfStatsCSV {
	return PerfStatsCSV{
		StepEnd:       stepEnd,
		AvgStepUS:     s.AvgStepDuration.Microseconds(),
		MinStepUS:     s.MinStepDuration.Microseconds(),
		MaxStepUS:     s.MaxStepDuration.Microseconds(),
		StepsPerSec:   s.StepsPerSecond,
		GeneratePct:   s.PhasePct[PhaseGenerate],
		ConvolvePct:   s.PhasePct[PhaseConvolve],
		ApplyPct:      s.PhasePct[PhaseApply],
		CheckpointPct: s.PhasePct[PhaseCheckpoint],
		TelemetryPct:  s.PhasePct[PhaseTelemetry],
	}
}
