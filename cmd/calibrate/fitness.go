package main

import (
	"fmt"
	"math"
	"sync"

	"github.com/pthm-cable/oceannoise/config"
	"github.com/pthm-cable/oceannoise/ensemble"
	"github.com/pthm-cable/oceannoise/noise"
	"github.com/pthm-cable/oceannoise/telemetry"
)

// failedObjective is returned when a parameter vector cannot be evaluated.
// Nelder-Mead needs a finite value to keep its simplex ordered.
const failedObjective = 1e9

// Measurement is the sampled response of the generator to one parameter set.
type Measurement struct {
	Std  float64 // mean interior perturbation standard deviation
	Lag1 float64 // mean lag-1 correlation, averaged over x and y
}

// FitnessEvaluator measures perturbation statistics for candidate SOAR
// parameters and scores them against the calibration targets.
type FitnessEvaluator struct {
	params     *ParamVector
	baseConfig *config.Config
	seeds      []uint64
	samples    int

	mu   sync.Mutex
	last Measurement
}

// NewFitnessEvaluator creates a new evaluator. Each evaluation draws samples
// perturbations per seed.
func NewFitnessEvaluator(params *ParamVector, seeds []uint64, baseCfg *config.Config) *FitnessEvaluator {
	samples := baseCfg.Calibrate.Samples
	if samples < 1 {
		samples = 1
	}
	return &FitnessEvaluator{
		params:     params,
		baseConfig: baseCfg,
		seeds:      seeds,
		samples:    samples,
	}
}

// LastMeasurement returns the statistics from the most recent evaluation.
func (fe *FitnessEvaluator) LastMeasurement() Measurement {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.last
}

// Evaluate computes the objective for raw parameter values (lower = better):
// the squared relative std error plus the squared lag-1 error.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	m, err := fe.Measure(x)
	if err != nil {
		return failedObjective
	}
	fe.mu.Lock()
	fe.last = m
	fe.mu.Unlock()
	return fe.objective(m)
}

func (fe *FitnessEvaluator) objective(m Measurement) float64 {
	target := fe.baseConfig.Calibrate
	relStd := (m.Std - target.TargetStd) / target.TargetStd
	dLag := m.Lag1 - target.TargetLag1
	return relStd*relStd + dLag*dLag
}

// Measure runs every seed in parallel and averages the interior statistics of
// the generated perturbation fields.
func (fe *FitnessEvaluator) Measure(x []float64) (Measurement, error) {
	cfg := fe.copyConfig()
	fe.params.ApplyToConfig(cfg, x)
	opts, err := ensemble.NoiseOptions(cfg)
	if err != nil {
		return Measurement{}, err
	}

	results := make([]Measurement, len(fe.seeds))
	errs := make([]error, len(fe.seeds))
	var wg sync.WaitGroup

	for i, seed := range fe.seeds {
		wg.Add(1)
		go func(idx int, s uint64) {
			defer wg.Done()
			results[idx], errs[idx] = fe.sample(opts, s)
		}(i, seed)
	}
	wg.Wait()

	var total Measurement
	for i, r := range results {
		if errs[i] != nil {
			return Measurement{}, fmt.Errorf("seed %d: %w", fe.seeds[i], errs[i])
		}
		total.Std += r.Std
		total.Lag1 += r.Lag1
	}
	n := float64(len(fe.seeds))
	return Measurement{Std: total.Std / n, Lag1: total.Lag1 / n}, nil
}

// sample generates fe.samples perturbation fields from one seed.
func (fe *FitnessEvaluator) sample(opts noise.Options, seed uint64) (Measurement, error) {
	opts.Seed = seed
	svc, err := noise.New(opts)
	if err != nil {
		return Measurement{}, err
	}
	defer svc.Release()

	g := svc.Geometry()
	var m Measurement
	for i := 0; i < fe.samples; i++ {
		if err := svc.GenerateNormal(); err != nil {
			return Measurement{}, err
		}
		d, err := svc.PerturbationField()
		if err != nil {
			return Measurement{}, err
		}
		f := telemetry.ComputeFieldStats(d.Slice(1, g.NY+1, 1, g.NX+1))
		m.Std += f.Std
		m.Lag1 += (f.Lag1X + f.Lag1Y) / 2
	}
	m.Std /= float64(fe.samples)
	m.Lag1 /= float64(fe.samples)
	if math.IsNaN(m.Std) || math.IsNaN(m.Lag1) {
		return Measurement{}, fmt.Errorf("non-finite statistics")
	}
	return m, nil
}

// copyConfig creates a copy of the base config whose SOAR section can be
// overwritten per evaluation.
func (fe *FitnessEvaluator) copyConfig() *config.Config {
	cfg := *fe.baseConfig
	return &cfg
}
