package main

import (
	"math"

	"github.com/pthm-cable/oceannoise/config"
)

// ParamSpec defines a single calibrated parameter. Bounds and defaults are in
// raw units; the optimizer works on log10(value) normalized to [0,1].
type ParamSpec struct {
	Name    string  // Human-readable name
	Path    string  // Config path for logging
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Default value
}

// ParamVector holds the set of calibrated parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the SOAR parameter set for grid spacing dx. The
// defaults are the dx-based SOAR defaults; bounds span two decades each way
// for q0 and [0.1, 10] grid spacings for L.
func NewParamVector(dx float64) *ParamVector {
	q0 := dx / 1e5
	return &ParamVector{
		Specs: []ParamSpec{
			{Name: "soar_q0", Path: "soar.q0", Min: q0 / 100, Max: q0 * 100, Default: q0},
			{Name: "soar_l", Path: "soar.l", Min: 0.1 * dx, Max: 10 * dx, Default: 0.75 * dx},
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize converts raw parameter values to the [0,1] log range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		lo, hi := math.Log10(spec.Min), math.Log10(spec.Max)
		normalized[i] = (math.Log10(raw[i]) - lo) / (hi - lo)
	}
	return normalized
}

// Denormalize converts [0,1] log-range values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		lo, hi := math.Log10(spec.Min), math.Log10(spec.Max)
		raw[i] = math.Pow(10, lo+normalized[i]*(hi-lo))
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = math.Min(math.Max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig applies parameter values to a Config struct.
// Order must match Specs order.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	clamped := pv.Clamp(values)
	cfg.SOAR.Q0 = clamped[0]
	cfg.SOAR.L = clamped[1]
}
