package ensemble

import (
	"github.com/pthm-cable/oceannoise/config"
	"github.com/pthm-cable/oceannoise/noise"
)

// NoiseOptions resolves cfg and translates its derived noise parameters and
// backend tuning into options for one member's noise service. Seed, logger,
// kernel cache and observer are left for the caller.
func NoiseOptions(cfg *config.Config) (noise.Options, error) {
	if err := cfg.Resolve(); err != nil {
		return noise.Options{}, err
	}
	d := cfg.Derived
	return noise.Options{
		Geometry:   d.Geometry,
		SOAR:       d.SOAR,
		Staggering: d.Staggering,
		Backend:    d.Backend,
		Tiling: noise.Tiling{
			Workers:           cfg.Backend.Workers,
			BlockWidth:        cfg.Backend.BlockWidth,
			BlockHeight:       cfg.Backend.BlockHeight,
			ParallelThreshold: cfg.Backend.ParallelThreshold,
		},
	}, nil
}

// DeriveSeed maps a base seed and member index onto an independent,
// never-zero generator key with the SplitMix64 finalizer.
func DeriveSeed(base uint64, member int) uint64 {
	z := base + uint64(member+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	if z == 0 {
		return 1
	}
	return z
}
