// Package config provides configuration loading for the perturbation generator.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/oceannoise/noise"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid is returned by Validate for unusable settings.
var ErrInvalid = errors.New("config: invalid")

// Config holds all generator configuration parameters.
type Config struct {
	Grid      GridConfig      `yaml:"grid"`
	SOAR      SOARConfig      `yaml:"soar"`
	Backend   BackendConfig   `yaml:"backend"`
	Ensemble  EnsembleConfig  `yaml:"ensemble"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Calibrate CalibrateConfig `yaml:"calibrate"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// GridConfig describes the model domain.
type GridConfig struct {
	NX         int     `yaml:"nx"`
	NY         int     `yaml:"ny"`
	DX         float64 `yaml:"dx"`         // cell width, metres
	DY         float64 `yaml:"dy"`         // cell height, metres
	Cutoff     int     `yaml:"cutoff"`     // SOAR support radius in cells
	BoundaryX  string  `yaml:"boundary_x"` // periodic | non_periodic
	BoundaryY  string  `yaml:"boundary_y"`
	Staggering string  `yaml:"staggering"` // staggered | unstaggered
}

// SOARConfig holds the covariance parameters. Zero means the dx-based default.
type SOARConfig struct {
	Q0 float64 `yaml:"q0"`
	L  float64 `yaml:"l"`
}

// BackendConfig selects and tunes the compute backend.
type BackendConfig struct {
	Kind              string `yaml:"kind"`    // reference | parallel
	Workers           int    `yaml:"workers"` // 0 = GOMAXPROCS
	BlockWidth        int    `yaml:"block_width"`
	BlockHeight       int    `yaml:"block_height"`
	ParallelThreshold int    `yaml:"parallel_threshold"` // <0 always dispatches
	KernelCacheSize   int    `yaml:"kernel_cache_size"`
}

// EnsembleConfig holds ensemble run parameters.
type EnsembleConfig struct {
	Members         int     `yaml:"members"`
	Steps           int     `yaml:"steps"`
	Seed            uint64  `yaml:"seed"`             // 0 = time-based
	CheckpointEvery int     `yaml:"checkpoint_every"` // steps between seed checkpoints, 0 disables
	InitialLevel    float64 `yaml:"initial_level"`    // starting elevation, metres
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsWindow         int    `yaml:"stats_window"` // steps per stats window
	PerfCollectorWindow int    `yaml:"perf_collector_window"`
	MetricsAddr         string `yaml:"metrics_addr"` // empty disables the HTTP surface
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// CalibrateConfig holds the targets for the SOAR parameter fit.
type CalibrateConfig struct {
	TargetStd     float64 `yaml:"target_std"`  // interior perturbation std, metres
	TargetLag1    float64 `yaml:"target_lag1"` // lag-1 correlation along x
	Samples       int     `yaml:"samples"`     // perturbations per evaluation
	MaxIterations int     `yaml:"max_iterations"`
}

// DerivedConfig holds the noise parameters resolved from the grid, soar and
// backend sections. It is recomputed by Resolve.
type DerivedConfig struct {
	Geometry   noise.Geometry
	SOAR       noise.SOAR // zero fields replaced by the dx-based defaults
	Staggering noise.Staggering
	Backend    noise.BackendKind

	RandNX, RandNY int // random-field extent including halos
	SeedNX, SeedNY int // seed-grid extent
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	// Load user config if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Resolve validates c and recomputes Derived. Call it again after changing
// the grid, soar or backend sections in code.
func (c *Config) Resolve() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.computeDerived()
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	g := c.Grid
	switch {
	case g.NX <= 0 || g.NY <= 0:
		return fmt.Errorf("%w: grid %dx%d", ErrInvalid, g.NX, g.NY)
	case !(g.DX > 0) || !(g.DY > 0):
		return fmt.Errorf("%w: cell size dx=%g dy=%g", ErrInvalid, g.DX, g.DY)
	case g.Cutoff < 0 || g.Cutoff > noise.MaxCutoff:
		return fmt.Errorf("%w: cutoff %d", ErrInvalid, g.Cutoff)
	case c.SOAR.Q0 < 0:
		return fmt.Errorf("%w: soar q0 %g", ErrInvalid, c.SOAR.Q0)
	case c.SOAR.L < 0:
		return fmt.Errorf("%w: soar l %g", ErrInvalid, c.SOAR.L)
	case c.Ensemble.Members <= 0:
		return fmt.Errorf("%w: ensemble members %d", ErrInvalid, c.Ensemble.Members)
	case c.Ensemble.Steps < 0:
		return fmt.Errorf("%w: ensemble steps %d", ErrInvalid, c.Ensemble.Steps)
	case c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1:
		return fmt.Errorf("%w: tracing sample_ratio %g", ErrInvalid, c.Tracing.SampleRatio)
	}
	return nil
}

// computeDerived parses the enum settings and resolves sizes and SOAR
// defaults through the noise package.
func (c *Config) computeDerived() error {
	g := c.Grid
	bx, err := noise.ParseBoundary(g.BoundaryX)
	if err != nil {
		return fmt.Errorf("%w: grid.boundary_x: %v", ErrInvalid, err)
	}
	by, err := noise.ParseBoundary(g.BoundaryY)
	if err != nil {
		return fmt.Errorf("%w: grid.boundary_y: %v", ErrInvalid, err)
	}
	stag, err := noise.ParseStaggering(g.Staggering)
	if err != nil {
		return fmt.Errorf("%w: grid.staggering: %v", ErrInvalid, err)
	}
	kind, err := noise.ParseBackendKind(c.Backend.Kind)
	if err != nil {
		return fmt.Errorf("%w: backend.kind: %v", ErrInvalid, err)
	}

	geom := noise.Geometry{
		NX:        g.NX,
		NY:        g.NY,
		DX:        g.DX,
		DY:        g.DY,
		Cutoff:    g.Cutoff,
		BoundaryX: bx,
		BoundaryY: by,
	}
	if err := geom.Validate(); err != nil {
		return fmt.Errorf("%w: grid: %v", ErrInvalid, err)
	}

	d := DerivedConfig{
		Geometry:   geom,
		SOAR:       noise.SOAR{Q0: c.SOAR.Q0, L: c.SOAR.L}.WithDefaults(g.DX),
		Staggering: stag,
		Backend:    kind,
	}
	d.RandNX, d.RandNY = geom.RandomSize()
	d.SeedNX, d.SeedNY = geom.SeedSize()
	c.Derived = d
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
