package noise

import (
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Phase names reported to a PhaseObserver.
const (
	PhaseGenerate = "generate"
	PhaseConvolve = "convolve"
	PhaseApply    = "apply"
)

// PhaseObserver receives the wall-clock duration of each pipeline phase.
// Implementations must be safe for concurrent use when shared across services.
type PhaseObserver interface {
	ObservePhase(phase string, d time.Duration)
}

// Options configures a Service. Zero SOAR fields take their dx-based defaults.
type Options struct {
	Geometry   Geometry
	SOAR       SOAR
	Staggering Staggering

	Backend BackendKind
	Tiling  Tiling
	Kernels *KernelCache // optional, shared between services

	// Seed keys the generator that initializes the seed grid; 0 draws a key
	// from the operating system.
	Seed uint64

	Logger   *slog.Logger  // nil = slog.Default()
	Observer PhaseObserver // optional
}

// Service generates SOAR-correlated perturbations and applies them to an
// elevation buffer. It owns its seed grid and random field exclusively and is
// not safe for concurrent use; run one Service per ensemble member.
type Service struct {
	geom       Geometry
	soar       SOAR
	staggering Staggering

	seeds   *SeedStore
	field   *RandomField
	backend Backend

	observer PhaseObserver
	logger   *slog.Logger
	released bool
}

// New validates opts, allocates the seed grid and random field, and seeds the
// grid from opts.Seed.
func New(opts Options) (*Service, error) {
	g := opts.Geometry
	if err := g.Validate(); err != nil {
		return nil, err
	}
	s := opts.SOAR.WithDefaults(g.DX)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := g.checkAllocation(); err != nil {
		return nil, err
	}

	seedNX, seedNY := g.SeedSize()
	seeds, err := NewSeedStore(seedNX, seedNY)
	if err != nil {
		return nil, err
	}
	seeds.Initialize(NewEntropySource(opts.Seed))

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		geom:       g,
		soar:       s,
		staggering: opts.Staggering,
		seeds:      seeds,
		field:      zeroRandomField(g),
		backend:    NewBackend(opts.Backend, g, s, opts.Tiling, opts.Kernels),
		observer:   opts.Observer,
		logger:     logger,
	}

	randNX, randNY := g.RandomSize()
	logger.Debug("noise service ready",
		"nx", g.NX,
		"ny", g.NY,
		"rand_nx", randNX,
		"rand_ny", randNY,
		"cutoff", g.Cutoff,
		"boundary_x", g.BoundaryX.String(),
		"boundary_y", g.BoundaryY.String(),
		"soar_q0", s.Q0,
		"soar_l", s.L,
		"staggering", opts.Staggering.String(),
		"backend", svc.backend.Name(),
	)
	return svc, nil
}

// Geometry returns the configured geometry.
func (s *Service) Geometry() Geometry { return s.geom }

// SOAR returns the resolved covariance parameters.
func (s *Service) SOAR() SOAR { return s.soar }

// Staggering returns the caller-supplied staggering.
func (s *Service) Staggering() Staggering { return s.staggering }

// BackendName identifies the active backend.
func (s *Service) BackendName() string { return s.backend.Name() }

// GenerateUniform replaces the random field with U[0,1) variates and advances the seeds.
func (s *Service) GenerateUniform() error { return s.generate(Uniform) }

// GenerateNormal replaces the random field with N(0,1) variates and advances the seeds.
func (s *Service) GenerateNormal() error { return s.generate(Normal) }

// generate runs the generation phase. The seed grid and random field are
// replaced only when every cell succeeded.
func (s *Service) generate(dist Distribution) error {
	if s.released {
		return ErrReleased
	}
	start := time.Now()
	field, next, err := s.backend.Generate(s.seeds.values(), dist)
	if err != nil {
		s.logger.Warn("random field generation failed",
			"distribution", dist.String(),
			"backend", s.backend.Name(),
			"error", err,
		)
		return fmt.Errorf("generating %s field: %w", dist, err)
	}
	s.seeds.commit(next)
	s.field = field
	s.observe(PhaseGenerate, start)
	return nil
}

// PerturbationField convolves the current random field and returns the
// (ny+2) x (nx+2) result, ghost ring included. Nothing is mutated.
func (s *Service) PerturbationField() (*mat.Dense, error) {
	if s.released {
		return nil, ErrReleased
	}
	start := time.Now()
	d := s.backend.Convolve(s.field)
	s.observe(PhaseConvolve, start)
	return d, nil
}

// Perturb adds a SOAR-correlated perturbation to state, an ny x nx elevation
// buffer, in place. Unless useExistingRandomNumbers is set a fresh normal
// field is generated first, advancing the seeds; reusing the field applies
// the same increment again. A shape mismatch is reported before anything,
// seeds included, is touched.
func (s *Service) Perturb(state *mat.Dense, useExistingRandomNumbers bool) error {
	if s.released {
		return ErrReleased
	}
	if state == nil {
		return fmt.Errorf("%w: nil state, want %dx%d", ErrShapeMismatch, s.geom.NY, s.geom.NX)
	}
	if r, c := state.Dims(); r != s.geom.NY || c != s.geom.NX {
		return fmt.Errorf("%w: state %dx%d, want %dx%d", ErrShapeMismatch, r, c, s.geom.NY, s.geom.NX)
	}

	if !useExistingRandomNumbers {
		if err := s.generate(Normal); err != nil {
			return err
		}
	}

	d, err := s.PerturbationField()
	if err != nil {
		return err
	}

	start := time.Now()
	interior := d.Slice(1, s.geom.NY+1, 1, s.geom.NX+1)
	state.Add(state, interior)
	s.observe(PhaseApply, start)
	return nil
}

// Seed returns a copy of the seed grid for checkpointing.
func (s *Service) Seed() (SeedGrid, error) {
	if s.released {
		return SeedGrid{}, ErrReleased
	}
	return s.seeds.Get(), nil
}

// SetSeed restores a seed grid captured with Seed. The random field is kept,
// so the next generation replays the stream from the restored point.
func (s *Service) SetSeed(g SeedGrid) error {
	if s.released {
		return ErrReleased
	}
	return s.seeds.Set(g)
}

// RandomNumbers returns a copy of the current random field.
func (s *Service) RandomNumbers() (*mat.Dense, error) {
	if s.released {
		return nil, ErrReleased
	}
	return s.field.Matrix(), nil
}

// RandomField returns the current read-only random field.
func (s *Service) RandomField() (*RandomField, error) {
	if s.released {
		return nil, ErrReleased
	}
	return s.field, nil
}

// Release stops the backend and drops the seed grid and random field. Every
// later call returns ErrReleased.
func (s *Service) Release() {
	if s.released {
		return
	}
	s.backend.Close()
	s.seeds = nil
	s.field = nil
	s.released = true
}

func (s *Service) observe(phase string, start time.Time) {
	if s.observer != nil {
		s.observer.ObservePhase(phase, time.Since(start))
	}
}
