// Package ensemble drives a set of independently seeded ocean states, each
// perturbed once per step by its own noise service.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/oceannoise/config"
	"github.com/pthm-cable/oceannoise/noise"
	"github.com/pthm-cable/oceannoise/telemetry"
)

// Options configures an Ensemble.
type Options struct {
	Config    *config.Config
	Seed      uint64 // overrides ensemble.seed when non-zero
	OutputDir string // empty disables CSV and checkpoint output
	LogStats  bool   // log window and perf stats through slog
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics // optional
}

// Member is one ensemble member: a noise service and the elevation it perturbs.
type Member struct {
	Index int
	Seed  uint64

	svc       *noise.Service
	state     *mat.Dense
	prev      *mat.Dense
	increment *mat.Dense
}

// Ensemble holds the complete run state.
type Ensemble struct {
	cfg      *config.Config
	derived  config.DerivedConfig // resolved when the members were built
	baseSeed uint64
	members  []*Member
	kernels  *noise.KernelCache
	step     int

	logger   *slog.Logger
	logStats bool
	tracer   trace.Tracer

	// Telemetry
	collector        *telemetry.Collector
	perfCollector    *telemetry.PerfCollector
	bookmarkDetector *telemetry.BookmarkDetector
	outputManager    *telemetry.OutputManager
	metrics          *telemetry.Metrics
}

// New builds an ensemble from opts.Config. Members share one kernel cache and
// are seeded from DeriveSeed(base, index).
func New(opts Options) (*Ensemble, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("ensemble: nil config")
	}
	if cfg.Ensemble.Members <= 0 {
		return nil, fmt.Errorf("ensemble: %d members", cfg.Ensemble.Members)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseSeed := opts.Seed
	if baseSeed == 0 {
		baseSeed = cfg.Ensemble.Seed
	}
	if baseSeed == 0 {
		baseSeed = uint64(time.Now().UnixNano())
	}

	nopts, err := NoiseOptions(cfg)
	if err != nil {
		return nil, err
	}
	kernels, err := noise.NewKernelCache(max(cfg.Backend.KernelCacheSize, 1))
	if err != nil {
		return nil, err
	}

	outputManager, err := telemetry.NewOutputManager(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	if err := outputManager.WriteConfig(cfg); err != nil {
		outputManager.Close()
		return nil, err
	}

	e := &Ensemble{
		cfg:              cfg,
		derived:          cfg.Derived,
		baseSeed:         baseSeed,
		kernels:          kernels,
		logger:           logger,
		logStats:         opts.LogStats,
		tracer:           otel.Tracer("github.com/pthm-cable/oceannoise/ensemble"),
		collector:        telemetry.NewCollector(cfg.Telemetry.StatsWindow),
		perfCollector:    telemetry.NewPerfCollector(cfg.Telemetry.PerfCollectorWindow),
		bookmarkDetector: telemetry.NewBookmarkDetector(10),
		outputManager:    outputManager,
		metrics:          opts.Metrics,
	}

	nopts.Kernels = kernels
	nopts.Logger = logger
	nopts.Observer = phaseObservers{e.perfCollector, e.metrics}
	for i := 0; i < cfg.Ensemble.Members; i++ {
		m, err := newMember(i, DeriveSeed(baseSeed, i), nopts, cfg.Ensemble.InitialLevel)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		e.members = append(e.members, m)
	}

	logger.Info("ensemble ready",
		"members", len(e.members),
		"base_seed", baseSeed,
		"nx", cfg.Grid.NX,
		"ny", cfg.Grid.NY,
		"rand_nx", cfg.Derived.RandNX,
		"rand_ny", cfg.Derived.RandNY,
		"seed_nx", cfg.Derived.SeedNX,
		"seed_ny", cfg.Derived.SeedNY,
		"soar_q0", cfg.Derived.SOAR.Q0,
		"soar_l", cfg.Derived.SOAR.L,
		"backend", e.members[0].svc.BackendName(),
		"output_dir", outputManager.Dir(),
	)
	return e, nil
}

func newMember(index int, seed uint64, opts noise.Options, level float64) (*Member, error) {
	opts.Seed = seed
	svc, err := noise.New(opts)
	if err != nil {
		return nil, err
	}
	g := svc.Geometry()
	state := mat.NewDense(g.NY, g.NX, nil)
	if level != 0 {
		for i := 0; i < g.NY; i++ {
			for j := 0; j < g.NX; j++ {
				state.Set(i, j, level)
			}
		}
	}
	return &Member{
		Index:     index,
		Seed:      seed,
		svc:       svc,
		state:     state,
		prev:      mat.NewDense(g.NY, g.NX, nil),
		increment: mat.NewDense(g.NY, g.NX, nil),
	}, nil
}

// perturb applies one perturbation and records the increment.
func (m *Member) perturb() error {
	m.prev.Copy(m.state)
	if err := m.svc.Perturb(m.state, false); err != nil {
		return err
	}
	m.increment.Sub(m.state, m.prev)
	return nil
}

// reseed replaces the member's seed grid with a fresh one keyed on (seed, step).
func (m *Member) reseed(step int) error {
	grid, err := m.svc.Seed()
	if err != nil {
		return err
	}
	store, err := noise.NewSeedStore(grid.NX, grid.NY)
	if err != nil {
		return err
	}
	store.Initialize(noise.NewEntropySource(DeriveSeed(m.Seed, step)))
	return m.svc.SetSeed(store.Get())
}

// State returns a copy of the member's elevation.
func (m *Member) State() *mat.Dense { return mat.DenseCopyOf(m.state) }

// Increment returns a copy of the last applied perturbation.
func (m *Member) Increment() *mat.Dense { return mat.DenseCopyOf(m.increment) }

// Step advances every member by one perturbation. Members run concurrently;
// the first hard failure cancels the rest.
func (e *Ensemble) Step(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "ensemble.step", trace.WithAttributes(
		attribute.Int("step", e.step+1),
		attribute.Int("members", len(e.members)),
	))
	defer span.End()

	e.perfCollector.StartStep()

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range e.members {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.stepMember(gctx, m)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		e.perfCollector.EndStep()
		return err
	}
	e.step++
	e.metrics.RecordStep(e.step)

	if every := e.cfg.Ensemble.CheckpointEvery; every > 0 && e.step%every == 0 {
		e.perfCollector.StartPhase(telemetry.PhaseCheckpoint)
		e.saveCheckpoint()
	}

	e.perfCollector.StartPhase(telemetry.PhaseTelemetry)
	e.flushTelemetry()
	e.perfCollector.EndStep()
	return nil
}

// stepMember perturbs one member. A numeric-domain failure leaves the member
// untouched; the member is reseeded and retried once.
func (e *Ensemble) stepMember(ctx context.Context, m *Member) error {
	_, span := e.tracer.Start(ctx, "member.perturb", trace.WithAttributes(attribute.Int("member", m.Index)))
	defer span.End()

	err := m.perturb()
	if errors.Is(err, noise.ErrNumericDomain) {
		e.collector.RecordNumericError()
		e.metrics.RecordNumericError()
		e.logger.Warn("reseeding member after numeric domain error",
			"member", m.Index,
			"step", e.step+1,
			"error", err,
		)
		if err := m.reseed(e.step + 1); err != nil {
			return fmt.Errorf("member %d: reseed: %w", m.Index, err)
		}
		err = m.perturb()
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("member %d: %w", m.Index, err)
	}
	return nil
}

// Run steps the ensemble until steps have completed (0 = config value) or ctx
// is cancelled. Cancellation is not an error.
func (e *Ensemble) Run(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = e.cfg.Ensemble.Steps
	}
	target := e.step + steps
	e.logger.Info("starting ensemble run", "from_step", e.step, "to_step", target)

	for e.step < target {
		if ctx.Err() != nil {
			e.logger.Info("run interrupted", "step", e.step)
			return nil
		}
		if err := e.Step(ctx); err != nil {
			if ctx.Err() != nil {
				e.logger.Info("run interrupted", "step", e.step)
				return nil
			}
			return err
		}
	}
	e.logger.Info("ensemble run complete", "step", e.step)
	return nil
}

// StepCount returns the number of completed steps.
func (e *Ensemble) StepCount() int { return e.step }

// BaseSeed returns the seed members were derived from.
func (e *Ensemble) BaseSeed() uint64 { return e.baseSeed }

// Members returns the ensemble members.
func (e *Ensemble) Members() []*Member { return e.members }

// KernelCache returns the kernel cache shared by the members.
func (e *Ensemble) KernelCache() *noise.KernelCache { return e.kernels }

// Close releases every member and flushes output files. It is safe to call
// more than once.
func (e *Ensemble) Close() error {
	for _, m := range e.members {
		m.svc.Release()
	}
	err := e.outputManager.Close()
	e.outputManager = nil
	return err
}

// phaseObservers fans phase durations out to several observers.
type phaseObservers []noise.PhaseObserver

func (o phaseObservers) ObservePhase(phase string, d time.Duration) {
	for _, obs := range o {
		obs.ObservePhase(phase, d)
	}
}
