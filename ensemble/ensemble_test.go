package ensemble

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/oceannoise/config"
	"github.com/pthm-cable/oceannoise/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load defaults: %v", err)
	}
	cfg.Grid.NX = 12
	cfg.Grid.NY = 9
	cfg.Grid.Cutoff = 2
	cfg.Backend.Kind = "parallel"
	cfg.Backend.Workers = 2
	cfg.Backend.BlockWidth = 4
	cfg.Backend.BlockHeight = 4
	cfg.Backend.ParallelThreshold = -1
	cfg.Ensemble.Members = 3
	cfg.Ensemble.Steps = 6
	cfg.Ensemble.CheckpointEvery = 0
	cfg.Telemetry.StatsWindow = 2
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnsemble(t *testing.T, cfg *config.Config, seed uint64, dir string) *Ensemble {
	t.Helper()
	e, err := New(Options{Config: cfg, Seed: seed, OutputDir: dir, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func statesEqual(t *testing.T, a, b *Ensemble) bool {
	t.Helper()
	if len(a.Members()) != len(b.Members()) {
		return false
	}
	for i := range a.Members() {
		if !mat.Equal(a.Members()[i].State(), b.Members()[i].State()) {
			return false
		}
	}
	return true
}

func TestEnsembleDeterministic(t *testing.T) {
	cfg := testConfig(t)
	a := newTestEnsemble(t, cfg, 42, "")
	b := newTestEnsemble(t, cfg, 42, "")

	ctx := context.Background()
	if err := a.Run(ctx, 4); err != nil {
		t.Fatalf("Run a: %v", err)
	}
	if err := b.Run(ctx, 4); err != nil {
		t.Fatalf("Run b: %v", err)
	}
	if a.StepCount() != 4 || b.StepCount() != 4 {
		t.Fatalf("steps = %d/%d, want 4", a.StepCount(), b.StepCount())
	}
	if !statesEqual(t, a, b) {
		t.Error("ensembles with the same seed diverged")
	}
}

func TestEnsembleMembersDiffer(t *testing.T) {
	e := newTestEnsemble(t, testConfig(t), 7, "")
	if err := e.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	m := e.Members()
	if mat.Equal(m[0].Increment(), m[1].Increment()) {
		t.Error("members 0 and 1 produced identical increments")
	}
}

func TestEnsembleIncrementMatchesState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ensemble.InitialLevel = 2.5
	e := newTestEnsemble(t, cfg, 3, "")

	if err := e.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	for _, m := range e.Members() {
		var diff mat.Dense
		diff.Sub(m.State(), m.Increment())
		r, c := diff.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := diff.At(i, j); v < 2.5-1e-12 || v > 2.5+1e-12 {
					t.Fatalf("member %d: state - increment = %v at (%d,%d), want 2.5", m.Index, v, i, j)
				}
			}
		}
	}
}

func TestCheckpointRestoreReplays(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a := newTestEnsemble(t, cfg, 99, "")
	if err := a.Run(ctx, 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cp, err := a.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	dir := t.TempDir()
	path, err := telemetry.SaveCheckpoint(cp, dir)
	if err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	loaded, err := telemetry.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}

	b := newTestEnsemble(t, cfg, 1, "")
	if err := b.Restore(loaded); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if b.StepCount() != 3 || b.BaseSeed() != 99 {
		t.Fatalf("restored step=%d seed=%d, want 3/99", b.StepCount(), b.BaseSeed())
	}
	if !statesEqual(t, a, b) {
		t.Fatal("restored states differ")
	}

	if err := a.Run(ctx, 3); err != nil {
		t.Fatalf("Run a: %v", err)
	}
	if err := b.Run(ctx, 3); err != nil {
		t.Fatalf("Run b: %v", err)
	}
	if !statesEqual(t, a, b) {
		t.Error("restored ensemble did not replay the original")
	}
}

func TestRestoreRejectsMismatch(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEnsemble(t, cfg, 5, "")
	good, err := e.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(cp *telemetry.Checkpoint)
	}{
		{"grid", func(cp *telemetry.Checkpoint) { cp.NX++ }},
		{"cutoff", func(cp *telemetry.Checkpoint) { cp.Cutoff++ }},
		{"cell size", func(cp *telemetry.Checkpoint) { cp.DX *= 2 }},
		{"boundary", func(cp *telemetry.Checkpoint) { cp.BoundaryY = "periodic" }},
		{"soar amplitude", func(cp *telemetry.Checkpoint) { cp.Q0 *= 1.5 }},
		{"soar lengthscale", func(cp *telemetry.Checkpoint) { cp.L = 0 }},
		{"members", func(cp *telemetry.Checkpoint) { cp.Members = cp.Members[:1] }},
		{"state length", func(cp *telemetry.Checkpoint) { cp.Members[2].State = cp.Members[2].State[:5] }},
		{"seed shape", func(cp *telemetry.Checkpoint) { cp.Members[1].Seeds.NX-- }},
		{"seed range", func(cp *telemetry.Checkpoint) { cp.Members[2].Seeds.Values[0] = 1 << 31 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, _ := e.Checkpoint()
			cp.Members[0].State[0] = 1234
			tt.mutate(cp)
			if err := e.Restore(cp); err == nil {
				t.Fatal("expected error")
			}
			if e.Members()[0].State().At(0, 0) != good.Members[0].State[0] {
				t.Error("state modified by rejected restore")
			}
			seeds, _ := e.Members()[0].svc.Seed()
			if seeds.Values[0] != good.Members[0].Seeds.Values[0] {
				t.Error("seeds modified by rejected restore")
			}
		})
	}
}

func TestRunWritesOutput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ensemble.CheckpointEvery = 2
	dir := t.TempDir()
	e := newTestEnsemble(t, cfg, 11, dir)

	if err := e.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.StepCount() != cfg.Ensemble.Steps {
		t.Fatalf("steps = %d, want %d", e.StepCount(), cfg.Ensemble.Steps)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{"config.yaml", "perturbations.csv", "perf.csv", "bookmarks.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	latest, err := telemetry.LatestCheckpoint(filepath.Join(dir, "checkpoints"))
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	cp, err := telemetry.LoadCheckpoint(latest)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.Step != 6 {
		t.Errorf("latest checkpoint step = %d, want 6", cp.Step)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEnsemble(t, testConfig(t), 8, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if e.StepCount() != 0 {
		t.Errorf("steps = %d after cancelled run", e.StepCount())
	}
}

func TestMemberReseed(t *testing.T) {
	e := newTestEnsemble(t, testConfig(t), 4, "")
	m := e.Members()[0]
	before, _ := m.svc.Seed()
	if err := m.reseed(1); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	after, _ := m.svc.Seed()
	same := true
	for i := range before.Values {
		if before.Values[i] != after.Values[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("reseed left the seed grid unchanged")
	}
}

func TestDeriveSeed(t *testing.T) {
	seen := make(map[uint64]int)
	for _, base := range []uint64{0, 1, 42, 1 << 63} {
		for i := 0; i < 64; i++ {
			s := DeriveSeed(base, i)
			if s == 0 {
				t.Fatalf("DeriveSeed(%d, %d) = 0", base, i)
			}
			if s != DeriveSeed(base, i) {
				t.Fatalf("DeriveSeed(%d, %d) not stable", base, i)
			}
			seen[s]++
		}
	}
	for s, n := range seen {
		if n > 1 {
			t.Errorf("seed %d derived %d times", s, n)
		}
	}
}

func TestNoiseOptionsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"boundary_x", func(cfg *config.Config) { cfg.Grid.BoundaryX = "mirror" }},
		{"boundary_y", func(cfg *config.Config) { cfg.Grid.BoundaryY = "open" }},
		{"staggering", func(cfg *config.Config) { cfg.Grid.Staggering = "diagonal" }},
		{"backend", func(cfg *config.Config) { cfg.Backend.Kind = "gpu" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			if _, err := NoiseOptions(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNoiseOptionsMapsConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Grid.BoundaryX = "periodic"
	cfg.SOAR.L = 1500
	opts, err := NoiseOptions(cfg)
	if err != nil {
		t.Fatalf("NoiseOptions: %v", err)
	}
	if opts.Geometry.NX != 12 || opts.Geometry.NY != 9 || opts.Geometry.Cutoff != 2 {
		t.Errorf("geometry = %+v", opts.Geometry)
	}
	if opts.Geometry.BoundaryX.String() != "periodic" {
		t.Errorf("boundary_x = %s", opts.Geometry.BoundaryX)
	}
	if opts.SOAR.L != 1500 || opts.Tiling.Workers != 2 || opts.Backend.String() != "parallel" {
		t.Errorf("opts = %+v", opts)
	}
}

func TestCheckpointRecordsResolvedParameters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Grid.BoundaryX = "periodic"
	a := newTestEnsemble(t, cfg, 21, "")
	cp, err := a.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.DX != 1000 || cp.DY != 1000 || cp.Q0 != 0.01 || cp.L != 750 {
		t.Errorf("checkpoint dx=%v dy=%v q0=%v l=%v, want 1000/1000/0.01/750", cp.DX, cp.DY, cp.Q0, cp.L)
	}
	if cp.BoundaryX != "periodic" || cp.BoundaryY != "non_periodic" {
		t.Errorf("boundaries = (%s, %s)", cp.BoundaryX, cp.BoundaryY)
	}
	seeds, _ := a.Members()[0].svc.Seed()
	if seeds.NX != cfg.Derived.SeedNX || seeds.NY != cfg.Derived.SeedNY {
		t.Errorf("service seed grid %dx%d, derived %dx%d", seeds.NX, seeds.NY, cfg.Derived.SeedNX, cfg.Derived.SeedNY)
	}

	// Same grid shape, different cell size: the seeds would replay but the
	// increments would not.
	other := testConfig(t)
	other.Grid.BoundaryX = "periodic"
	other.Grid.DX = 2000
	b := newTestEnsemble(t, other, 21, "")
	if err := b.Restore(cp); err == nil {
		t.Fatal("restore accepted a checkpoint taken with a different cell size")
	}

	other = testConfig(t)
	other.Grid.BoundaryX = "periodic"
	other.SOAR.L = 900
	c := newTestEnsemble(t, other, 21, "")
	if err := c.Restore(cp); err == nil {
		t.Fatal("restore accepted a checkpoint taken with a different lengthscale")
	}
}

func TestZeroSeedFallsBackToClock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ensemble.Seed = 0
	before := uint64(time.Now().UnixNano())
	e := newTestEnsemble(t, cfg, 0, "")
	after := uint64(time.Now().UnixNano())
	if s := e.BaseSeed(); s < before || s > after {
		t.Errorf("base seed %d not taken from the clock in [%d, %d]", s, before, after)
	}

	cfg.Ensemble.Seed = 77
	if s := newTestEnsemble(t, cfg, 0, "").BaseSeed(); s != 77 {
		t.Errorf("base seed = %d, want ensemble.seed 77", s)
	}
}
