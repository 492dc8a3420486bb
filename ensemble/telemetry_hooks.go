package ensemble

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/oceannoise/telemetry"
)

// flushTelemetry checks if the stats window should be flushed and handles bookmarks.
func (e *Ensemble) flushTelemetry() {
	if !e.collector.ShouldFlush(e.step) {
		return
	}

	increments := make([]mat.Matrix, len(e.members))
	states := make([]mat.Matrix, len(e.members))
	for i, m := range e.members {
		increments[i] = m.increment
		states[i] = m.state
	}

	stats := e.collector.Flush(e.step, increments, states)
	perfStats := e.perfCollector.Stats()
	e.metrics.RecordWindow(stats)

	if e.logStats {
		stats.LogStats(e.logger)
		perfStats.LogStats(e.logger)
	}

	if err := e.outputManager.WriteStats(stats); err != nil {
		e.logger.Error("failed to write stats", "error", err)
	}
	if err := e.outputManager.WritePerf(perfStats, stats.WindowEndStep); err != nil {
		e.logger.Error("failed to write perf", "error", err)
	}

	for _, bm := range e.bookmarkDetector.Check(stats) {
		if e.logStats {
			bm.LogBookmark(e.logger)
		}
		if err := e.outputManager.WriteBookmark(bm); err != nil {
			e.logger.Error("failed to write bookmark", "error", err)
		}
	}
}

// saveCheckpoint writes a checkpoint into the output directory, if any.
func (e *Ensemble) saveCheckpoint() {
	dir := e.outputManager.CheckpointDir()
	if dir == "" {
		return
	}
	cp, err := e.Checkpoint()
	if err != nil {
		e.logger.Error("failed to build checkpoint", "error", err)
		return
	}
	path, err := telemetry.SaveCheckpoint(cp, dir)
	if err != nil {
		e.logger.Error("failed to save checkpoint", "error", err)
		return
	}
	e.logger.Info("checkpoint saved", "path", path, "step", e.step)
}

// Checkpoint captures every member's seed grid and elevation.
func (e *Ensemble) Checkpoint() (*telemetry.Checkpoint, error) {
	g := e.derived.Geometry
	cp := &telemetry.Checkpoint{
		Version:   telemetry.CheckpointVersion,
		Step:      e.step,
		BaseSeed:  e.baseSeed,
		NX:        g.NX,
		NY:        g.NY,
		DX:        g.DX,
		DY:        g.DY,
		Cutoff:    g.Cutoff,
		BoundaryX: g.BoundaryX.String(),
		BoundaryY: g.BoundaryY.String(),
		Q0:        e.derived.SOAR.Q0,
		L:         e.derived.SOAR.L,
		Members:   make([]telemetry.MemberCheckpoint, 0, len(e.members)),
	}
	for _, m := range e.members {
		seeds, err := m.svc.Seed()
		if err != nil {
			return nil, fmt.Errorf("member %d: %w", m.Index, err)
		}
		state := mat.DenseCopyOf(m.state)
		cp.Members = append(cp.Members, telemetry.MemberCheckpoint{
			Index: m.Index,
			Seeds: seeds,
			State: state.RawMatrix().Data,
		})
	}
	return cp, nil
}

// Restore resumes from cp. The checkpoint must match the ensemble's geometry,
// resolved SOAR parameters and member count; nothing is changed when it does not.
func (e *Ensemble) Restore(cp *telemetry.Checkpoint) error {
	g := e.derived.Geometry
	if cp.NX != g.NX || cp.NY != g.NY || cp.Cutoff != g.Cutoff {
		return fmt.Errorf("checkpoint grid %dx%d cutoff %d does not match config %dx%d cutoff %d",
			cp.NX, cp.NY, cp.Cutoff, g.NX, g.NY, g.Cutoff)
	}
	if cp.DX != g.DX || cp.DY != g.DY {
		return fmt.Errorf("checkpoint cell size %gx%g does not match config %gx%g", cp.DX, cp.DY, g.DX, g.DY)
	}
	if cp.BoundaryX != g.BoundaryX.String() || cp.BoundaryY != g.BoundaryY.String() {
		return fmt.Errorf("checkpoint boundaries (%s, %s) do not match config (%s, %s)",
			cp.BoundaryX, cp.BoundaryY, g.BoundaryX, g.BoundaryY)
	}
	if s := e.derived.SOAR; cp.Q0 != s.Q0 || cp.L != s.L {
		return fmt.Errorf("checkpoint soar q0=%g l=%g does not match config q0=%g l=%g", cp.Q0, cp.L, s.Q0, s.L)
	}
	if len(cp.Members) != len(e.members) {
		return fmt.Errorf("checkpoint has %d members, ensemble has %d", len(cp.Members), len(e.members))
	}
	for i, mc := range cp.Members {
		if mc.Index != i {
			return fmt.Errorf("checkpoint member %d has index %d", i, mc.Index)
		}
		if len(mc.State) != cp.NX*cp.NY {
			return fmt.Errorf("checkpoint member %d: state has %d values, want %d", i, len(mc.State), cp.NX*cp.NY)
		}
		snx, sny := e.derived.SeedNX, e.derived.SeedNY
		if mc.Seeds.NX != snx || mc.Seeds.NY != sny || len(mc.Seeds.Values) != snx*sny {
			return fmt.Errorf("checkpoint member %d: seed grid %dx%d, want %dx%d", i, mc.Seeds.NX, mc.Seeds.NY, snx, sny)
		}
		for _, v := range mc.Seeds.Values {
			if v >= 1<<31 {
				return fmt.Errorf("checkpoint member %d: seed %d outside [0, 2^31)", i, v)
			}
		}
	}

	for i, mc := range cp.Members {
		if err := e.members[i].svc.SetSeed(mc.Seeds); err != nil {
			return fmt.Errorf("checkpoint member %d: %w", i, err)
		}
	}
	for i, mc := range cp.Members {
		m := e.members[i]
		m.state = mat.NewDense(cp.NY, cp.NX, append([]float64(nil), mc.State...))
		m.increment.Zero()
	}
	e.step = cp.Step
	e.baseSeed = cp.BaseSeed
	for _, m := range e.members {
		m.Seed = DeriveSeed(e.baseSeed, m.Index)
	}

	e.logger.Info("restored checkpoint", "step", cp.Step, "base_seed", cp.BaseSeed, "members", len(cp.Members))
	return nil
}
