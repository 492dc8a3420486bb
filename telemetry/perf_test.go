package telemetry

import (
	"sync"
	"testing"
	"time"
)

func TestPerfCollector_BasicTiming(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.ObservePhase(PhaseGenerate, 100*time.Microsecond)
		pc.ObservePhase(PhaseConvolve, 300*time.Microsecond)
		pc.StartPhase(PhaseCheckpoint)
		time.Sleep(200 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()

	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration")
	}
	if got := stats.PhaseAvg[PhaseGenerate]; got != 100*time.Microsecond {
		t.Errorf("generate avg = %v, want 100µs", got)
	}
	if got := stats.PhaseAvg[PhaseConvolve]; got != 300*time.Microsecond {
		t.Errorf("convolve avg = %v, want 300µs", got)
	}
	if _, ok := stats.PhaseAvg[PhaseCheckpoint]; !ok {
		t.Error("expected checkpoint phase to be tracked")
	}
}

func TestPerfCollector_ConcurrentObserve(t *testing.T) {
	pc := NewPerfCollector(4)
	pc.StartStep()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				pc.ObservePhase(PhaseApply, time.Microsecond)
			}
		}()
	}
	wg.Wait()
	pc.EndStep()

	if got := pc.Stats().PhaseAvg[PhaseApply]; got != 800*time.Microsecond {
		t.Errorf("apply avg = %v, want 800µs", got)
	}
}

func TestPerfCollector_RollingWindow(t *testing.T) {
	pc := NewPerfCollector(5) // Small window

	for i := 0; i < 10; i++ {
		pc.StartStep()
		pc.StartPhase(PhaseTelemetry)
		time.Sleep(10 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()

	if stats.AvgStepDuration <= 0 {
		t.Error("expected positive average step duration after window filled")
	}
	if stats.StepsPerSecond <= 0 {
		t.Error("expected positive steps per second")
	}
}

func TestPerfCollector_PhasePercentages(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartStep()
		pc.StartPhase("fast")
		time.Sleep(10 * time.Microsecond)
		pc.StartPhase("slow")
		time.Sleep(100 * time.Microsecond)
		pc.EndStep()
	}

	stats := pc.Stats()
	if stats.PhasePct["slow"] <= stats.PhasePct["fast"] {
		t.Errorf("expected slow phase (%v%%) > fast phase (%v%%)", stats.PhasePct["slow"], stats.PhasePct["fast"])
	}

	row := stats.ToCSV(5)
	if row.StepEnd != 5 || row.AvgStepUS != stats.AvgStepDuration.Microseconds() {
		t.Errorf("unexpected CSV row %+v", row)
	}
}

func TestPerfCollector_EmptyStats(t *testing.T) {
	pc := NewPerfCollector(10)

	stats := pc.Stats()

	if stats.AvgStepDuration != 0 {
		t.Error("expected zero avg step duration for empty collector")
	}
	if stats.PhaseAvg == nil {
		t.Error("expected non-nil PhaseAvg map")
	}
	if stats.PhasePct == nil {
		t.Error("expected non-nil PhasePct map")
	}
}
