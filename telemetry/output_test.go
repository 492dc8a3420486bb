package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pthm-cable/oceannoise/config"
)

func TestOutputManagerDisabled(t *testing.T) {
	om, err := NewOutputManager("")
	if err != nil || om != nil {
		t.Fatalf("empty dir should disable output, got %v, %v", om, err)
	}
	// All methods are nil-safe.
	if err := om.WriteStats(WindowStats{}); err != nil {
		t.Error(err)
	}
	if err := om.WriteBookmark(Bookmark{}); err != nil {
		t.Error(err)
	}
	if om.Dir() != "" || om.CheckpointDir() != "" {
		t.Error("disabled manager should report empty dirs")
	}
	if err := om.Close(); err != nil {
		t.Error(err)
	}
}

func TestOutputManagerWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	om, err := NewOutputManager(dir)
	if err != nil {
		t.Fatalf("NewOutputManager: %v", err)
	}

	for step := 10; step <= 30; step += 10 {
		if err := om.WriteStats(WindowStats{WindowEndStep: step, Members: 4, IncStd: 0.01}); err != nil {
			t.Fatalf("WriteStats: %v", err)
		}
	}
	pc := NewPerfCollector(4)
	pc.StartStep()
	pc.EndStep()
	if err := om.WritePerf(pc.Stats(), 30); err != nil {
		t.Fatalf("WritePerf: %v", err)
	}
	if err := om.WriteBookmark(Bookmark{Type: BookmarkNumericError, Step: 20, Description: "1 rejected"}); err != nil {
		t.Fatalf("WriteBookmark: %v", err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := om.WriteConfig(cfg); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if err := om.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "perturbations.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("perturbations.csv has %d lines, want header + 3", len(lines))
	}
	if !strings.HasPrefix(lines[0], "window_end,members,inc_mean") {
		t.Errorf("unexpected header %q", lines[0])
	}
	if strings.Count(string(data), "window_end") != 1 {
		t.Error("header written more than once")
	}

	data, err = os.ReadFile(filepath.Join(dir, "bookmarks.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "numeric_error,20,1 rejected") {
		t.Errorf("bookmarks.csv = %q", data)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "perf.csv")); err != nil {
		t.Errorf("perf.csv not written: %v", err)
	}
}
