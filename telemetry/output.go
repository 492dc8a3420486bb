// Package telemetry provides run statistics, bookmarking, metrics, tracing
// and checkpoints for perturbation ensembles.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/oceannoise/config"
)

// OutputManager handles structured run output with CSV logging.
type OutputManager struct {
	dir              string
	perturbationFile *os.File
	perfFile         *os.File
	bookmarkFile     *os.File

	// Track if headers have been written
	perturbationHeaderWritten bool
	perfHeaderWritten         bool
	bookmarkHeaderWritten     bool
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	// Create output directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}

	f, err := os.Create(filepath.Join(dir, "perturbations.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating perturbations.csv: %w", err)
	}
	om.perturbationFile = f

	f, err = os.Create(filepath.Join(dir, "perf.csv"))
	if err != nil {
		om.perturbationFile.Close()
		return nil, fmt.Errorf("creating perf.csv: %w", err)
	}
	om.perfFile = f

	f, err = os.Create(filepath.Join(dir, "bookmarks.csv"))
	if err != nil {
		om.perturbationFile.Close()
		om.perfFile.Close()
		return nil, fmt.Errorf("creating bookmarks.csv: %w", err)
	}
	om.bookmarkFile = f

	return om, nil
}

// WriteConfig saves the current configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteStats writes a window stats record to perturbations.csv.
func (om *OutputManager) WriteStats(stats WindowStats) error {
	if om == nil {
		return nil
	}
	if err := writeRecords(om.perturbationFile, []WindowStats{stats}, &om.perturbationHeaderWritten); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}
	return nil
}

// WritePerf writes a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, stepEnd int) error {
	if om == nil {
		return nil
	}
	if err := writeRecords(om.perfFile, []PerfStatsCSV{stats.ToCSV(stepEnd)}, &om.perfHeaderWritten); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// WriteBookmark writes a bookmark record to bookmarks.csv.
func (om *OutputManager) WriteBookmark(b Bookmark) error {
	if om == nil {
		return nil
	}
	if err := writeRecords(om.bookmarkFile, []Bookmark{b}, &om.bookmarkHeaderWritten); err != nil {
		return fmt.Errorf("writing bookmark: %w", err)
	}
	return nil
}

// writeRecords appends records to f, writing the header row only once.
func writeRecords[T any](f *os.File, records []T, headerWritten *bool) error {
	if !*headerWritten {
		// First write includes headers
		if err := gocsv.Marshal(records, f); err != nil {
			return err
		}
		*headerWritten = true
		return nil
	}
	// Subsequent writes skip headers
	return gocsv.MarshalWithoutHeaders(records, f)
}

// CheckpointDir returns the directory checkpoints are written to.
func (om *OutputManager) CheckpointDir() string {
	if om == nil {
		return ""
	}
	return filepath.Join(om.dir, "checkpoints")
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	for _, f := range []*os.File{om.perturbationFile, om.perfFile, om.bookmarkFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
