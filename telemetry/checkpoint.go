package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/pthm-cable/oceannoise/noise"
)

// CheckpointVersion is incremented when the format changes.
const CheckpointVersion = 2

// Checkpoint holds everything needed to resume an ensemble run and replay it
// bit-for-bit from the saved step: the seeds and states, plus the geometry and
// resolved SOAR parameters the increments depend on.
type Checkpoint struct {
	Version int `json:"version"`
	Step    int `json:"step"`

	BaseSeed  uint64  `json:"base_seed"`
	NX        int     `json:"nx"`
	NY        int     `json:"ny"`
	DX        float64 `json:"dx"`
	DY        float64 `json:"dy"`
	Cutoff    int     `json:"cutoff"`
	BoundaryX string  `json:"boundary_x"`
	BoundaryY string  `json:"boundary_y"`
	Q0        float64 `json:"q0"` // resolved, never 0
	L         float64 `json:"l"`

	Members []MemberCheckpoint `json:"members"`
}

// MemberCheckpoint holds one member's seed grid and elevation.
type MemberCheckpoint struct {
	Index int            `json:"index"`
	Seeds noise.SeedGrid `json:"seeds"`
	State []float64      `json:"state"` // row-major ny x nx
}

// SaveCheckpoint writes a zstd-compressed JSON checkpoint into dir.
// Returns the filepath where it was saved.
func SaveCheckpoint(cp *Checkpoint, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("checkpoint_%06d.json.zst", cp.Step))

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("create zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("close zstd encoder: %w", err)
	}

	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}

	return path, nil
}

// LoadCheckpoint reads a checkpoint from disk. Plain .json files are accepted
// alongside compressed .json.zst ones.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress checkpoint: %w", err)
		}
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %d, want %d", cp.Version, CheckpointVersion)
	}

	return &cp, nil
}

// LatestCheckpoint returns the highest-step checkpoint file in dir, or "" if
// there is none.
func LatestCheckpoint(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint_*.json.zst"))
	if err != nil {
		return "", fmt.Errorf("list checkpoints: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	// Zero-padded step numbers sort lexically.
	latest := matches[0]
	for _, m := range matches[1:] {
		if m > latest {
			latest = m
		}
	}
	return latest, nil
}
