package noise

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Backend is one implementation of the generate and convolve phases. The
// reference and parallel backends produce the same fields for the same seeds.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Generate advances a copy of seeds and returns the new field together with
	// the advanced seeds. seeds is never written.
	Generate(seeds []uint32, dist Distribution) (*RandomField, []uint32, error)

	// Convolve applies the SOAR kernel and returns a (ny+2) x (nx+2) grid.
	Convolve(field *RandomField) *mat.Dense

	// Close releases backend resources such as worker goroutines.
	Close()
}

// BackendKind selects a Backend implementation.
type BackendKind uint8

const (
	BackendReference BackendKind = iota
	BackendParallel
)

func (k BackendKind) String() string {
	if k == BackendParallel {
		return "parallel"
	}
	return "reference"
}

// ParseBackendKind converts a config string into a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parallel", "":
		return BackendParallel, nil
	case "reference", "sequential":
		return BackendReference, nil
	default:
		return BackendReference, fmt.Errorf("unknown backend %q", s)
	}
}

// Tiling carries the data-parallel scheduling hints. The reference backend ignores it.
type Tiling struct {
	Workers           int // 0 = GOMAXPROCS
	BlockWidth        int // output columns per convolution tile
	BlockHeight       int // output rows per convolution tile
	ParallelThreshold int // below this many cells a phase runs on the calling goroutine; <0 always dispatches
}

// DefaultTiling matches the 16x16 work-group shape of the device kernels.
func DefaultTiling() Tiling {
	return Tiling{BlockWidth: 16, BlockHeight: 16, ParallelThreshold: defaultParallelThreshold}
}

func (t Tiling) withDefaults() Tiling {
	d := DefaultTiling()
	if t.BlockWidth <= 0 {
		t.BlockWidth = d.BlockWidth
	}
	if t.BlockHeight <= 0 {
		t.BlockHeight = d.BlockHeight
	}
	switch {
	case t.ParallelThreshold == 0:
		t.ParallelThreshold = d.ParallelThreshold
	case t.ParallelThreshold < 0:
		t.ParallelThreshold = 0
	}
	return t
}

// NewBackend builds the backend selected by kind.
func NewBackend(kind BackendKind, g Geometry, s SOAR, t Tiling, kernels *KernelCache) Backend {
	if kind == BackendParallel {
		return NewParallelBackend(g, s, t, kernels)
	}
	return NewReferenceBackend(g, s)
}
