// Package noise generates spatially correlated model-error perturbations for
// the sea-surface elevation of an ocean state.
//
// A perturbation is produced in two phases. Generation advances a per-cell LCG
// seed grid and fills a random field with uniform or standard-normal variates.
// Convolution applies a SOAR covariance kernel to that field and yields a
// perturbation grid with one ghost ring around the domain. The second phase
// never starts before every cell of the first has been written.
package noise

import (
	"fmt"
	"math"
	"strings"
)

// DefaultCutoff is the SOAR support radius in cells used when none is configured.
const DefaultCutoff = 2

// maxGridCells bounds any single grid allocation.
const maxGridCells = 1 << 30

// MaxCutoff is the largest support radius whose (2c+1)^2 weight table fits
// within maxGridCells.
const MaxCutoff = 16383

// Boundary selects how one axis treats indices past the domain edge.
type Boundary uint8

const (
	// NonPeriodic axes carry a halo of 1+cutoff random cells on each side.
	NonPeriodic Boundary = iota
	// Periodic axes wrap around; the random field has exactly the domain extent.
	Periodic
)

func (b Boundary) String() string {
	switch b {
	case Periodic:
		return "periodic"
	case NonPeriodic:
		return "non_periodic"
	default:
		return fmt.Sprintf("boundary(%d)", uint8(b))
	}
}

// ParseBoundary converts a config string into a Boundary.
func ParseBoundary(s string) (Boundary, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "periodic":
		return Periodic, nil
	case "non_periodic", "nonperiodic", "":
		return NonPeriodic, nil
	default:
		return NonPeriodic, fmt.Errorf("unknown boundary mode %q", s)
	}
}

// Staggering records whether the owning solver uses a staggered grid. It is
// supplied by the caller, who already knows which solver it is running.
type Staggering uint8

const (
	Unstaggered Staggering = iota
	Staggered
)

func (s Staggering) String() string {
	if s == Staggered {
		return "staggered"
	}
	return "unstaggered"
}

// ParseStaggering converts a config string into a Staggering.
func ParseStaggering(s string) (Staggering, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "staggered":
		return Staggered, nil
	case "unstaggered", "":
		return Unstaggered, nil
	default:
		return Unstaggered, fmt.Errorf("unknown staggering %q", s)
	}
}

// Geometry describes the interior domain and the SOAR support radius.
// BoundaryX is the east-west axis, BoundaryY the north-south axis.
type Geometry struct {
	NX, NY    int
	DX, DY    float64
	Cutoff    int
	BoundaryX Boundary
	BoundaryY Boundary
}

// Validate reports ErrInvalidDimension for unusable geometry.
func (g Geometry) Validate() error {
	if g.NX <= 0 || g.NY <= 0 || g.NX > maxGridCells || g.NY > maxGridCells {
		return fmt.Errorf("%w: nx=%d ny=%d", ErrInvalidDimension, g.NX, g.NY)
	}
	if !(g.DX > 0) || !(g.DY > 0) || math.IsInf(g.DX, 0) || math.IsInf(g.DY, 0) {
		return fmt.Errorf("%w: dx=%g dy=%g", ErrInvalidDimension, g.DX, g.DY)
	}
	if g.Cutoff < 0 || g.Cutoff > MaxCutoff {
		return fmt.Errorf("%w: cutoff=%d outside [0, %d]", ErrInvalidDimension, g.Cutoff, MaxCutoff)
	}
	return nil
}

// halo returns the number of extra random cells on each side of a non-periodic axis.
func (g Geometry) halo() int { return 1 + g.Cutoff }

// RandomSize returns the random-field extent (columns, rows).
func (g Geometry) RandomSize() (nx, ny int) {
	nx, ny = g.NX, g.NY
	if g.BoundaryX == NonPeriodic {
		nx += 2 * g.halo()
	}
	if g.BoundaryY == NonPeriodic {
		ny += 2 * g.halo()
	}
	return nx, ny
}

// SeedSize returns the seed-grid extent (columns, rows). Each seed cell feeds
// two random-field columns, so the width is ceil(randNX/2).
func (g Geometry) SeedSize() (nx, ny int) {
	rnx, rny := g.RandomSize()
	return (rnx + 1) / 2, rny
}

// PerturbationSize returns the convolution output extent (columns, rows):
// the domain plus one ghost ring.
func (g Geometry) PerturbationSize() (nx, ny int) {
	return g.NX + 2, g.NY + 2
}

// checkAllocation reports ErrAllocation when any owned grid would exceed maxGridCells.
func (g Geometry) checkAllocation() error {
	rnx, rny := g.RandomSize()
	if rnx > maxGridCells/rny {
		return fmt.Errorf("%w: random field %dx%d", ErrAllocation, rny, rnx)
	}
	pnx, pny := g.PerturbationSize()
	if pnx > maxGridCells/pny {
		return fmt.Errorf("%w: perturbation field %dx%d", ErrAllocation, pny, pnx)
	}
	return nil
}

// sourceIndex maps a coordinate of the halo-extended local window onto the
// random field along one axis. Periodic axes wrap; non-periodic axes already
// carry the 1+cutoff halo, so the local coordinate is the random index.
func sourceIndex(local, cutoff, randN int, b Boundary) int {
	if b == Periodic {
		return modInt(local-cutoff-1, randN)
	}
	return local
}

func modInt(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
