package noise

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// seedRange is the exclusive upper bound of a stored seed, 2^31.
const seedRange = 1 << 31

// SeedGrid is a row-major copy of the seed field, used for checkpoint and replay.
type SeedGrid struct {
	NX     int      `json:"nx"`
	NY     int      `json:"ny"`
	Values []uint32 `json:"values"`
}

// NewSeedGrid allocates a zeroed seed grid.
func NewSeedGrid(nx, ny int) SeedGrid {
	return SeedGrid{NX: nx, NY: ny, Values: make([]uint32, nx*ny)}
}

// At returns the seed at column x, row y.
func (g SeedGrid) At(x, y int) uint32 { return g.Values[y*g.NX+x] }

// Fill sets every cell to v.
func (g SeedGrid) Fill(v uint32) {
	for i := range g.Values {
		g.Values[i] = v
	}
}

// Clone returns a deep copy.
func (g SeedGrid) Clone() SeedGrid {
	c := SeedGrid{NX: g.NX, NY: g.NY, Values: make([]uint32, len(g.Values))}
	copy(c.Values, g.Values)
	return c
}

// SeedStore owns the LCG seed grid. It is the only long-lived mutable state of
// a Service and is advanced by every generation call.
type SeedStore struct {
	grid SeedGrid
}

// NewSeedStore allocates a zeroed store of the given extent.
func NewSeedStore(nx, ny int) (*SeedStore, error) {
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("%w: seed grid %dx%d", ErrInvalidDimension, ny, nx)
	}
	if nx > maxGridCells/ny {
		return nil, fmt.Errorf("%w: seed grid %dx%d", ErrAllocation, ny, nx)
	}
	return &SeedStore{grid: NewSeedGrid(nx, ny)}, nil
}

// Initialize fills every cell with an independent draw scaled into [0, 2^31).
func (s *SeedStore) Initialize(entropy *rand.Rand) {
	for i := range s.grid.Values {
		v := uint64(entropy.Float64() * seedRange)
		if v >= seedRange {
			v = seedRange - 1
		}
		s.grid.Values[i] = uint32(v)
	}
}

// Size returns the grid extent (columns, rows).
func (s *SeedStore) Size() (nx, ny int) { return s.grid.NX, s.grid.NY }

// Get returns a copy of the full seed grid.
func (s *SeedStore) Get() SeedGrid { return s.grid.Clone() }

// Set overwrites the full seed grid. The store is left untouched on error.
func (s *SeedStore) Set(g SeedGrid) error {
	if g.NX != s.grid.NX || g.NY != s.grid.NY || len(g.Values) != len(s.grid.Values) {
		return fmt.Errorf("%w: seed grid %dx%d (%d values), want %dx%d",
			ErrShapeMismatch, g.NY, g.NX, len(g.Values), s.grid.NY, s.grid.NX)
	}
	for i, v := range g.Values {
		if v >= seedRange {
			return fmt.Errorf("%w: seed %d at index %d outside [0, 2^31)", ErrNumericDomain, v, i)
		}
	}
	copy(s.grid.Values, g.Values)
	return nil
}

// values exposes the live grid to backends, which must treat it as read-only.
func (s *SeedStore) values() []uint32 { return s.grid.Values }

// commit replaces the live grid with the seeds produced by a completed generation.
func (s *SeedStore) commit(next []uint32) { s.grid.Values = next }

// NewEntropySource returns a per-instance generator for seeding a SeedStore.
// seed==0 draws the generator key from the operating system.
func NewEntropySource(seed uint64) *rand.Rand {
	if seed != 0 {
		return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	var key [32]byte
	if _, err := crand.Read(key[:]); err != nil {
		binary.LittleEndian.PutUint64(key[:], rand.Uint64())
		binary.LittleEndian.PutUint64(key[8:], rand.Uint64())
	}
	return rand.New(rand.NewChaCha8(key))
}
