package noise

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SOAR holds the second-order autoregressive covariance parameters.
type SOAR struct {
	Q0 float64 // amplitude
	L  float64 // correlation lengthscale, same unit as dx
}

// DefaultSOAR returns q0 = dx/1e5 and L = 0.75*dx.
func DefaultSOAR(dx float64) SOAR {
	return SOAR{Q0: dx / 100000, L: 0.75 * dx}
}

// WithDefaults fills zero parameters from DefaultSOAR.
func (s SOAR) WithDefaults(dx float64) SOAR {
	d := DefaultSOAR(dx)
	if s.Q0 == 0 {
		s.Q0 = d.Q0
	}
	if s.L == 0 {
		s.L = d.L
	}
	return s
}

// Validate reports ErrInvalidDimension for a non-positive lengthscale or a
// non-positive or non-finite amplitude.
func (s SOAR) Validate() error {
	if !(s.L > 0) || math.IsInf(s.L, 0) {
		return fmt.Errorf("%w: soar L=%g", ErrInvalidDimension, s.L)
	}
	if !(s.Q0 > 0) || math.IsInf(s.Q0, 0) {
		return fmt.Errorf("%w: soar q0=%g", ErrInvalidDimension, s.Q0)
	}
	return nil
}

// At evaluates q0 (1 + d/L) exp(-d/L).
func (s SOAR) At(dist float64) float64 {
	r := dist / s.L
	return s.Q0 * (1.0 + r) * math.Exp(-r)
}

// Between evaluates the covariance between two cells offset by (ox, oy) cells.
func (s SOAR) Between(g Geometry, ox, oy int) float64 {
	fx, fy := float64(ox), float64(oy)
	dist := math.Sqrt(g.DX*g.DX*fx*fx + g.DY*g.DY*fy*fy)
	return s.At(dist)
}

// Kernel is a precomputed (2c+1)x(2c+1) table of SOAR weights indexed by cell
// offset. It is immutable once built and may be shared between services.
type Kernel struct {
	Cutoff  int
	Width   int
	Weights []float64
}

// NewKernel tabulates the SOAR weights for g.Cutoff.
func NewKernel(g Geometry, s SOAR) *Kernel {
	c := g.Cutoff
	w := 2*c + 1
	k := &Kernel{Cutoff: c, Width: w, Weights: make([]float64, w*w)}
	for oy := -c; oy <= c; oy++ {
		for ox := -c; ox <= c; ox++ {
			k.Weights[(oy+c)*w+(ox+c)] = s.Between(g, ox, oy)
		}
	}
	return k
}

// Weight returns the weight for offset (ox, oy), each in [-cutoff, cutoff].
func (k *Kernel) Weight(ox, oy int) float64 {
	return k.Weights[(oy+k.Cutoff)*k.Width+(ox+k.Cutoff)]
}

// KernelKey identifies a kernel by everything that shapes its weights.
type KernelKey struct {
	DX, DY float64
	Q0, L  float64
	Cutoff int
}

// KernelCache shares kernels between services with identical geometry, such
// as the members of one ensemble. It is safe for concurrent use.
type KernelCache struct {
	cache *lru.Cache[KernelKey, *Kernel]
}

// NewKernelCache creates a cache holding up to size kernels.
func NewKernelCache(size int) (*KernelCache, error) {
	c, err := lru.New[KernelKey, *Kernel](size)
	if err != nil {
		return nil, fmt.Errorf("creating kernel cache: %w", err)
	}
	return &KernelCache{cache: c}, nil
}

// Get returns the cached kernel for (g, s), building it on a miss.
// A nil cache always builds a fresh kernel.
func (c *KernelCache) Get(g Geometry, s SOAR) *Kernel {
	if c == nil {
		return NewKernel(g, s)
	}
	key := KernelKey{DX: g.DX, DY: g.DY, Q0: s.Q0, L: s.L, Cutoff: g.Cutoff}
	if k, ok := c.cache.Get(key); ok {
		return k
	}
	k := NewKernel(g, s)
	c.cache.Add(key, k)
	return k
}

// Len reports the number of cached kernels.
func (c *KernelCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
