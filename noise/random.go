package noise

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LCG constants. Variates are seed/2^31, so they lie in [0, 1).
const (
	lcgA     = 1103515245
	lcgC     = 12345
	lcgM     = 0x7fffffff
	lcgScale = 2147483648.0
)

// Distribution selects the variates a generation call produces.
type Distribution uint8

const (
	Uniform Distribution = iota
	Normal
)

func (d Distribution) String() string {
	if d == Normal {
		return "normal"
	}
	return "uniform"
}

// lcg advances a seed once and returns the variate and the new seed.
func lcg(seed uint32) (float64, uint32) {
	next := (uint64(seed)*lcgA + lcgC) % lcgM
	return float64(next) / lcgScale, uint32(next)
}

// boxMuller turns two uniform variates into two standard-normal variates.
func boxMuller(u1, u2 float64) (n1, n2 float64, err error) {
	if !(u1 > 0) {
		return 0, 0, fmt.Errorf("%w: log(%g)", ErrNumericDomain, u1)
	}
	r := math.Sqrt(-2 * math.Log(u1))
	theta := 2 * math.Pi * u2
	return r * math.Cos(theta), r * math.Sin(theta), nil
}

// draw advances one seed cell twice and returns its pair of variates.
func draw(seed uint32, dist Distribution) (v1, v2 float64, next uint32, err error) {
	u1, s := lcg(seed)
	u2, s := lcg(s)
	if dist == Uniform {
		return u1, u2, s, nil
	}
	n1, n2, err := boxMuller(u1, u2)
	if err != nil {
		return 0, 0, seed, err
	}
	return n1, n2, s, nil
}

// generateRows advances seed rows [y0, y1) from src into next and writes the
// variates into dst. Seed cell x feeds columns 2x and 2x+1; when the random
// field is odd-width the last seed cell writes only its first variate.
func generateRows(seedNX, randNX int, src, next []uint32, dst []float64, stride int, dist Distribution, y0, y1 int) error {
	for y := y0; y < y1; y++ {
		row := dst[y*stride : y*stride+randNX]
		for x := 0; x < seedNX; x++ {
			i := y*seedNX + x
			v1, v2, s, err := draw(src[i], dist)
			if err != nil {
				return fmt.Errorf("seed cell (%d,%d): %w", x, y, err)
			}
			next[i] = s
			row[2*x] = v1
			if 2*x+1 < randNX {
				row[2*x+1] = v2
			}
		}
	}
	return nil
}

// RandomField is the read-only output of one generation call. A new value is
// published per call, so convolution never observes a field being written.
type RandomField struct {
	dist Distribution
	data *mat.Dense
}

// NewRandomField wraps caller-supplied variates for the given geometry. The
// matrix must be randNY x randNX and is copied.
func NewRandomField(g Geometry, dist Distribution, data mat.Matrix) (*RandomField, error) {
	rnx, rny := g.RandomSize()
	r, c := data.Dims()
	if r != rny || c != rnx {
		return nil, fmt.Errorf("%w: random field %dx%d, want %dx%d", ErrShapeMismatch, r, c, rny, rnx)
	}
	return &RandomField{dist: dist, data: mat.DenseCopyOf(data)}, nil
}

// zeroRandomField is the field a service holds before its first generation.
func zeroRandomField(g Geometry) *RandomField {
	rnx, rny := g.RandomSize()
	return &RandomField{dist: Uniform, data: mat.NewDense(rny, rnx, nil)}
}

// Distribution reports which generator produced the field.
func (f *RandomField) Distribution() Distribution { return f.dist }

// Dims returns (rows, columns).
func (f *RandomField) Dims() (int, int) { return f.data.Dims() }

// At returns the variate at row i, column j.
func (f *RandomField) At(i, j int) float64 { return f.data.At(i, j) }

// Matrix returns a copy of the variates.
func (f *RandomField) Matrix() *mat.Dense { return mat.DenseCopyOf(f.data) }

// raw exposes the backing storage for read-only convolution kernels.
func (f *RandomField) raw() (data []float64, stride int) {
	m := f.data.RawMatrix()
	return m.Data, m.Stride
}
