package noise

import (
	"gonum.org/v1/gonum/mat"
)

// ReferenceBackend is the sequential implementation of both phases. It keeps
// the device-kernel structure (whole-phase generation, then a halo buffer,
// then per-cell sums) and evaluates SOAR on the fly, serving as the oracle for
// the parallel backend.
type ReferenceBackend struct {
	geom Geometry
	soar SOAR
}

// NewReferenceBackend creates a sequential backend.
func NewReferenceBackend(g Geometry, s SOAR) *ReferenceBackend {
	return &ReferenceBackend{geom: g, soar: s}
}

// Name implements Backend.
func (b *ReferenceBackend) Name() string { return BackendReference.String() }

// Generate implements Backend.
func (b *ReferenceBackend) Generate(seeds []uint32, dist Distribution) (*RandomField, []uint32, error) {
	seedNX, seedNY := b.geom.SeedSize()
	randNX, randNY := b.geom.RandomSize()

	next := make([]uint32, len(seeds))
	data := mat.NewDense(randNY, randNX, nil)
	raw := data.RawMatrix()
	if err := generateRows(seedNX, randNX, seeds, next, raw.Data, raw.Stride, dist, 0, seedNY); err != nil {
		return nil, nil, err
	}
	return &RandomField{dist: dist, data: data}, next, nil
}

// Convolve implements Backend.
func (b *ReferenceBackend) Convolve(field *RandomField) *mat.Dense {
	g := b.geom
	c := g.Cutoff
	randNX, randNY := g.RandomSize()
	haloNX := g.NX + 2*(1+c)
	haloNY := g.NY + 2*(1+c)

	// Gather the halo-extended window.
	local := mat.NewDense(haloNY, haloNX, nil)
	for j := 0; j < haloNY; j++ {
		gj := sourceIndex(j, c, randNY, g.BoundaryY)
		for i := 0; i < haloNX; i++ {
			gi := sourceIndex(i, c, randNX, g.BoundaryX)
			local.Set(j, i, field.At(gj, gi))
		}
	}

	outNX, outNY := g.PerturbationSize()
	out := mat.NewDense(outNY, outNX, nil)
	for ay := 0; ay < outNY; ay++ {
		for ax := 0; ax < outNX; ax++ {
			la, lb := ax+c, ay+c
			var sum float64
			for by := lb - c; by <= lb+c; by++ {
				for bx := la - c; bx <= la+c; bx++ {
					sum += b.soar.Between(g, la-bx, lb-by) * local.At(by, bx)
				}
			}
			out.Set(ay, ax, sum)
		}
	}
	return out
}

// Close implements Backend.
func (b *ReferenceBackend) Close() {}
