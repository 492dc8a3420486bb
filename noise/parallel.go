package noise

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// defaultParallelThreshold is the minimum cell count to dispatch a phase to
// the worker pool. Below this, single-threaded is faster due to goroutine overhead.
const defaultParallelThreshold = 4096

// phase identifies which kernel a work chunk runs.
type phase uint8

const (
	phaseGenerate phase = iota
	phaseConvolve
)

// workChunk is a half-open range of seed rows (generation) or tiles (convolution).
type workChunk struct {
	phase      phase
	start, end int
}

// workerScratch holds per-worker reusable buffers.
type workerScratch struct {
	halo []float64
}

// generateJob is the shared input of a generation phase. Workers write
// disjoint rows of next and dst.
type generateJob struct {
	seeds  []uint32
	next   []uint32
	dst    []float64
	stride int
	dist   Distribution
}

// convolveJob is the shared input of a convolution phase. src is read-only;
// workers write disjoint tiles of out.
type convolveJob struct {
	src       []float64
	srcStride int
	out       []float64
	outStride int
}

// ParallelBackend runs each phase data-parallel over a persistent worker pool:
// generation is split by seed rows, convolution by output tiles with a
// tile-local halo buffer and precomputed SOAR weights. Each phase returns only
// after every chunk has reported back, which is the barrier between them.
//
// A ParallelBackend is not safe for concurrent use.
type ParallelBackend struct {
	geom   Geometry
	soar   SOAR
	tiling Tiling
	kernel *Kernel

	tilesX, tilesY int

	gen  generateJob
	conv convolveJob

	scratches  []workerScratch
	numWorkers int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan error     // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

// NewParallelBackend creates a data-parallel backend. Workers start lazily on
// the first phase large enough to need them. kernels may be nil.
func NewParallelBackend(g Geometry, s SOAR, t Tiling, kernels *KernelCache) *ParallelBackend {
	t = t.withDefaults()
	numWorkers := t.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	outNX, outNY := g.PerturbationSize()
	haloLen := (t.BlockWidth + 2*g.Cutoff) * (t.BlockHeight + 2*g.Cutoff)
	scratches := make([]workerScratch, numWorkers)
	for i := range scratches {
		scratches[i].halo = make([]float64, haloLen)
	}

	return &ParallelBackend{
		geom:       g,
		soar:       s,
		tiling:     t,
		kernel:     kernels.Get(g, s),
		tilesX:     (outNX + t.BlockWidth - 1) / t.BlockWidth,
		tilesY:     (outNY + t.BlockHeight - 1) / t.BlockHeight,
		scratches:  scratches,
		numWorkers: numWorkers,
	}
}

// Name implements Backend.
func (b *ParallelBackend) Name() string { return BackendParallel.String() }

// Workers reports the pool size.
func (b *ParallelBackend) Workers() int { return b.numWorkers }

// Generate implements Backend.
func (b *ParallelBackend) Generate(seeds []uint32, dist Distribution) (*RandomField, []uint32, error) {
	seedNX, seedNY := b.geom.SeedSize()
	randNX, randNY := b.geom.RandomSize()

	data := mat.NewDense(randNY, randNX, nil)
	raw := data.RawMatrix()
	next := make([]uint32, len(seeds))
	b.gen = generateJob{
		seeds:  seeds,
		next:   next,
		dst:    raw.Data,
		stride: raw.Stride,
		dist:   dist,
	}
	defer func() { b.gen = generateJob{} }()

	var err error
	if b.inline(seedNX * seedNY) {
		err = b.generateChunk(0, seedNY)
	} else {
		err = b.dispatch(phaseGenerate, seedNY)
	}
	if err != nil {
		return nil, nil, err
	}
	return &RandomField{dist: dist, data: data}, next, nil
}

// Convolve implements Backend.
func (b *ParallelBackend) Convolve(field *RandomField) *mat.Dense {
	outNX, outNY := b.geom.PerturbationSize()
	out := mat.NewDense(outNY, outNX, nil)
	raw := out.RawMatrix()
	src, srcStride := field.raw()
	b.conv = convolveJob{src: src, srcStride: srcStride, out: raw.Data, outStride: raw.Stride}
	defer func() { b.conv = convolveJob{} }()

	numTiles := b.tilesX * b.tilesY
	if b.inline(outNX * outNY) {
		b.convolveTiles(0, numTiles, &b.scratches[0])
	} else {
		_ = b.dispatch(phaseConvolve, numTiles)
	}
	return out
}

// Close stops the worker pool. It is safe to call more than once.
func (b *ParallelBackend) Close() { b.stopWorkers() }

func (b *ParallelBackend) inline(cells int) bool {
	return b.numWorkers == 1 || cells < b.tiling.ParallelThreshold
}

// startWorkers launches persistent worker goroutines.
func (b *ParallelBackend) startWorkers() {
	if b.running {
		return
	}

	b.workChan = make(chan workChunk, b.numWorkers)
	b.doneChan = make(chan error, b.numWorkers)
	b.stopChan = make(chan struct{})
	b.running = true

	for i := 0; i < b.numWorkers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
}

// stopWorkers signals all workers to exit and waits for them.
func (b *ParallelBackend) stopWorkers() {
	if !b.running {
		return
	}

	close(b.stopChan)
	b.wg.Wait()
	close(b.workChan)
	close(b.doneChan)
	b.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (b *ParallelBackend) worker(workerID int) {
	defer b.wg.Done()
	scratch := &b.scratches[workerID]

	for {
		select {
		case <-b.stopChan:
			return
		case chunk, ok := <-b.workChan:
			if !ok {
				return
			}
			var err error
			switch chunk.phase {
			case phaseGenerate:
				err = b.generateChunk(chunk.start, chunk.end)
			case phaseConvolve:
				b.convolveTiles(chunk.start, chunk.end, scratch)
			}
			b.doneChan <- err
		}
	}
}

// dispatch splits n units into one chunk per worker and blocks until every
// chunk has completed. It returns the first error reported.
func (b *ParallelBackend) dispatch(ph phase, n int) error {
	if !b.running {
		b.startWorkers()
	}

	chunkSize := (n + b.numWorkers - 1) / b.numWorkers

	chunksDispatched := 0
	for w := 0; w < b.numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}
		b.workChan <- workChunk{phase: ph, start: start, end: end}
		chunksDispatched++
	}

	var firstErr error
	for i := 0; i < chunksDispatched; i++ {
		if err := <-b.doneChan; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// generateChunk advances seed rows [y0, y1).
func (b *ParallelBackend) generateChunk(y0, y1 int) error {
	seedNX, _ := b.geom.SeedSize()
	randNX, _ := b.geom.RandomSize()
	j := &b.gen
	return generateRows(seedNX, randNX, j.seeds, j.next, j.dst, j.stride, j.dist, y0, y1)
}

// convolveTiles computes output tiles [t0, t1). Each tile first gathers its
// halo-extended window into scratch, then sums the weighted stencil per cell.
func (b *ParallelBackend) convolveTiles(t0, t1 int, scratch *workerScratch) {
	g := b.geom
	c := g.Cutoff
	k := b.kernel
	randNX, randNY := g.RandomSize()
	outNX, outNY := g.PerturbationSize()
	bw, bh := b.tiling.BlockWidth, b.tiling.BlockHeight
	j := &b.conv

	for t := t0; t < t1; t++ {
		x0 := (t % b.tilesX) * bw
		y0 := (t / b.tilesX) * bh
		x1 := min(x0+bw, outNX)
		y1 := min(y0+bh, outNY)
		hw := x1 - x0 + 2*c
		hh := y1 - y0 + 2*c
		halo := scratch.halo[:hw*hh]

		for ty := 0; ty < hh; ty++ {
			gy := sourceIndex(y0+ty, c, randNY, g.BoundaryY)
			row := j.src[gy*j.srcStride:]
			for tx := 0; tx < hw; tx++ {
				halo[ty*hw+tx] = row[sourceIndex(x0+tx, c, randNX, g.BoundaryX)]
			}
		}

		for ay := y0; ay < y1; ay++ {
			for ax := x0; ax < x1; ax++ {
				var sum float64
				for oy := -c; oy <= c; oy++ {
					base := (ay-y0+c+oy)*hw + (ax - x0 + c)
					for ox := -c; ox <= c; ox++ {
						sum += k.Weight(ox, oy) * halo[base+ox]
					}
				}
				j.out[ay*j.outStride+ax] = sum
			}
		}
	}
}
