package tensor

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// kernelWorkers bounds the goroutines a single kernel call may fan out to.
var kernelWorkers atomic.Int32

func init() {
	kernelWorkers.Store(1)
}

// SetWorkers sets the kernel fan-out. Anything below 2 runs kernels on the
// calling goroutine.
func SetWorkers(n int) {
	kernelWorkers.Store(int32(min(max(n, 1), 1<<30)))
}

// Workers returns the kernel fan-out set by SetWorkers.
func Workers() int {
	return max(int(kernelWorkers.Load()), 1)
}

// ParallelFor calls fn over disjoint ranges covering [0, n). Each range holds
// at least minChunk indices, so small loops stay on the calling goroutine.
func ParallelFor(n, minChunk int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	parts := Workers()
	if minChunk > 0 {
		parts = min(parts, max(n/minChunk, 1))
	}

	parts = min(parts, n)
	if parts == 1 {
		fn(0, n)
		return
	}

	step := (n + parts - 1) / parts

	var g errgroup.Group
	for lo := 0; lo < n; lo += step {
		g.Go(func() error {
			fn(lo, min(lo+step, n))
			return nil
		})
	}

	_ = g.Wait()
}
