package tensor

import (
	"sync/atomic"
	"testing"
)

func TestParallelForCoversRange(t *testing.T) {
	prev := Workers()
	t.Cleanup(func() { SetWorkers(prev) })

	for _, w := range []int{0, 1, 3, 8} {
		SetWorkers(w)

		for _, n := range []int{0, 1, 7, 64, 1000} {
			hits := make([]atomic.Int32, n)

			ParallelFor(n, 4, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					hits[i].Add(1)
				}
			})

			for i := range hits {
				if got := hits[i].Load(); got != 1 {
					t.Fatalf("workers=%d n=%d: index %d visited %d times", w, n, i, got)
				}
			}
		}
	}
}

func TestParallelForSmallLoopInline(t *testing.T) {
	prev := Workers()
	t.Cleanup(func() { SetWorkers(prev) })
	SetWorkers(8)

	calls := 0
	ParallelFor(10, 64, func(lo, hi int) {
		calls++
		if lo != 0 || hi != 10 {
			t.Fatalf("range = [%d,%d), want [0,10)", lo, hi)
		}
	})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSetWorkersClamps(t *testing.T) {
	prev := Workers()
	t.Cleanup(func() { SetWorkers(prev) })

	SetWorkers(-5)
	if Workers() != 1 {
		t.Fatalf("Workers() = %d, want 1", Workers())
	}

	SetWorkers(6)
	if Workers() != 6 {
		t.Fatalf("Workers() = %d, want 6", Workers())
	}
}
