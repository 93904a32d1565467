package field

import (
	"runtime"
	"sync"
)

// ForEachSlab fans fn out over contiguous z-slabs [z0,z1) of an n^3 grid,
// one goroutine per worker. Callers must ensure slabs touch disjoint cells.
func ForEachSlab(n int, fn func(z0, z1 int)) {
	_ = ForEachSlabErr(n, func(z0, z1 int) error {
		fn(z0, z1)
		return nil
	})
}

// ForEachSlabErr is ForEachSlab for slab bodies that can fail; the first
// error wins, remaining slabs still run to completion (they would have run
// concurrently anyway, and partial results are discarded by the caller).
func ForEachSlabErr(n int, fn func(z0, z1 int) error) error {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return fn(0, n)
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for z0 := 0; z0 < n; z0 += chunk {
		z1 := z0 + chunk
		if z1 > n {
			z1 = n
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			if err := fn(z0, z1); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(z0, z1)
	}
	wg.Wait()
	return firstErr
}

// ForEachRange fans fn out over index ranges [lo,hi) of a flat buffer.
func ForEachRange(total int, fn func(lo, hi int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > total {
		workers = total
	}
	if workers <= 1 {
		fn(0, total)
		return
	}
	chunk := (total + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < total; lo += chunk {
		hi := lo + chunk
		if hi > total {
			hi = total
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
