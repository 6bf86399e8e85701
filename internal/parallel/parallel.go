// Copyright 2025 The Diffuse Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package parallel splits the data-parallel loops of the CPU backend
// across worker goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how loops are divided among workers.
type Config struct {
	// Workers is the number of goroutines a loop may be spread across.
	// A value below 2 disables parallelism.
	Workers int
	// Grain is the smallest number of iterations worth a goroutine.
	// Loops shorter than Grain run inline on the calling goroutine.
	Grain int
}

// DefaultConfig sizes the worker pool to the machine.
func DefaultConfig() Config {
	return Config{
		Workers: runtime.NumCPU(),
		Grain:   4,
	}
}

// For runs f(i) for every i in [0, n), splitting the range into contiguous
// chunks. Short loops run inline.
func For(n int, cfg Config, f func(i int)) {
	if cfg.Workers < 2 || n < cfg.Grain {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := max((n+cfg.Workers-1)/cfg.Workers, cfg.Grain)

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// For2D runs f(i, j) over the [0, ni) x [0, nj) grid, outer-major. The
// flattened grid is divided like For, so uneven inner extents still balance.
func For2D(ni, nj int, cfg Config, f func(i, j int)) {
	For(ni*nj, cfg, func(k int) {
		f(k/nj, k%nj)
	})
}
