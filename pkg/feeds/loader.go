// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package feeds

import (
	"image"
	"runtime"
	"sync"
)

// loaderPool bounds the number of images being decoded in parallel.
//
// Parallelism 0 decodes images inline, negative values don't limit it.
type loaderPool struct {
	parallelism int
	mu          sync.Mutex
	cond        sync.Cond // Signaled whenever numRunning decreases.
	numRunning  int
}

func newLoaderPool(parallelism int) *loaderPool {
	p := &loaderPool{parallelism: parallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// DefaultLoaderParallelism is the number of images decoded in parallel by a new Feed.
var DefaultLoaderParallelism = runtime.NumCPU()

// waitToStart runs task in a goroutine as soon as there is a free slot, or inline if parallelism is disabled.
func (p *loaderPool) waitToStart(task func()) {
	switch {
	case p.parallelism == 0:
		task()
		return
	case p.parallelism < 0:
		go task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.parallelism {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// loadBatch decodes and resizes the images of samples, in parallel. It returns the first error found.
func (p *loaderPool) loadBatch(samples []Sample, width, height int) ([]image.Image, error) {
	images := make([]image.Image, len(samples))
	errs := make([]error, len(samples))
	var wg sync.WaitGroup
	for ii, sample := range samples {
		wg.Add(1)
		p.waitToStart(func() {
			defer wg.Done()
			images[ii], errs[ii] = LoadImage(sample.Path, width, height)
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return images, nil
}
