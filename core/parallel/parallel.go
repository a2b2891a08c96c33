package parallel

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// ResolveJobs maps an n_jobs setting to a worker count.
// Values <= 0 (conventionally -1) mean one worker per logical core.
func ResolveJobs(nJobs int) int {
	if nJobs > 0 {
		return nJobs
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// HostDescription returns the CPU brand name, used to tag runs
// with the machine that produced them.
func HostDescription() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	return brand
}

// ParallelizeN splits [0, items) into at most numWorkers contiguous ranges
// and runs fn on each range in its own goroutine.
func ParallelizeN(items, numWorkers int, fn func(start, end int)) {
	if items == 0 {
		return
	}

	if numWorkers <= 0 {
		numWorkers = 1
	}
	if numWorkers > items {
		numWorkers = items // No need for more workers than items
	}

	// Calculate the number of items each worker handles (ceiling division)
	chunkSize := (items + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > items {
			end = items
		}

		// Skip if there's no range to handle
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}

	// Wait for all workers to finish processing
	wg.Wait()
}

// ParallelizeWithThreshold runs fn(0, items) on the calling goroutine when
// items <= threshold and ParallelizeN otherwise.
func ParallelizeWithThreshold(items, threshold, numWorkers int, fn func(start, end int)) {
	if items <= threshold || numWorkers <= 1 {
		fn(0, items)
		return
	}
	ParallelizeN(items, numWorkers, fn)
}
