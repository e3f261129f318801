// Package scheduler runs independent jobs on a bounded set of goroutines and
// funnels their results into a single reducer.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

type Options struct {
	// Workers is the number of executing goroutines; <= 0 selects
	// DefaultWorkers().
	Workers int
	// ChunkSize is the number of jobs handed to a worker at once; <= 0
	// selects roughly len(jobs)/(4*Workers).
	ChunkSize int
}

// DefaultWorkers leaves one CPU for the caller.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

func (o Options) workers(jobs int) int {
	w := o.Workers
	if w <= 0 {
		w = DefaultWorkers()
	}
	return max(min(w, jobs), 1)
}

func (o Options) chunkSize(jobs, workers int) int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return max(jobs/(4*workers), 1)
}

// Run calls exec once per job on up to Options.Workers goroutines and calls
// reduce exactly once per executed job, from a single goroutine, in arrival
// order. reduce runs concurrently with dispatch so it must not block on exec.
// When ctx is cancelled, jobs not yet started are skipped and ctx.Err() is
// returned once every started job has been reduced.
func Run[J, R any](ctx context.Context, jobs []J, opts Options, exec func(context.Context, J) R, reduce func(R)) error {
	if exec == nil || reduce == nil {
		return fmt.Errorf("scheduler: exec and reduce are required")
	}
	if len(jobs) == 0 {
		return ctx.Err()
	}

	workerCount := opts.workers(len(jobs))
	size := opts.chunkSize(len(jobs), workerCount)

	chunks := make(chan []J)
	results := make(chan R, workerCount*size)

	reduced := make(chan struct{})
	go func() {
		defer close(reduced)
		for res := range results {
			reduce(res)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for chunk := range chunks {
				for _, j := range chunk {
					if ctx.Err() != nil {
						break
					}
					results <- exec(ctx, j)
				}
			}
		}()
	}

dispatch:
	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))
		select {
		case chunks <- jobs[start:end]:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(chunks)

	wg.Wait()
	close(results)
	<-reduced

	return ctx.Err()
}
