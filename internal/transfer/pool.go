package transfer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PoolSummary aggregates a worker-pool run. Ordering of completion is
// unconstrained; the single collector below is the only writer.
type PoolSummary struct {
	Succeeded int
	Failed    int
	Errors    []string
}

// RunPool processes n jobs with a fixed number of workers. do returns an
// identifier for reporting plus the job error, if any. Results are
// collected as they complete; a canceled ctx drains the remaining jobs
// without starting them.
func RunPool(ctx context.Context, workers, n int, log *zap.SugaredLogger, do func(ctx context.Context, i int) (string, error)) PoolSummary {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if workers < 1 {
		workers = 1
	}

	type outcome struct {
		ident string
		err   error
	}

	jobs := make(chan int)
	results := make(chan outcome, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					results <- outcome{ident: fmt.Sprintf("row %d", i), err: ctx.Err()}
					continue
				}
				ident, err := do(ctx, i)
				results <- outcome{ident: ident, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() { wg.Wait(); close(results) }()

	var sum PoolSummary
	done := 0
	for res := range results {
		done++
		if res.err != nil {
			sum.Failed++
			if len(sum.Errors) < MaxRecordedErrors {
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", res.ident, res.err))
			}
		} else {
			sum.Succeeded++
		}
		if done%100 == 0 {
			log.Infow("progress", "done", done, "total", n)
		}
	}
	return sum
}
