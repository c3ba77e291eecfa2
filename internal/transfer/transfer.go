// Package transfer implements the batch transfer loop shared by the
// migration jobs: enumerate candidate ids, skip items already present at
// the destination, fetch from a source, upload to a sink, and aggregate
// outcomes. The sequential runner carries the consecutive-miss stopping
// rule used when scanning a sparse id space.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Outcome is the terminal state of a single candidate item.
type Outcome string

const (
	OutcomeUploaded     Outcome = "uploaded"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeMissing      Outcome = "missing"
	OutcomeUploadFailed Outcome = "upload_failed"
)

// MaxRecordedErrors bounds the error list carried in a run summary.
const MaxRecordedErrors = 10

// MissError reports authoritative or retries-exhausted absence at the
// source. Status holds the last HTTP status observed (404 for an
// authoritative miss, 504 when the attempt budget ran out).
type MissError struct {
	Status int
}

func (e *MissError) Error() string {
	return fmt.Sprintf("source miss (HTTP %d)", e.Status)
}

// Item is fetched source content. Exactly one of Path or Data is set:
// gateway fetches stage to a temp file, tabular rows synthesize in memory.
type Item struct {
	Path string
	Data []byte
}

// Source produces content for a candidate id. A *MissError return means
// the id is absent (counts toward the miss streak); any other error is
// treated the same way since the source has already exhausted its own
// retry budget.
type Source interface {
	Fetch(ctx context.Context, id int) (Item, error)
}

// Sink is the upload destination. Exists is best-effort: false on any
// doubt, so a failed check only costs a redundant re-upload.
type Sink interface {
	Exists(ctx context.Context, id int) bool
	Put(ctx context.Context, id int, it Item) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, id int) (Item, error)

func (f SourceFunc) Fetch(ctx context.Context, id int) (Item, error) { return f(ctx, id) }

// Result records the terminal state of one item.
type Result struct {
	ID      int
	Outcome Outcome
	Status  int
	Err     string
}

// Summary aggregates a whole run.
type Summary struct {
	Found        int
	Uploaded     int
	Skipped      int
	Missing      int
	UploadFailed int
	StoppedAt    int  // id at which the miss streak tripped; 0 if it never did
	Interrupted  bool // the context was canceled before the range was exhausted
	Errors       []string
	Results      []Result
}

func (s *Summary) record(r Result) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeUploaded:
		s.Uploaded++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeMissing:
		s.Missing++
	case OutcomeUploadFailed:
		s.UploadFailed++
	}
	if r.Err != "" && len(s.Errors) < MaxRecordedErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("%d: %s", r.ID, r.Err))
	}
}

// Runner drives the sequential variant. It must stay single-threaded:
// the stopping rule only makes sense when misses are observed in strict
// ascending id order.
type Runner struct {
	Source Source
	Sink   Sink

	Start      int
	End        int
	MaxMissing int // 0 disables the stopping rule

	// Existing is the optional pre-scanned set of ids already present at
	// the destination. When CheckEach is set the sink is asked per item
	// instead.
	Existing  map[int]struct{}
	CheckEach bool

	// DeleteLocal removes an item's staged file after a successful upload.
	// Files for failed uploads are always preserved for inspection.
	DeleteLocal bool

	// OnResult, when set, observes every terminal item state (metrics,
	// ledger batching). Called from the loop goroutine only.
	OnResult func(Result)

	Log *zap.SugaredLogger
}

// Run walks [Start, End] in ascending order. It returns promptly once ctx
// is canceled; every item reaches a terminal state before the next is
// considered.
func (r *Runner) Run(ctx context.Context) Summary {
	log := r.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var sum Summary
	record := func(res Result) {
		sum.record(res)
		if r.OnResult != nil {
			r.OnResult(res)
		}
	}
	streak := 0

	for n := r.Start; n <= r.End; n++ {
		if ctx.Err() != nil {
			sum.Interrupted = true
			log.Warnw("interrupted", "at", n)
			break
		}

		if _, ok := r.Existing[n]; ok || (r.CheckEach && r.Sink.Exists(ctx, n)) {
			record(Result{ID: n, Outcome: OutcomeSkipped})
			if n%100 == 0 {
				log.Infow("skipped, already on CDN", "id", n)
			}
			continue
		}

		it, err := r.Source.Fetch(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				sum.Interrupted = true
				log.Warnw("interrupted", "at", n)
				break
			}
			status := 0
			var me *MissError
			if errors.As(err, &me) {
				status = me.Status
			}
			streak++
			record(Result{ID: n, Outcome: OutcomeMissing, Status: status, Err: err.Error()})
			if n%25 == 0 {
				log.Infow("missing", "id", n, "status", status, "streak", streak)
			}
			if r.MaxMissing > 0 && streak >= r.MaxMissing {
				log.Warnw("stopping: consecutive-miss threshold reached", "id", n, "streak", streak)
				sum.StoppedAt = n
				break
			}
			continue
		}

		streak = 0
		sum.Found++

		if err := r.Sink.Put(ctx, n, it); err != nil {
			record(Result{ID: n, Outcome: OutcomeUploadFailed, Err: truncate(err.Error(), 300)})
			log.Errorw("upload failed", "id", n, "err", err)
			continue // local copy kept for inspection
		}
		record(Result{ID: n, Outcome: OutcomeUploaded})
		log.Infow("uploaded", "id", n)
		if r.DeleteLocal && it.Path != "" {
			_ = os.Remove(it.Path)
		}
	}
	return sum
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
