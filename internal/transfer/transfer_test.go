package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records puts and can fail selected ids.
type fakeSink struct {
	mu      sync.Mutex
	present map[int]struct{}
	failOn  map[int]struct{}
	puts    []int
	checks  int
}

func (s *fakeSink) Exists(_ context.Context, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	_, ok := s.present[id]
	return ok
}

func (s *fakeSink) Put(_ context.Context, id int, _ Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failOn[id]; ok {
		return fmt.Errorf("bunny upload failed (HTTP 500): internal error")
	}
	s.puts = append(s.puts, id)
	return nil
}

func presentUpTo(k int) SourceFunc {
	return func(_ context.Context, id int) (Item, error) {
		if id <= k {
			return Item{Data: []byte("x")}, nil
		}
		return Item{}, &MissError{Status: 404}
	}
}

func TestRunnerStaysInsideRange(t *testing.T) {
	var fetched []int
	src := SourceFunc(func(_ context.Context, id int) (Item, error) {
		fetched = append(fetched, id)
		return Item{Data: []byte("x")}, nil
	})
	sink := &fakeSink{}
	r := Runner{Source: src, Sink: sink, Start: 3, End: 7}
	sum := r.Run(context.Background())

	assert.Equal(t, []int{3, 4, 5, 6, 7}, fetched)
	assert.Equal(t, 5, sum.Uploaded)
	for _, id := range fetched {
		assert.GreaterOrEqual(t, id, 3)
		assert.LessOrEqual(t, id, 7)
	}
}

func TestConsecutiveMissStop(t *testing.T) {
	// ids >= 21 always miss; with threshold 10 the run must halt at
	// 21 + 10 - 1 = 30 without scanning to 1000.
	var last int
	src := SourceFunc(func(ctx context.Context, id int) (Item, error) {
		last = id
		return presentUpTo(20)(ctx, id)
	})
	sink := &fakeSink{}
	r := Runner{Source: src, Sink: sink, Start: 1, End: 1000, MaxMissing: 10}
	sum := r.Run(context.Background())

	assert.Equal(t, 30, sum.StoppedAt)
	assert.Equal(t, 30, last)
	assert.Equal(t, 20, sum.Found)
	assert.Equal(t, 10, sum.Missing)
}

func TestMissStreakResetsOnHit(t *testing.T) {
	// Misses on even ids never accumulate a streak of 2 because every
	// odd id hits.
	src := SourceFunc(func(_ context.Context, id int) (Item, error) {
		if id%2 == 0 {
			return Item{}, &MissError{Status: 404}
		}
		return Item{Data: []byte("x")}, nil
	})
	sink := &fakeSink{}
	r := Runner{Source: src, Sink: sink, Start: 1, End: 50, MaxMissing: 2}
	sum := r.Run(context.Background())

	assert.Equal(t, 0, sum.StoppedAt)
	assert.Equal(t, 25, sum.Found)
	assert.Equal(t, 25, sum.Missing)
}

func TestSparseTailScenario(t *testing.T) {
	// 1..500 present, 501..10000 absent, threshold 75 => halt at 575
	// with found=500.
	sink := &fakeSink{}
	r := Runner{Source: presentUpTo(500), Sink: sink, Start: 1, End: 10000, MaxMissing: 75}
	sum := r.Run(context.Background())

	assert.Equal(t, 575, sum.StoppedAt)
	assert.Equal(t, 500, sum.Found)
	assert.Equal(t, 500, sum.Uploaded)
	assert.Equal(t, 75, sum.Missing)
}

func TestUploadFailureDoesNotHaltRun(t *testing.T) {
	sink := &fakeSink{failOn: map[int]struct{}{5: {}}}
	r := Runner{Source: presentUpTo(10), Sink: sink, Start: 5, End: 10}
	sum := r.Run(context.Background())

	assert.Equal(t, 1, sum.UploadFailed)
	assert.Equal(t, 5, sum.Uploaded)
	assert.Equal(t, []int{6, 7, 8, 9, 10}, sink.puts)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "HTTP 500")
}

func TestSkipExistingIsIdempotent(t *testing.T) {
	// First run uploads everything; a second run with the existence
	// check enabled re-uploads nothing.
	sink := &fakeSink{present: map[int]struct{}{}}
	r := Runner{Source: presentUpTo(10), Sink: sink, Start: 1, End: 10}
	first := r.Run(context.Background())
	require.Equal(t, 10, first.Uploaded)

	for _, id := range sink.puts {
		sink.present[id] = struct{}{}
	}
	sink.puts = nil

	r.CheckEach = true
	second := r.Run(context.Background())
	assert.Equal(t, 0, second.Uploaded)
	assert.Equal(t, 10, second.Skipped)
	assert.Empty(t, sink.puts)
}

func TestPreScannedExistingSetSkipsWithoutSinkCalls(t *testing.T) {
	sink := &fakeSink{}
	r := Runner{
		Source:   presentUpTo(10),
		Sink:     sink,
		Start:    1,
		End:      10,
		Existing: map[int]struct{}{2: {}, 4: {}},
	}
	sum := r.Run(context.Background())

	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 8, sum.Uploaded)
	assert.Zero(t, sink.checks)
}

func TestRunStopsPromptlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := SourceFunc(func(_ context.Context, id int) (Item, error) {
		if id == 3 {
			cancel()
		}
		return Item{Data: []byte("x")}, nil
	})
	sink := &fakeSink{}
	r := Runner{Source: src, Sink: sink, Start: 1, End: 100}
	sum := r.Run(ctx)

	assert.True(t, sum.Interrupted)
	assert.LessOrEqual(t, sum.Uploaded, 3)
}

func TestDeleteLocalRemovesStagedFileOnSuccessOnly(t *testing.T) {
	dir := t.TempDir()
	stage := func(id int) string {
		p := filepath.Join(dir, fmt.Sprintf("%d.json", id))
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0644))
		return p
	}
	src := SourceFunc(func(_ context.Context, id int) (Item, error) {
		return Item{Path: stage(id)}, nil
	})
	sink := &fakeSink{failOn: map[int]struct{}{2: {}}}
	r := Runner{Source: src, Sink: sink, Start: 1, End: 3, DeleteLocal: true}
	sum := r.Run(context.Background())

	assert.Equal(t, 2, sum.Uploaded)
	assert.Equal(t, 1, sum.UploadFailed)
	_, err := os.Stat(filepath.Join(dir, "1.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(filepath.Join(dir, "2.json"))
	assert.NoError(t, err, "failed upload keeps its local copy")
	_, err = os.Stat(filepath.Join(dir, "3.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSummaryErrorListIsBounded(t *testing.T) {
	sink := &fakeSink{failOn: map[int]struct{}{}}
	for i := 1; i <= 40; i++ {
		sink.failOn[i] = struct{}{}
	}
	r := Runner{Source: presentUpTo(40), Sink: sink, Start: 1, End: 40}
	sum := r.Run(context.Background())

	assert.Equal(t, 40, sum.UploadFailed)
	assert.Len(t, sum.Errors, MaxRecordedErrors)
}
