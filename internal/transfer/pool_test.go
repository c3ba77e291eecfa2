package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunPoolCollectsAllResults(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}

	sum := RunPool(context.Background(), 4, 50, nil, func(_ context.Context, i int) (string, error) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		if i%10 == 3 {
			return fmt.Sprintf("row %d", i), errors.New("malformed record")
		}
		return fmt.Sprintf("row %d", i), nil
	})

	assert.Equal(t, 45, sum.Succeeded)
	assert.Equal(t, 5, sum.Failed)
	assert.Len(t, seen, 50)
	assert.Len(t, sum.Errors, 5)
}

func TestRunPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	var inflight, peak int64

	RunPool(context.Background(), workers, 30, nil, func(_ context.Context, i int) (string, error) {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return "", nil
	})

	assert.LessOrEqual(t, peak, int64(workers))
}

func TestRunPoolDrainsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started int64

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	sum := RunPool(ctx, 2, 1000, nil, func(ctx context.Context, i int) (string, error) {
		atomic.AddInt64(&started, 1)
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
		}
		return "", ctx.Err()
	})

	assert.Less(t, sum.Succeeded+sum.Failed, 1000, "producer stops handing out jobs after cancel")
}

func TestRunPoolSingleWorkerFloor(t *testing.T) {
	sum := RunPool(context.Background(), 0, 5, nil, func(_ context.Context, i int) (string, error) {
		return "", nil
	})
	assert.Equal(t, 5, sum.Succeeded)
}
