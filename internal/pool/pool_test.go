package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squares(n int) []Named {
	tasks := make([]Named, n)
	for i := range tasks {
		v := i
		tasks[i] = Named{Name: fmt.Sprintf("t%02d", i), Fn: func(context.Context) (any, error) {
			return v * v, nil
		}}
	}
	return tasks
}

func TestRunReturnsEveryResult(t *testing.T) {
	results := Run(context.Background(), Options{Workers: 4}, squares(20))
	require.Len(t, results, 20)

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, i*i, r.Value)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	tasks := make([]Named, 12)
	for i := range tasks {
		tasks[i] = Named{Name: fmt.Sprint(i), Fn: func(context.Context) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}}
	}

	Run(context.Background(), Options{Workers: 3}, tasks)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRunRecoversPanics(t *testing.T) {
	tasks := []Named{
		{Name: "ok", Fn: func(context.Context) (any, error) { return 1, nil }},
		{Name: "boom", Fn: func(context.Context) (any, error) { panic("decoder crashed") }},
	}
	results := Run(context.Background(), Options{Workers: 2}, tasks)
	require.Len(t, results, 2)

	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Name] = r
	}
	assert.NoError(t, byName["ok"].Err)
	assert.ErrorIs(t, byName["boom"].Err, ErrPanic)
	assert.Contains(t, byName["boom"].Err.Error(), "decoder crashed")
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := make([]Named, 5)
	for i := range tasks {
		tasks[i] = Named{Name: fmt.Sprint(i), Fn: func(ctx context.Context) (any, error) {
			return nil, ctx.Err()
		}}
	}
	results := Run(ctx, Options{Workers: 2}, tasks)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestCloseAbandonsStuckWorkers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := New(Options{Workers: 1, TeardownTimeout: time.Minute, Clock: clock})
	p.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit("stuck", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}))
	<-started

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after teardown timeout")
	}
	close(release)

	assert.ErrorIs(t, p.Submit("late", func(context.Context) (any, error) { return nil, nil }), ErrClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	p := New(Options{})
	p.Start(context.Background())
	p.Close()
	p.Close()

	_, open := <-p.Results()
	assert.False(t, open)
}

func TestTaskErrorsDoNotStopPool(t *testing.T) {
	errBad := errors.New("bad frame")
	tasks := []Named{
		{Name: "a", Fn: func(context.Context) (any, error) { return nil, errBad }},
		{Name: "b", Fn: func(context.Context) (any, error) { return "ok", nil }},
	}
	results := Run(context.Background(), Options{Workers: 1}, tasks)
	require.Len(t, results, 2)

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			assert.ErrorIs(t, r.Err, errBad)
		}
	}
	assert.Equal(t, 1, failed)
}
