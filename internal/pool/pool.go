// Package pool runs named tasks on a fixed number of goroutines and reports
// their results in completion order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned by Submit once the pool stops accepting tasks.
	ErrClosed = errors.New("pool closed")

	// ErrPanic wraps a value recovered from a panicking task.
	ErrPanic = errors.New("task panicked")
)

// DefaultTeardownTimeout bounds Close when Options leaves it unset.
const DefaultTeardownTimeout = 30 * time.Second

// Task is one unit of work. It should return promptly once ctx is done.
type Task func(ctx context.Context) (any, error)

// Named pairs a task with the name its result is reported under.
type Named struct {
	Name string
	Fn   Task
}

// Result is the outcome of one task.
type Result struct {
	Name     string
	Value    any
	Err      error
	Duration time.Duration
}

// Options configures a Pool.
type Options struct {
	Workers         int
	TeardownTimeout time.Duration
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

type job struct {
	name string
	fn   Task
}

// Pool is a fixed set of workers. Create with New, then Start, Submit and
// read Results; Close always releases it.
type Pool struct {
	workers  int
	teardown time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	tasks   chan job
	results chan Result
	closing chan struct{}
	done    chan struct{}

	mu          sync.RWMutex
	inputClosed bool
	ctx         context.Context
	cancel      context.CancelFunc
	startOnce   sync.Once
	closeOnce   sync.Once
}

// New creates a pool. Workers below one are raised to one.
func New(opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		workers:  opts.Workers,
		teardown: opts.TeardownTimeout,
		clock:    opts.Clock,
		logger:   opts.Logger,
		tasks:    make(chan job),
		results:  make(chan Result),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the workers. Tasks receive a context derived from ctx that
// is cancelled by Close. Calling Start more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.mu.Lock()
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.mu.Unlock()

		var g errgroup.Group
		for i := 0; i < p.workers; i++ {
			g.Go(func() error {
				p.work(p.ctx)
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(p.results)
			close(p.done)
		}()
	})
}

func (p *Pool) work(ctx context.Context) {
	for j := range p.tasks {
		res := p.run(ctx, j)
		select {
		case p.results <- res:
		case <-p.closing:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) (res Result) {
	start := p.clock.Now()
	res.Name = j.name
	defer func() {
		if r := recover(); r != nil {
			res.Value = nil
			res.Err = fmt.Errorf("%w: %v", ErrPanic, r)
			p.logger.Error("task panicked",
				slog.String("task", j.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		res.Duration = p.clock.Since(start)
	}()
	res.Value, res.Err = j.fn(ctx)
	return res
}

// Submit hands a task to the next free worker, blocking until one accepts
// it or the pool context ends.
func (p *Pool) Submit(name string, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.inputClosed {
		return ErrClosed
	}
	if p.ctx == nil {
		return errors.New("pool not started")
	}
	select {
	case p.tasks <- job{name: name, fn: fn}:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-p.closing:
		return ErrClosed
	}
}

// CloseInput stops accepting tasks. Results is closed once the submitted
// tasks finish.
func (p *Pool) CloseInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inputClosed {
		p.inputClosed = true
		close(p.tasks)
	}
}

// Results delivers one Result per accepted task in completion order.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close cancels running tasks and waits up to the teardown timeout for the
// workers to exit. Workers still running after that are abandoned. Close
// never fails and may be called more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.RLock()
		cancel := p.cancel
		p.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		p.CloseInput()
		if cancel == nil {
			return
		}

		select {
		case <-p.done:
		case <-p.clock.After(p.teardown):
			p.logger.Warn("abandoning workers after teardown timeout",
				slog.Duration("timeout", p.teardown),
			)
		}
	})
}

// Run executes tasks on a fresh pool and returns one result per task. The
// pool is closed on every return path. Tasks not started because ctx ended
// are reported with ctx's error.
func Run(ctx context.Context, opts Options, tasks []Named) []Result {
	p := New(opts)
	p.Start(ctx)
	defer p.Close()

	var notRun []Result
	go func() {
		for i, t := range tasks {
			if err := p.Submit(t.Name, t.Fn); err != nil {
				for _, rest := range tasks[i:] {
					notRun = append(notRun, Result{Name: rest.Name, Err: err})
				}
				break
			}
		}
		p.CloseInput()
	}()

	results := make([]Result, 0, len(tasks))
	for r := range p.Results() {
		results = append(results, r)
	}
	return append(results, notRun...)
}
