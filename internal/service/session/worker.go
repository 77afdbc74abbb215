package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errWorkerStopped = errors.New("session worker stopped")

// worker runs blocking vendor calls one at a time on its own goroutine, so a
// slow provider never blocks the connection loop for longer than the caller
// is willing to wait.
type worker struct {
	jobs chan func()
	quit chan struct{}
	once sync.Once
}

func newWorker() *worker {
	w := &worker{
		jobs: make(chan func()),
		quit: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.quit:
			return
		}
	}
}

// submit hands job to the worker. It fails when ctx ends first or the worker
// has been stopped.
func (w *worker) submit(ctx context.Context, job func()) error {
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return errWorkerStopped
	}
}

// stop lets the worker goroutine exit once its current job returns.
// A wedged job is abandoned, not interrupted.
func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on w and waits at most timeout for it. When the caller gives
// up first, late (if non-nil) receives whatever fn eventually returns, so
// resources produced after the deadline can still be released.
func call[T any](ctx context.Context, w *worker, timeout time.Duration, fn func(context.Context) (T, error), late func(T, error)) (T, error) {
	var zero T

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := make(chan result[T], 1)
	job := func() {
		v, err := fn(cctx)
		res <- result[T]{val: v, err: err}
	}
	if err := w.submit(cctx, job); err != nil {
		return zero, err
	}

	select {
	case r := <-res:
		return r.val, r.err
	case <-cctx.Done():
		if late != nil {
			go func() {
				r := <-res
				late(r.val, r.err)
			}()
		}
		return zero, cctx.Err()
	}
}
