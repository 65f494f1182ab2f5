// Package worker runs codec jobs on a bounded pool and hands results back
// through futures that can be polled without blocking.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/scaler"
)

var (
	// ErrPoolClosed is returned by Submit after Close
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrPoolBusy is returned by Submit when every slot is taken
	ErrPoolBusy = errors.New("worker pool busy")
)

// Job is one codec invocation
type Job struct {
	ID      string
	Data    []byte
	Options scaler.Options
}

// Future is the result handle of a submitted Job
type Future struct {
	ID   string
	done chan struct{}
	res  *scaler.Result
	err  error
}

func newFuture(id string) *Future {
	return &Future{ID: id, done: make(chan struct{})}
}

func (f *Future) resolve(res *scaler.Result, err error) {
	f.res, f.err = res, err
	close(f.done)
}

// Poll returns the outcome if the job finished. It never blocks: ok is
// false while the job is still queued or running.
func (f *Future) Poll() (res *scaler.Result, err error, ok bool) {
	select {
	case <-f.done:
		return f.res, f.err, true
	default:
		return nil, nil, false
	}
}

// Done is closed once the job finished
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finished or ctx ends
func (f *Future) Wait(ctx context.Context) (*scaler.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type submission struct {
	job    Job
	future *Future
}

// Pool runs at most size jobs concurrently through codec
type Pool struct {
	codec scaler.Codec
	size  int
	log   *logger.Logger

	jobs   chan submission
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts size workers. Close must be called to release them.
func NewPool(codec scaler.Codec, size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		codec:  codec,
		size:   size,
		log:    log,
		jobs:   make(chan submission, size),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	log.Info("worker pool started", "workers", size)
	return p
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Submit queues job without blocking
func (p *Pool) Submit(job Job) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	f := newFuture(job.ID)
	select {
	case p.jobs <- submission{job: job, future: f}:
		return f, nil
	default:
		return nil, ErrPoolBusy
	}
}

func (p *Pool) run(n int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case s := <-p.jobs:
			p.log.Debug("job started", "job_id", s.job.ID, "worker", n)
			res, err := p.codec.Scale(p.ctx, s.job.Data, s.job.Options)
			s.future.resolve(res, err)
		}
	}
}

// Close cancels running jobs (killing their subprocesses), fails queued
// ones with ErrPoolClosed and waits for the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for {
		select {
		case s := <-p.jobs:
			s.future.resolve(nil, ErrPoolClosed)
		default:
			p.log.Info("worker pool stopped")
			return
		}
	}
}
