// Package derivation realizes placeholder scales in the background.
//
// One consumer goroutine owns the loop. Each iteration it
//
//  1. polls the futures of dispatched jobs without blocking and writes
//     finished results back,
//  2. dispatches the next pending task to the worker pool,
//  3. when neither produced work, moves the retry lane back into the
//     pending lane and sleeps for a bounded, growing interval.
//
// Tasks are deduplicated by token from Enqueue until they complete or are
// abandoned. A task that keeps failing is attempted MaxRetry+1 times.
package derivation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/imagescale/common/cache"
	"github.com/lyzr/imagescale/common/config"
	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/queue"
	"github.com/lyzr/imagescale/common/scaler"
	"github.com/lyzr/imagescale/common/worker"
)

// Disposition is what dispatch does with a dequeued task
type Disposition int

const (
	// Dispatch: an unrealized placeholder is waiting for the task
	Dispatch Disposition = iota
	// Drop: the source moved on or the scale was already realized
	Drop
	// Wait: no placeholder is visible yet; counts as a failed attempt
	Wait
)

func (d Disposition) String() string {
	switch d {
	case Dispatch:
		return "dispatch"
	case Drop:
		return "drop"
	default:
		return "wait"
	}
}

// Store is the scale cache as the queue sees it
type Store interface {
	Disposition(ctx context.Context, task *models.DerivationTask) (Disposition, error)
	LoadSource(ctx context.Context, task *models.DerivationTask) ([]byte, error)
	// StoreResult realizes matching placeholders. false means the result
	// was discarded because nothing was waiting for it.
	StoreResult(ctx context.Context, task *models.DerivationTask, res *scaler.Result) (bool, error)
}

// Pool runs codec jobs
type Pool interface {
	Submit(job worker.Job) (*worker.Future, error)
	Size() int
	Close()
}

// Options configures a Queue
type Options struct {
	MaxRetry int
	PollStep time.Duration
	PollMax  time.Duration
	Capacity int
	ClaimTTL time.Duration
	// Claims, when set, deduplicates across processes
	Claims cache.Cache
	// OnAbandon is called once per abandoned task
	OnAbandon func(task *models.DerivationTask, err error)
}

// OptionsFromConfig maps queue settings
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxRetry: cfg.MaxRetry,
		PollStep: cfg.PollStep,
		PollMax:  cfg.PollMax,
		Capacity: cfg.Capacity,
		ClaimTTL: cfg.ClaimTTL,
	}
}

type flight struct {
	task   *models.DerivationTask
	future *worker.Future
}

// Queue is the derivation queue
type Queue struct {
	store Store
	pool  Pool
	opts  Options
	log   *logger.Logger

	pending *queue.FIFO[*models.DerivationTask]
	retry   *queue.FIFO[*models.DerivationTask]

	mu       sync.Mutex
	known    map[string]struct{}
	retries  map[string]int
	inflight map[string]*flight

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a queue. Start runs the loop; Step drives it by hand.
func New(store Store, pool Pool, opts Options, log *logger.Logger) *Queue {
	if opts.PollStep <= 0 {
		opts.PollStep = 100 * time.Millisecond
	}
	if opts.PollMax < opts.PollStep {
		opts.PollMax = opts.PollStep
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 10 * time.Minute
	}

	return &Queue{
		store:    store,
		pool:     pool,
		opts:     opts,
		log:      log,
		pending:  queue.NewFIFO[*models.DerivationTask]("derivation", opts.Capacity, log),
		retry:    queue.NewFIFO[*models.DerivationTask]("derivation-retry", opts.Capacity, log),
		known:    make(map[string]struct{}),
		retries:  make(map[string]int),
		inflight: make(map[string]*flight),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func claimKey(token string) string {
	return "derivation:claim:" + token
}

// Enqueue adds task unless an identical task is queued, retrying or in
// flight. Returns whether the task was added.
func (q *Queue) Enqueue(ctx context.Context, task *models.DerivationTask) bool {
	token := task.Token()

	if q.isKnown(token) {
		q.log.Debug("derivation already queued", "task", token)
		return false
	}

	// the claim round-trip happens outside q.mu
	claimed := false
	if q.opts.Claims != nil {
		ok, err := q.opts.Claims.SetNX(ctx, claimKey(token), []byte(task.ItemID), q.opts.ClaimTTL)
		switch {
		case err != nil:
			q.log.Warn("derivation claim failed, queueing locally", "task", token, "error", err)
		case !ok:
			q.log.Debug("derivation claimed elsewhere", "task", token)
			return false
		default:
			claimed = true
		}
	}

	q.mu.Lock()
	_, dup := q.known[token]
	added := !dup && q.pending.Put(task)
	if added {
		q.known[token] = struct{}{}
	}
	q.mu.Unlock()

	if !added {
		if claimed {
			q.dropClaim(ctx, token)
		}
		if dup {
			q.log.Debug("derivation already queued", "task", token)
		}
		return false
	}

	q.log.Debug("derivation queued",
		"task", token,
		"item_id", task.ItemID,
		"field", task.Field,
		"width", task.Key.Width,
		"height", task.Key.Height)
	return true
}

func (q *Queue) isKnown(token string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.known[token]
	return ok
}

// release forgets token and gives up its claim
func (q *Queue) release(ctx context.Context, token string) {
	q.mu.Lock()
	delete(q.known, token)
	delete(q.retries, token)
	q.mu.Unlock()

	q.dropClaim(ctx, token)
}

func (q *Queue) dropClaim(ctx context.Context, token string) {
	if q.opts.Claims == nil {
		return
	}
	if err := q.opts.Claims.Delete(ctx, claimKey(token)); err != nil {
		q.log.Warn("failed to release derivation claim", "task", token, "error", err)
	}
}

// Step runs one loop iteration and reports whether it did any work
func (q *Queue) Step(ctx context.Context) bool {
	completed := q.collect(ctx)
	dispatched := q.dispatchNext(ctx)
	return completed || dispatched
}

// collect polls every in-flight future once
func (q *Queue) collect(ctx context.Context) bool {
	q.mu.Lock()
	var finished []*flight
	var results []struct {
		res *scaler.Result
		err error
	}
	for token, fl := range q.inflight {
		res, err, ok := fl.future.Poll()
		if !ok {
			continue
		}
		delete(q.inflight, token)
		finished = append(finished, fl)
		results = append(results, struct {
			res *scaler.Result
			err error
		}{res, err})
	}
	q.mu.Unlock()

	for i, fl := range finished {
		q.complete(ctx, fl.task, results[i].res, results[i].err)
	}
	return len(finished) > 0
}

func (q *Queue) complete(ctx context.Context, task *models.DerivationTask, res *scaler.Result, err error) {
	token := task.Token()
	log := q.log.WithTask(token)

	if err != nil {
		q.fail(ctx, task, fmt.Errorf("derivation failed: %w", err))
		return
	}

	stored, err := q.store.StoreResult(ctx, task, res)
	if err != nil {
		q.fail(ctx, task, fmt.Errorf("write-back failed: %w", err))
		return
	}

	q.release(ctx, token)
	if stored {
		log.Info("scale derived",
			"item_id", task.ItemID,
			"field", task.Field,
			"width", res.Width,
			"height", res.Height,
			"bytes", len(res.Data))
	} else {
		log.Debug("derived scale discarded, no placeholder waiting", "item_id", task.ItemID)
	}
}

// dispatchNext hands the next pending task to the pool
func (q *Queue) dispatchNext(ctx context.Context) bool {
	q.mu.Lock()
	full := len(q.inflight) >= q.pool.Size()
	q.mu.Unlock()
	if full {
		return false
	}

	task, ok := q.pending.TryGet()
	if !ok {
		return false
	}

	if err := q.dispatch(ctx, task); err != nil {
		if errors.Is(err, worker.ErrPoolBusy) {
			q.park(ctx, task, err)
			return true
		}
		q.fail(ctx, task, err)
	}
	return true
}

func (q *Queue) dispatch(ctx context.Context, task *models.DerivationTask) error {
	token := task.Token()

	disp, err := q.store.Disposition(ctx, task)
	if err != nil {
		return fmt.Errorf("dispatch check failed: %w", err)
	}
	switch disp {
	case Drop:
		q.log.Debug("derivation no longer needed", "task", token, "item_id", task.ItemID)
		q.release(ctx, token)
		return nil
	case Wait:
		return fmt.Errorf("no placeholder for %s/%s", task.ItemID, task.Field)
	}

	data, err := q.store.LoadSource(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to load source: %w", err)
	}

	future, err := q.pool.Submit(worker.Job{
		ID:      token,
		Data:    data,
		Options: scaler.OptionsFor(task.Key, task.Quality),
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.inflight[token] = &flight{task: task, future: future}
	q.mu.Unlock()

	q.log.Debug("derivation dispatched", "task", token, "attempt", task.RetryCount+1)
	return nil
}

// fail counts a failed attempt and either parks the task on the retry lane
// or abandons it for good
func (q *Queue) fail(ctx context.Context, task *models.DerivationTask, err error) {
	token := task.Token()

	q.mu.Lock()
	q.retries[token]++
	count := q.retries[token]
	task.RetryCount = count
	q.mu.Unlock()

	if count > q.opts.MaxRetry {
		q.abandon(ctx, task, err)
		return
	}
	if !q.park(ctx, task, err) {
		return
	}

	q.log.Warn("derivation will be retried",
		"task", token,
		"item_id", task.ItemID,
		"attempt", count,
		"error", err)
}

// park puts task on the retry lane. A full lane abandons the task.
func (q *Queue) park(ctx context.Context, task *models.DerivationTask, cause error) bool {
	if q.retry.Put(task) {
		return true
	}
	q.abandon(ctx, task, fmt.Errorf("retry lane full: %w", cause))
	return false
}

// abandon gives up on task for good, exactly once per task
func (q *Queue) abandon(ctx context.Context, task *models.DerivationTask, err error) {
	q.release(ctx, task.Token())

	q.log.Error("derivation abandoned",
		"task", task.Token(),
		"item_id", task.ItemID,
		"field", task.Field,
		"attempts", task.RetryCount,
		"error", err)
	if q.opts.OnAbandon != nil {
		q.opts.OnAbandon(task, err)
	}
}

// requeueRetries moves the retry lane back into the pending lane. Tasks that
// do not fit stay on the retry lane for the next round.
func (q *Queue) requeueRetries(ctx context.Context) int {
	moved := 0
	for _, task := range q.retry.Drain() {
		if q.pending.Put(task) {
			moved++
			continue
		}
		q.park(ctx, task, errors.New("pending lane full"))
	}
	return moved
}

// Start runs the loop on its own goroutine until Stop
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	q.log.Info("derivation queue started",
		"workers", q.pool.Size(),
		"max_retry", q.opts.MaxRetry)

	var interval time.Duration
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if q.Step(ctx) {
			interval = 0
			continue
		}

		if moved := q.requeueRetries(ctx); moved > 0 {
			q.log.Debug("retrying derivations", "count", moved)
		}

		interval = min(interval+q.opts.PollStep, q.opts.PollMax)
		timer := time.NewTimer(interval)
		select {
		case <-q.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop ends the loop, kills running jobs and releases outstanding claims.
// Placeholders of unfinished tasks stay and are realized on access.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.startOnce.Do(func() { close(q.done) })
		<-q.done
		q.pool.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		q.mu.Lock()
		tokens := make([]string, 0, len(q.known))
		for token := range q.known {
			tokens = append(tokens, token)
		}
		q.known = make(map[string]struct{})
		q.retries = make(map[string]int)
		q.mu.Unlock()

		for _, token := range tokens {
			q.dropClaim(ctx, token)
		}
		q.log.Info("derivation queue stopped")
	})
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	InFlight int `json:"in_flight"`
}

// Stats returns queue depths
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  q.pending.Len(),
		Retrying: q.retry.Len(),
		InFlight: len(q.inflight),
	}
}
