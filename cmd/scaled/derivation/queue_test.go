package derivation

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/imagescale/common/cache"
	"github.com/lyzr/imagescale/common/logger"
	"github.com/lyzr/imagescale/common/models"
	"github.com/lyzr/imagescale/common/scalekey"
	"github.com/lyzr/imagescale/common/scaler"
	"github.com/lyzr/imagescale/common/worker"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Count(s string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), s)
}

type fakeCodec struct {
	calls atomic.Int32
	err   error
}

func (c *fakeCodec) Scale(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &scaler.Result{Data: append([]byte("scaled:"), data...), ContentType: "image/png", Width: opts.Width, Height: opts.Height}, nil
}

type fakeStore struct {
	mu          sync.Mutex
	disposition Disposition
	keep        bool
	stored      []*scaler.Result
}

func (s *fakeStore) Disposition(ctx context.Context, task *models.DerivationTask) (Disposition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposition, nil
}

func (s *fakeStore) LoadSource(ctx context.Context, task *models.DerivationTask) ([]byte, error) {
	return []byte(task.StorageKey), nil
}

func (s *fakeStore) StoreResult(ctx context.Context, task *models.DerivationTask, res *scaler.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.keep {
		return false, nil
	}
	s.stored = append(s.stored, res)
	return true, nil
}

func (s *fakeStore) Stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func newTask(field string, width int) *models.DerivationTask {
	return &models.DerivationTask{
		ItemID:         "item-1",
		StorageKey:     "sources/item-1/" + field,
		Field:          field,
		ContentType:    "image/png",
		SourceModified: 1000,
		Key:            scalekey.Make(field, width, width, "scale", nil),
		Quality:        88,
	}
}

func newTestQueue(t *testing.T, store Store, codec scaler.Codec, opts Options) (*Queue, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	log := logger.NewWithWriter(out, "debug", "json")
	pool := worker.NewPool(codec, 2, log)
	q := New(store, pool, opts, log)
	t.Cleanup(q.Stop)
	return q, out
}

// settle drives q by hand until nothing is queued, retrying or in flight
func settle(t *testing.T, q *Queue) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if q.Step(ctx) {
			continue
		}
		if s := q.Stats(); s == (Stats{}) {
			return
		}
		q.requeueRetries(ctx)
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue did not settle: %+v", q.Stats())
}

func TestQueue_DeduplicatesTasks(t *testing.T) {
	store := &fakeStore{disposition: Dispatch, keep: true}
	codec := &fakeCodec{}
	q, _ := newTestQueue(t, store, codec, Options{MaxRetry: 3})
	ctx := context.Background()

	assert.True(t, q.Enqueue(ctx, newTask("image", 100)))
	assert.False(t, q.Enqueue(ctx, newTask("image", 100)))

	// retry count is not part of the identity
	dup := newTask("image", 100)
	dup.RetryCount = 2
	assert.False(t, q.Enqueue(ctx, dup))

	assert.True(t, q.Enqueue(ctx, newTask("image", 200)))
	assert.Equal(t, 2, q.Stats().Pending)

	settle(t, q)
	assert.Equal(t, int32(2), codec.calls.Load())
	assert.Equal(t, 2, store.Stored())

	// completed tasks may be queued again
	assert.True(t, q.Enqueue(ctx, newTask("image", 100)))
}

func TestQueue_ClaimsAcrossQueues(t *testing.T) {
	claims := cache.NewMemoryCache(logger.New("error", "text"))
	defer claims.Close()
	ctx := context.Background()

	store := &fakeStore{disposition: Dispatch, keep: true}
	a, _ := newTestQueue(t, store, &fakeCodec{}, Options{Claims: claims})
	b, _ := newTestQueue(t, store, &fakeCodec{}, Options{Claims: claims})

	assert.True(t, a.Enqueue(ctx, newTask("image", 100)))
	assert.False(t, b.Enqueue(ctx, newTask("image", 100)))

	settle(t, a)
	assert.True(t, b.Enqueue(ctx, newTask("image", 100)), "claim released after completion")
}

func TestQueue_RejectedTaskGivesClaimBack(t *testing.T) {
	claims := cache.NewMemoryCache(logger.New("error", "text"))
	defer claims.Close()
	ctx := context.Background()

	store := &fakeStore{disposition: Dispatch, keep: true}
	q, _ := newTestQueue(t, store, &fakeCodec{}, Options{Claims: claims, Capacity: 1})

	require.True(t, q.Enqueue(ctx, newTask("image", 100)))
	overflow := newTask("image", 200)
	assert.False(t, q.Enqueue(ctx, overflow), "pending lane is full")

	_, held, err := claims.Get(ctx, claimKey(overflow.Token()))
	require.NoError(t, err)
	assert.False(t, held, "claim of a rejected task is released")

	_, held, err = claims.Get(ctx, claimKey(newTask("image", 100).Token()))
	require.NoError(t, err)
	assert.True(t, held)

	settle(t, q)
	assert.True(t, q.Enqueue(ctx, overflow))
}

func TestQueue_RetryIsBounded(t *testing.T) {
	store := &fakeStore{disposition: Dispatch, keep: true}
	codec := &fakeCodec{err: errors.New("decoder exploded")}

	var abandoned []*models.DerivationTask
	q, logs := newTestQueue(t, store, codec, Options{
		MaxRetry: 2,
		OnAbandon: func(task *models.DerivationTask, err error) {
			abandoned = append(abandoned, task)
		},
	})

	require.True(t, q.Enqueue(context.Background(), newTask("image", 100)))
	settle(t, q)

	assert.Equal(t, int32(3), codec.calls.Load(), "initial attempt plus MaxRetry retries")
	require.Len(t, abandoned, 1)
	assert.Equal(t, 3, abandoned[0].RetryCount)
	assert.Equal(t, 1, logs.Count(`"msg":"derivation abandoned"`))
	assert.Equal(t, 2, logs.Count(`"msg":"derivation will be retried"`))
	assert.Zero(t, store.Stored())
}

// gatedCodec fails the first attempt of the widths in failOnce and holds the
// widths in held until gate is closed
type gatedCodec struct {
	mu       sync.Mutex
	calls    map[int]int
	failOnce map[int]bool
	held     map[int]bool
	gate     chan struct{}
}

func newGatedCodec(failOnce, held []int) *gatedCodec {
	c := &gatedCodec{calls: map[int]int{}, failOnce: map[int]bool{}, held: map[int]bool{}, gate: make(chan struct{})}
	for _, w := range failOnce {
		c.failOnce[w] = true
	}
	for _, w := range held {
		c.held[w] = true
	}
	return c
}

func (c *gatedCodec) Scale(ctx context.Context, data []byte, opts scaler.Options) (*scaler.Result, error) {
	c.mu.Lock()
	c.calls[opts.Width]++
	n := c.calls[opts.Width]
	c.mu.Unlock()

	if c.held[opts.Width] {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.failOnce[opts.Width] && n == 1 {
		return nil, errors.New("transient decoder error")
	}
	return &scaler.Result{Data: data, ContentType: "image/png", Width: opts.Width, Height: opts.Height}, nil
}

func (c *gatedCodec) Calls(width int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[width]
}

func TestQueue_RetriesSurviveFullPendingLane(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{disposition: Dispatch, keep: true}
	codec := newGatedCodec([]int{10, 20}, []int{30, 40})
	defer close(codec.gate)

	var abandoned atomic.Int32
	q, logs := newTestQueue(t, store, codec, Options{
		Capacity: 2,
		MaxRetry: 3,
		OnAbandon: func(task *models.DerivationTask, err error) {
			abandoned.Add(1)
		},
	})

	// two tasks fail once and park on the retry lane
	require.True(t, q.Enqueue(ctx, newTask("image", 10)))
	require.True(t, q.Enqueue(ctx, newTask("image", 20)))
	require.Eventually(t, func() bool {
		q.Step(ctx)
		return q.Stats().Retrying == 2
	}, 5*time.Second, time.Millisecond)

	// saturate the pool, then fill the pending lane
	require.True(t, q.Enqueue(ctx, newTask("image", 30)))
	require.True(t, q.Enqueue(ctx, newTask("image", 40)))
	q.Step(ctx)
	q.Step(ctx)
	require.True(t, q.Enqueue(ctx, newTask("image", 50)))
	require.True(t, q.Enqueue(ctx, newTask("image", 60)))
	assert.False(t, q.Enqueue(ctx, newTask("image", 70)), "pending lane is full")
	require.Equal(t, Stats{Pending: 2, Retrying: 2, InFlight: 2}, q.Stats())

	assert.Zero(t, q.requeueRetries(ctx))
	assert.Equal(t, Stats{Pending: 2, Retrying: 2, InFlight: 2}, q.Stats(), "no retry is lost")
	assert.False(t, q.Enqueue(ctx, newTask("image", 20)), "retrying task is still tracked")

	codec.gate <- struct{}{}
	codec.gate <- struct{}{}
	settle(t, q)

	assert.Equal(t, 6, store.Stored())
	assert.Equal(t, 2, codec.Calls(10))
	assert.Equal(t, 2, codec.Calls(20))
	assert.Zero(t, abandoned.Load())
	assert.Zero(t, logs.Count(`"msg":"derivation abandoned"`))
}

func TestQueue_FullRetryLaneAbandons(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{disposition: Dispatch, keep: true}
	codec := &fakeCodec{err: errors.New("decoder exploded")}

	var abandoned []*models.DerivationTask
	q, logs := newTestQueue(t, store, codec, Options{
		Capacity: 1,
		MaxRetry: 5,
		OnAbandon: func(task *models.DerivationTask, err error) {
			abandoned = append(abandoned, task)
		},
	})

	require.True(t, q.Enqueue(ctx, newTask("image", 10)))
	require.Eventually(t, func() bool {
		q.Step(ctx)
		return q.Stats().Retrying == 1
	}, 5*time.Second, time.Millisecond)

	require.True(t, q.Enqueue(ctx, newTask("image", 20)))
	require.Eventually(t, func() bool {
		q.Step(ctx)
		return len(abandoned) == 1
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 20, abandoned[0].Key.Width)
	assert.Equal(t, 1, logs.Count(`"msg":"derivation abandoned"`))
	assert.Equal(t, Stats{Retrying: 1}, q.Stats())
	assert.True(t, q.Enqueue(ctx, newTask("image", 20)), "abandoned task is released")
}

func TestQueue_WaitCountsAsFailure(t *testing.T) {
	store := &fakeStore{disposition: Wait}
	codec := &fakeCodec{}
	q, logs := newTestQueue(t, store, codec, Options{MaxRetry: 1})

	require.True(t, q.Enqueue(context.Background(), newTask("image", 100)))
	settle(t, q)

	assert.Zero(t, codec.calls.Load())
	assert.Equal(t, 1, logs.Count(`"msg":"derivation abandoned"`))
}

func TestQueue_DropSkipsCodec(t *testing.T) {
	store := &fakeStore{disposition: Drop}
	codec := &fakeCodec{}
	q, logs := newTestQueue(t, store, codec, Options{})

	require.True(t, q.Enqueue(context.Background(), newTask("image", 100)))
	settle(t, q)

	assert.Zero(t, codec.calls.Load())
	assert.Zero(t, logs.Count("abandoned"))
	assert.True(t, q.Enqueue(context.Background(), newTask("image", 100)))
}

func TestQueue_DiscardedWriteBack(t *testing.T) {
	store := &fakeStore{disposition: Dispatch, keep: false}
	codec := &fakeCodec{}
	q, logs := newTestQueue(t, store, codec, Options{MaxRetry: 3})

	require.True(t, q.Enqueue(context.Background(), newTask("image", 100)))
	settle(t, q)

	assert.Equal(t, int32(1), codec.calls.Load(), "a discarded result is not retried")
	assert.Equal(t, 1, logs.Count("derived scale discarded"))
}

func TestQueue_StartAndStop(t *testing.T) {
	store := &fakeStore{disposition: Dispatch, keep: true}
	q, _ := newTestQueue(t, store, &fakeCodec{}, Options{PollStep: time.Millisecond, PollMax: 5 * time.Millisecond})

	q.Start(context.Background())
	for i := 1; i <= 5; i++ {
		q.Enqueue(context.Background(), newTask("image", i*10))
	}

	assert.Eventually(t, func() bool { return store.Stored() == 5 }, 5*time.Second, 5*time.Millisecond)

	q.Stop()
	q.Stop()
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*models.DerivationTask
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, task *models.DerivationTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return true
}

func (r *recordingEnqueuer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func TestTxn_CommitAndAbort(t *testing.T) {
	rec := &recordingEnqueuer{}

	ctx, txn := Begin(context.Background(), rec)
	Defer(ctx, rec, newTask("image", 1))
	Defer(ctx, rec, newTask("image", 2))
	assert.Equal(t, 2, txn.Pending())
	assert.Zero(t, rec.Len(), "nothing enqueued before commit")

	assert.Equal(t, 2, txn.Commit(ctx))
	assert.Equal(t, 2, rec.Len())

	ctx, txn = Begin(context.Background(), rec)
	Defer(ctx, rec, newTask("image", 3))
	txn.Abort()
	Defer(ctx, rec, newTask("image", 4))
	assert.Equal(t, 2, rec.Len(), "aborted work is never enqueued")

	// outside a transaction the task goes straight in
	Defer(context.Background(), rec, newTask("image", 5))
	assert.Equal(t, 3, rec.Len())
}

func TestMiddleware_CommitsOnSuccessOnly(t *testing.T) {
	rec := &recordingEnqueuer{}
	e := echo.New()
	e.Use(Middleware(rec))

	e.GET("/ok", func(c echo.Context) error {
		Defer(c.Request().Context(), rec, newTask("image", 10))
		return c.NoContent(http.StatusOK)
	})
	e.GET("/fail", func(c echo.Context) error {
		Defer(c.Request().Context(), rec, newTask("image", 20))
		return echo.NewHTTPError(http.StatusBadRequest, "nope")
	})
	e.GET("/broken", func(c echo.Context) error {
		Defer(c.Request().Context(), rec, newTask("image", 30))
		return c.NoContent(http.StatusInternalServerError)
	})

	for _, path := range []string{"/ok", "/fail", "/broken"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.Equal(t, 1, rec.Len())
	assert.Equal(t, 10, rec.tasks[0].Key.Width)
}
