package derivation

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/imagescale/common/models"
)

// Enqueuer accepts derivation tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, task *models.DerivationTask) bool
}

// Txn holds tasks until the surrounding request commits. Aborted requests
// never enqueue anything.
type Txn struct {
	mu    sync.Mutex
	q     Enqueuer
	tasks []*models.DerivationTask

	committed bool
	aborted   bool
}

type txnKey struct{}

// Begin attaches a new transaction to ctx
func Begin(ctx context.Context, q Enqueuer) (context.Context, *Txn) {
	txn := &Txn{q: q}
	return context.WithValue(ctx, txnKey{}, txn), txn
}

// FromContext returns the transaction attached to ctx, if any
func FromContext(ctx context.Context) (*Txn, bool) {
	txn, ok := ctx.Value(txnKey{}).(*Txn)
	return txn, ok
}

// Defer schedules task for enqueueing. Outside a transaction the task is
// enqueued immediately.
func Defer(ctx context.Context, q Enqueuer, task *models.DerivationTask) {
	if txn, ok := FromContext(ctx); ok {
		txn.add(task)
		return
	}
	if q != nil {
		q.Enqueue(ctx, task)
	}
}

func (t *Txn) add(task *models.DerivationTask) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.aborted:
		return
	case t.committed:
		// late registration after commit goes straight through
		if t.q != nil {
			t.q.Enqueue(context.Background(), task)
		}
		return
	}
	t.tasks = append(t.tasks, task)
}

// Pending returns the number of tasks waiting for Commit
func (t *Txn) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Commit enqueues every deferred task and returns how many were accepted
func (t *Txn) Commit(ctx context.Context) int {
	t.mu.Lock()
	tasks := t.tasks
	t.tasks = nil
	t.committed = true
	t.mu.Unlock()

	if t.q == nil {
		return 0
	}
	accepted := 0
	for _, task := range tasks {
		if t.q.Enqueue(ctx, task) {
			accepted++
		}
	}
	return accepted
}

// Abort drops every deferred task
func (t *Txn) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = nil
	t.aborted = true
}

// Middleware wraps each request in a Txn. Tasks are enqueued once the
// handler returned without error and with a non-5xx status.
func Middleware(q Enqueuer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, txn := Begin(req.Context(), q)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil || c.Response().Status >= http.StatusInternalServerError {
				txn.Abort()
				return err
			}

			txn.Commit(context.WithoutCancel(ctx))
			return nil
		}
	}
}
