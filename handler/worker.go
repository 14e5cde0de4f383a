package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pgmanage/dbconsole/core"
)

type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerCompleted
	WorkerCancelled
	WorkerFailed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerCompleted:
		return "completed"
	case WorkerCancelled:
		return "cancelled"
	case WorkerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Cancellable is the two phase cancellation of a running operation.
type Cancellable interface {
	// RequestCancel marks the operation cancelled. Nothing is pushed for it afterwards.
	RequestCancel()
	// ForceAbort kills the running statement from a separate connection.
	ForceAbort() error
}

var _ Cancellable = (*Worker)(nil)

// reportedError is a failure the operation already published itself.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string {
	return e.err.Error()
}

func (e *reportedError) Unwrap() error {
	return e.err
}

// Worker runs one operation of a tab in its own goroutine and publishes the
// results to the channel of the owning client.
type Worker struct {
	id          string
	contextCode int
	channel     *Channel
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     WorkerState
	cancelled bool
	db        core.Database
	err       error
	started   time.Time
	finished  time.Time
}

func newWorker(parent context.Context, channel *Channel, contextCode int, logger *slog.Logger) *Worker {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.New().String()
	return &Worker{
		id:          id,
		contextCode: contextCode,
		channel:     channel,
		log:         logger.With("worker", id),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the failure of a finished worker.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed once the worker finished, including when it was cancelled
// before it got to run.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) Cancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *Worker) RequestCancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()

	w.cancel()
}

func (w *Worker) ForceAbort() error {
	w.mu.Lock()
	db, running := w.db, w.state == WorkerRunning
	w.mu.Unlock()

	if db == nil || !running {
		return nil
	}
	if err := db.Cancel(false); err != nil {
		return fmt.Errorf("db.Cancel: %w", err)
	}
	return nil
}

func (w *Worker) setDatabase(db core.Database) {
	w.mu.Lock()
	w.db = db
	w.mu.Unlock()
}

// push publishes data unless the worker was cancelled. The cancellation flag
// and the publication share a lock, so nothing appears after RequestCancel returns.
func (w *Worker) push(code ResponseType, data any) bool {
	return w.publish(Envelope{Code: code, ContextCode: w.contextCode, Data: data})
}

func (w *Worker) publish(env Envelope) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelled {
		return false
	}
	w.channel.Push(env)
	return true
}

// fail publishes err as a failure envelope of code. Position is resolved
// against sql when the error carries one.
func (w *Worker) fail(code ResponseType, err error, sql string) {
	var dbErr *core.DatabaseError
	if !errors.As(err, &dbErr) {
		if errors.Is(err, core.ErrConnection) {
			code = ResponseMessageException
		}
		w.publish(Envelope{
			Code:        code,
			ContextCode: w.contextCode,
			Error:       true,
			Data:        Failure{Message: err.Error()},
		})
		return
	}

	w.mu.Lock()
	db := w.db
	w.mu.Unlock()

	w.publish(Envelope{
		Code:        code,
		ContextCode: w.contextCode,
		Error:       true,
		Data:        Failure{Message: dbErr.Message, Position: errorPosition(db, err, sql)},
	})
}

// errorPosition locates err in sql, preferring the offset reported by the
// server over parsing the message.
func errorPosition(db core.Database, err error, sql string) *core.ErrorPosition {
	msg := err.Error()
	var dbErr *core.DatabaseError
	if errors.As(err, &dbErr) {
		if dbErr.Offset > 0 {
			return core.OffsetToPosition(sql, dbErr.Offset)
		}
		msg = dbErr.Message
	}
	if db != nil {
		return db.GetErrorPosition(msg, sql)
	}
	return core.GetErrorPosition(msg, sql)
}

// run executes fn after prev (if any) finished. A panic inside fn fails the
// worker instead of the process.
func (w *Worker) run(prev *Worker, fn func(ctx context.Context) error) {
	defer close(w.done)
	defer w.cancel()

	if prev != nil {
		prev.RequestCancel()
		if err := prev.ForceAbort(); err != nil {
			w.log.Warn("failed aborting previous worker", "previous", prev.id, "error", err)
		}
		<-prev.done
	}

	w.mu.Lock()
	if w.cancelled {
		w.state = WorkerCancelled
		w.mu.Unlock()
		return
	}
	w.state = WorkerRunning
	w.started = time.Now()
	w.mu.Unlock()

	err := w.call(fn)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished = time.Now()
	w.err = err
	switch {
	case w.cancelled || errors.Is(err, core.ErrCancelled):
		w.state = WorkerCancelled
	case err != nil:
		w.state = WorkerFailed
	default:
		w.state = WorkerCompleted
	}
	w.log.Debug("worker finished", "state", w.state.String(), "took", w.finished.Sub(w.started))
}

func (w *Worker) call(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(w.ctx)
}
