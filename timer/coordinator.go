// Package timer enforces the single-active-timer rule: at most one running
// session per owner, started against an existing, uncompleted task, and
// promoted to an immutable session record on stop.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"todo-timer/domain"
	"todo-timer/storage"
)

var (
	// ErrAlreadyRunning rejects a start while a session is running for the
	// owner. The rejection never queues or replaces the running session.
	ErrAlreadyRunning = errors.New("timer: a session is already running for this owner")
	// ErrTaskNotFound rejects starting a timer on a nonexistent task.
	ErrTaskNotFound = errors.New("timer: task does not exist")
	// ErrTaskCompleted rejects starting a timer on a completed task.
	ErrTaskCompleted = errors.New("timer: task is completed")
	// ErrNotOwner rejects starting a timer on another owner's task.
	ErrNotOwner = errors.New("timer: task belongs to a different owner")
)

// Storage abstracts the store operations the coordinator composes.
type Storage interface {
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	ActiveSession(ctx context.Context, ownerID string) (domain.ActiveSession, error)
	PutActiveSession(ctx context.Context, sess domain.ActiveSession) (domain.ActiveSession, error)
	DeleteActiveSession(ctx context.Context, ownerID string) error
	InsertRecord(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error)
	DeleteRecordsByOwner(ctx context.Context, ownerID string) error
}

// Coordinator drives the Idle/Running state machine for each owner. The
// check-then-act sequences in Start and Stop hold a per-owner lock so a rapid
// double invocation cannot slip past the state check.
type Coordinator struct {
	store  Storage
	logger *log.Logger
	now    func() time.Time
	locks  sync.Map // ownerID -> *sync.Mutex
}

// New creates a coordinator over the given storage.
func New(store Storage, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{store: store, logger: logger, now: time.Now}
}

// SetClock overrides the time source, used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Coordinator) ownerLock(ownerID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(ownerID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Start transitions the owner from Idle to Running against the given task.
// It performs no mutation on any failure path: a running session, a missing,
// foreign or completed task all leave the store untouched.
func (c *Coordinator) Start(ctx context.Context, ownerID string, taskID int64) (domain.ActiveSession, error) {
	mu := c.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	task, err := c.store.GetTask(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ActiveSession{}, ErrTaskNotFound
	}
	if err != nil {
		return domain.ActiveSession{}, err
	}
	if task.OwnerID != ownerID {
		return domain.ActiveSession{}, ErrNotOwner
	}
	if task.Completed {
		return domain.ActiveSession{}, ErrTaskCompleted
	}

	sess, err := c.store.PutActiveSession(ctx, domain.ActiveSession{
		OwnerID:   ownerID,
		TodoID:    task.ID,
		TodoTitle: task.Title,
		StartedAt: c.now(),
	})
	if errors.Is(err, storage.ErrTimerRunning) {
		return domain.ActiveSession{}, ErrAlreadyRunning
	}
	if err != nil {
		return domain.ActiveSession{}, err
	}

	c.logger.WithFields(log.Fields{"owner": ownerID, "task": task.ID}).Info("timer started")
	return sess, nil
}

// Active returns the owner's running session, if any. The boolean reports
// whether the owner is Running.
func (c *Coordinator) Active(ctx context.Context, ownerID string) (domain.ActiveSession, bool, error) {
	sess, err := c.store.ActiveSession(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ActiveSession{}, false, nil
	}
	if err != nil {
		return domain.ActiveSession{}, false, err
	}
	return sess, true, nil
}

// Elapsed recomputes whole seconds since the running session started. It is
// idempotent and never mutates the session; a display tick may call it as
// often as it likes without accumulating drift.
func (c *Coordinator) Elapsed(ctx context.Context, ownerID string) (int64, bool, error) {
	sess, running, err := c.Active(ctx, ownerID)
	if err != nil || !running {
		return 0, running, err
	}
	return sess.Elapsed(c.now()), true, nil
}

// Stop finalizes the running session: it writes a session record carrying the
// floored duration and the task title snapshot, then deletes the in-progress
// session. Stopping while Idle is a no-op returning a nil record.
//
// The two sub-operations are not atomic; if the delete fails the record is
// already durable and the leftover session surfaces as resumable on next load.
func (c *Coordinator) Stop(ctx context.Context, ownerID string) (*domain.SessionRecord, error) {
	mu := c.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := c.store.ActiveSession(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := c.now()
	todoID := sess.TodoID
	rec, err := c.store.InsertRecord(ctx, domain.SessionRecord{
		Duration:  sess.Elapsed(now),
		CreatedAt: now,
		OwnerID:   ownerID,
		TodoID:    &todoID,
		TodoTitle: sess.TodoTitle,
	})
	if err != nil {
		return nil, err
	}

	if err := c.store.DeleteActiveSession(ctx, ownerID); err != nil {
		c.logger.WithFields(log.Fields{
			"owner": ownerID,
			"error": err.Error(),
		}).Warn("session record written but in-progress session not deleted")
		return &rec, err
	}

	c.logger.WithFields(log.Fields{
		"owner":    ownerID,
		"task":     sess.TodoID,
		"duration": rec.Duration,
	}).Info("timer stopped")
	return &rec, nil
}

// ResetAll forcibly deletes the owner's in-progress session and every session
// record. It is the only cancellation primitive; the owner ends up Idle.
func (c *Coordinator) ResetAll(ctx context.Context, ownerID string) error {
	mu := c.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.store.DeleteActiveSession(ctx, ownerID); err != nil {
		return err
	}
	if err := c.store.DeleteRecordsByOwner(ctx, ownerID); err != nil {
		return err
	}
	c.logger.WithField("owner", ownerID).Info("timer data reset")
	return nil
}
