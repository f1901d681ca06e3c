package timer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"todo-timer/domain"
	"todo-timer/storage"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logger), store
}

func TestStartStopScenario(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	milk, err := store.AddTask(ctx, "ann", "Buy milk", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	dog, err := store.AddTask(ctx, "ann", "Walk dog", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if milk.Order != 0 || dog.Order != 1 {
		t.Fatalf("unexpected initial orders: %d, %d", milk.Order, dog.Order)
	}

	if err := store.Reorder(ctx, "ann", []int64{dog.ID, milk.ID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	tasks, err := store.TasksByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if tasks[0].Title != "Walk dog" || tasks[0].Order != 0 || tasks[1].Title != "Buy milk" || tasks[1].Order != 1 {
		t.Fatalf("unexpected order after reorder: %+v", tasks)
	}

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return start })
	store.SetClock(func() time.Time { return start })

	if _, err := c.Start(ctx, "ann", dog.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	when := start.Add(65*time.Second + 400*time.Millisecond)
	c.SetClock(func() time.Time { return when })

	rec, err := c.Stop(ctx, "ann")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a session record")
	}
	if rec.Duration != 65 {
		t.Fatalf("expected floored duration 65, got %d", rec.Duration)
	}
	if rec.TodoTitle != "Walk dog" {
		t.Fatalf("expected title snapshot, got %q", rec.TodoTitle)
	}

	records, err := store.RecordsByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	if _, running, err := c.Active(ctx, "ann"); err != nil || running {
		t.Fatalf("expected idle after stop, running=%v err=%v", running, err)
	}
}

func TestDoubleStartIsRejected(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	a, err := store.AddTask(ctx, "ann", "task A", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	b, err := store.AddTask(ctx, "ann", "task B", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	if _, err := c.Start(ctx, "ann", a.ID); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := c.Start(ctx, "ann", b.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	sess, running, err := c.Active(ctx, "ann")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if !running || sess.TodoID != a.ID {
		t.Fatalf("expected the first session to survive, got %+v running=%v", sess, running)
	}
}

func TestStartValidatesTask(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Start(ctx, "ann", 404); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	done, err := store.AddTask(ctx, "ann", "done already", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	completed := true
	if err := store.UpdateTask(ctx, done.ID, domain.TaskPatch{Completed: &completed}); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if _, err := c.Start(ctx, "ann", done.ID); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected ErrTaskCompleted, got %v", err)
	}

	foreign, err := store.AddTask(ctx, "bob", "not yours", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := c.Start(ctx, "ann", foreign.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	// None of the rejections may have created a session.
	if _, running, err := c.Active(ctx, "ann"); err != nil || running {
		t.Fatalf("expected idle after rejected starts, running=%v err=%v", running, err)
	}
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	rec, err := c.Stop(ctx, "ann")
	if err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
	records, err := store.RecordsByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("idle stop must not create records, got %d", len(records))
	}
}

func TestElapsedDerivesFromStartTime(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	task, err := store.AddTask(ctx, "ann", "tick", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return start })
	if _, err := c.Start(ctx, "ann", task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Repeated ticks are idempotent: elapsed depends only on the clock.
	c.SetClock(func() time.Time { return start.Add(10 * time.Second) })
	for i := 0; i < 3; i++ {
		elapsed, running, err := c.Elapsed(ctx, "ann")
		if err != nil || !running {
			t.Fatalf("elapsed: running=%v err=%v", running, err)
		}
		if elapsed != 10 {
			t.Fatalf("expected 10s elapsed, got %d", elapsed)
		}
	}
}

func TestResetAllClearsSessionsAndRecords(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	task, err := store.AddTask(ctx, "ann", "work", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := c.Start(ctx, "ann", task.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.InsertRecord(ctx, domain.SessionRecord{OwnerID: "ann", Duration: 10}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	if err := c.ResetAll(ctx, "ann"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, running, err := c.Active(ctx, "ann"); err != nil || running {
		t.Fatalf("expected idle after reset, running=%v err=%v", running, err)
	}
	records, err := store.RecordsByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records after reset, got %d", len(records))
	}
}

type stubStorage struct {
	getTaskFn             func(ctx context.Context, id int64) (domain.Task, error)
	activeSessionFn       func(ctx context.Context, ownerID string) (domain.ActiveSession, error)
	putActiveSessionFn    func(ctx context.Context, sess domain.ActiveSession) (domain.ActiveSession, error)
	deleteActiveSessionFn func(ctx context.Context, ownerID string) error
	insertRecordFn        func(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error)
	deleteRecordsFn       func(ctx context.Context, ownerID string) error
}

func (s *stubStorage) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return s.getTaskFn(ctx, id)
}

func (s *stubStorage) ActiveSession(ctx context.Context, ownerID string) (domain.ActiveSession, error) {
	return s.activeSessionFn(ctx, ownerID)
}

func (s *stubStorage) PutActiveSession(ctx context.Context, sess domain.ActiveSession) (domain.ActiveSession, error) {
	return s.putActiveSessionFn(ctx, sess)
}

func (s *stubStorage) DeleteActiveSession(ctx context.Context, ownerID string) error {
	return s.deleteActiveSessionFn(ctx, ownerID)
}

func (s *stubStorage) InsertRecord(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error) {
	return s.insertRecordFn(ctx, rec)
}

func (s *stubStorage) DeleteRecordsByOwner(ctx context.Context, ownerID string) error {
	return s.deleteRecordsFn(ctx, ownerID)
}

func TestStopSurvivesDeleteFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("disk gone")
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	var inserted *domain.SessionRecord
	stub := &stubStorage{
		activeSessionFn: func(ctx context.Context, ownerID string) (domain.ActiveSession, error) {
			return domain.ActiveSession{OwnerID: ownerID, TodoID: 7, TodoTitle: "t", StartedAt: start}, nil
		},
		insertRecordFn: func(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error) {
			rec.ID = 1
			inserted = &rec
			return rec, nil
		},
		deleteActiveSessionFn: func(ctx context.Context, ownerID string) error {
			return boom
		},
	}

	c := New(stub, logger)
	c.SetClock(func() time.Time { return start.Add(30 * time.Second) })

	rec, err := c.Stop(context.Background(), "ann")
	if !errors.Is(err, boom) {
		t.Fatalf("expected the delete failure surfaced, got %v", err)
	}
	if rec == nil || inserted == nil {
		t.Fatal("the record must be durable even when the delete fails")
	}
	if rec.Duration != 30 {
		t.Fatalf("expected 30s duration, got %d", rec.Duration)
	}
}
