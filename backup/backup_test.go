package backup

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

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	due := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if _, err := store.AddTask(ctx, "ann", "Buy milk", &due); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := store.AddTask(ctx, "ann", "Walk dog", nil); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := store.InsertRecord(ctx, domain.SessionRecord{OwnerID: "ann", Duration: 65, TodoTitle: "Walk dog"}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	payload, err := Export(ctx, store, "ann")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if payload.Version != Version || payload.UserName != "ann" {
		t.Fatalf("unexpected payload header: %+v", payload)
	}
	data, err := Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Import into a fresh store reproduces the data sets.
	fresh := newTestStore(t)
	owner, err := Import(ctx, fresh, data, logger)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if owner != "ann" {
		t.Fatalf("expected owner ann, got %q", owner)
	}

	tasks, err := fresh.TasksByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Title != "Buy milk" || tasks[1].Title != "Walk dog" {
		t.Fatalf("unexpected imported tasks: %+v", tasks)
	}
	if tasks[0].DueDate == nil || !tasks[0].DueDate.Equal(due) {
		t.Fatalf("due date lost on round trip: %+v", tasks[0])
	}
	if tasks[0].Order != 0 || tasks[1].Order != 1 {
		t.Fatalf("manual order lost on round trip: %+v", tasks)
	}

	records, err := fresh.RecordsByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Duration != 65 || records[0].TodoTitle != "Walk dog" {
		t.Fatalf("unexpected imported records: %+v", records)
	}
}

func TestImportReplacesExistingData(t *testing.T) {
	store := newTestStore(t)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	if _, err := store.AddTask(ctx, "ann", "stale", nil); err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := store.InsertRecord(ctx, domain.SessionRecord{OwnerID: "ann", Duration: 5}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	data, err := Encode(Payload{
		Version:  Version,
		UserName: "ann",
		Todos: []domain.Task{
			{Title: "fresh", OwnerID: "ann", CreatedAt: time.Now()},
		},
		TimerRecords: []domain.SessionRecord{},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := Import(ctx, store, data, logger); err != nil {
		t.Fatalf("import: %v", err)
	}

	tasks, err := store.TasksByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "fresh" {
		t.Fatalf("expected import to replace existing tasks, got %+v", tasks)
	}
	records, err := store.RecordsByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected existing records cleared, got %+v", records)
	}
}

func TestImportReassignsOwnership(t *testing.T) {
	store := newTestStore(t)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	data, err := Encode(Payload{
		Version:  Version,
		UserName: "bea",
		Todos: []domain.Task{
			{Title: "carried over", OwnerID: "someone-else", CreatedAt: time.Now()},
		},
		TimerRecords: []domain.SessionRecord{
			{OwnerID: "someone-else", Duration: 42, CreatedAt: time.Now()},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	owner, err := Import(ctx, store, data, logger)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if owner != "bea" {
		t.Fatalf("expected owner bea, got %q", owner)
	}

	tasks, err := store.TasksByOwner(ctx, "bea")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the entry re-owned by bea, got %+v", tasks)
	}
	records, err := store.RecordsByOwner(ctx, "bea")
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].Duration != 42 {
		t.Fatalf("expected the record re-owned by bea, got %+v", records)
	}
}

func TestImportRejectsInvalidFilesWithoutMutation(t *testing.T) {
	store := newTestStore(t)
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	if _, err := store.AddTask(ctx, "ann", "keep me", nil); err != nil {
		t.Fatalf("add task: %v", err)
	}

	invalid := [][]byte{
		[]byte("not json at all"),
		[]byte(`{}`),
		[]byte(`{"version":"2.5.0","userName":"ann","todos":[]}`),
		[]byte(`{"version":"2.5.0","userName":"ann","timerRecords":[]}`),
		[]byte(`{"version":"2.5.0","todos":[],"timerRecords":[]}`),
		[]byte(`{"userName":"ann","todos":[],"timerRecords":[]}`),
		[]byte(`{"version":"","userName":"ann","todos":[],"timerRecords":[]}`),
	}
	for _, data := range invalid {
		if _, err := Import(ctx, store, data, logger); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("expected ErrInvalidFormat for %s, got %v", data, err)
		}
	}

	tasks, err := store.TasksByOwner(ctx, "ann")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "keep me" {
		t.Fatalf("rejected imports must not mutate, got %+v", tasks)
	}
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	data := []byte(`{"version":"3.0.0","userName":"ann","todos":[],"timerRecords":[],"futureField":{"nested":true}}`)
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Version != "3.0.0" || p.UserName != "ann" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestFilename(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)
	if got := Filename("ann", now); got != "todo-timer-backup-ann-2024-03-01.json" {
		t.Fatalf("unexpected filename: %q", got)
	}
}
