package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"todo-timer/domain"
)

// Collection names used for change notifications and cache keys.
const (
	CollectionTasks       = "todos"
	CollectionRecords     = "timerRecords"
	CollectionActiveTimer = "activeTimer"
)

var (
	// ErrNotFound is returned by point lookups for a missing identity.
	ErrNotFound = errors.New("storage: not found")
	// ErrEmptyTitle rejects task creation with a blank title before any mutation.
	ErrEmptyTitle = errors.New("storage: task title must not be empty")
	// ErrTimerRunning is returned when an in-progress session already exists for
	// the owner. Uniqueness is also enforced by a UNIQUE index on owner_id.
	ErrTimerRunning = errors.New("storage: timer already running for owner")
)

// Notifier receives a change event for a collection after each committed
// mutation. The live query engine implements it.
type Notifier interface {
	Publish(collection string)
}

// Store provides durable keyed collections for tasks, session records and the
// per-owner in-progress session, backed by an embedded sqlite database.
type Store struct {
	db       *sql.DB
	logger   *log.Logger
	now      func() time.Time
	writeMu  sync.Mutex
	notifyMu sync.RWMutex
	notifier Notifier
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// Single connection: the store is single-writer by convention and this
	// avoids SQLITE_BUSY on interleaved transactions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	logger.WithField("path", path).Debug("store opened")
	return s, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS todos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			due_date TEXT,
			position INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_owner ON todos(owner_id)`,
		`CREATE TABLE IF NOT EXISTS timer_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			duration INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			todo_id INTEGER,
			todo_title TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timer_records_owner ON timer_records(owner_id)`,
		`CREATE TABLE IF NOT EXISTS active_timers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL UNIQUE,
			todo_id INTEGER NOT NULL,
			todo_title TEXT NOT NULL,
			started_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNotifier registers the change listener invoked after every commit.
func (s *Store) SetNotifier(n Notifier) {
	s.notifyMu.Lock()
	s.notifier = n
	s.notifyMu.Unlock()
}

// SetClock overrides the time source, used by tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) notify(collections ...string) {
	s.notifyMu.RLock()
	n := s.notifier
	s.notifyMu.RUnlock()
	if n == nil {
		return
	}
	for _, c := range collections {
		n.Publish(c)
	}
}

// AddTask inserts a new task for the owner. The task receives the next dense
// order value for that owner and completed defaults to false.
func (s *Store) AddTask(ctx context.Context, ownerID, title string, dueDate *time.Time) (task domain.Task, err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "todos.insert")
	defer func() { m.Log(err) }()

	title = strings.TrimSpace(title)
	if title == "" {
		err = ErrEmptyTitle
		return domain.Task{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	var position int
	if err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position)+1, 0) FROM todos WHERE owner_id = ?", ownerID,
	).Scan(&position); err != nil {
		return domain.Task{}, err
	}

	task = domain.Task{
		Title:     title,
		CreatedAt: s.now(),
		DueDate:   dueDate,
		Order:     position,
		OwnerID:   ownerID,
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO todos (owner_id, title, completed, created_at, due_date, position) VALUES (?, ?, 0, ?, ?, ?)",
		ownerID, task.Title, encodeTime(task.CreatedAt), encodeNullableTime(task.DueDate), task.Order,
	)
	if err != nil {
		return domain.Task{}, err
	}
	if task.ID, err = res.LastInsertId(); err != nil {
		return domain.Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	m.SetRows(1)
	s.notify(CollectionTasks)
	return task, nil
}

// GetTask returns the task with the given identity or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, title, completed, created_at, due_date, position FROM todos WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return task, err
}

// TasksByOwner returns all of an owner's tasks sorted by their manual order.
func (s *Store) TasksByOwner(ctx context.Context, ownerID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, title, completed, created_at, due_date, position FROM todos WHERE owner_id = ? ORDER BY position ASC",
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask applies a partial update. A missing identity is a benign no-op.
func (s *Store) UpdateTask(ctx context.Context, id int64, patch domain.TaskPatch) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "todos.update")
	defer func() { m.Log(err) }()

	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			err = ErrEmptyTitle
			return err
		}
		sets = append(sets, "title = ?")
		args = append(args, title)
	}
	if patch.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, boolToInt(*patch.Completed))
	}
	if patch.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, encodeTime(*patch.DueDate))
	}
	if patch.Order != nil {
		sets = append(sets, "position = ?")
		args = append(args, *patch.Order)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE todos SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	m.SetRows(rows)
	if rows > 0 {
		s.notify(CollectionTasks)
	}
	return nil
}

// DeleteTask removes a task. Session records referencing it keep their title
// snapshot but the back-reference is cleared. Missing identity is a no-op.
func (s *Store) DeleteTask(ctx context.Context, id int64) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "todos.delete")
	defer func() { m.Log(err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM todos WHERE id = ?", id)
	if err != nil {
		return err
	}
	deleted, _ := res.RowsAffected()
	cleared := int64(0)
	if deleted > 0 {
		res, err = tx.ExecContext(ctx, "UPDATE timer_records SET todo_id = NULL WHERE todo_id = ?", id)
		if err != nil {
			return err
		}
		cleared, _ = res.RowsAffected()
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	m.SetRows(deleted)
	if deleted > 0 {
		s.notify(CollectionTasks)
		if cleared > 0 {
			s.notify(CollectionRecords)
		}
	}
	return nil
}

// Reorder assigns each listed task its zero-based position in ids as one
// transaction. Tasks not listed keep their prior positions, so callers must
// pass the owner's complete task set to preserve density. Identities that do
// not belong to the owner are skipped.
func (s *Store) Reorder(ctx context.Context, ownerID string, ids []int64) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "todos.reorder")
	defer func() { m.Log(err) }()

	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE todos SET position = ? WHERE id = ? AND owner_id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	var updated int64
	for i, id := range ids {
		res, execErr := stmt.ExecContext(ctx, i, id, ownerID)
		if execErr != nil {
			err = execErr
			return err
		}
		n, _ := res.RowsAffected()
		updated += n
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	m.SetRows(updated)
	if updated > 0 {
		s.notify(CollectionTasks)
	}
	return nil
}

// InsertRecord appends a completed session record and returns it with its
// assigned identity.
func (s *Store) InsertRecord(ctx context.Context, rec domain.SessionRecord) (out domain.SessionRecord, err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "timerRecords.insert")
	defer func() { m.Log(err) }()

	if rec.Duration < 0 {
		rec.Duration = 0
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO timer_records (owner_id, duration, created_at, todo_id, todo_title) VALUES (?, ?, ?, ?, ?)",
		rec.OwnerID, rec.Duration, encodeTime(rec.CreatedAt), nullableID(rec.TodoID), rec.TodoTitle,
	)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return domain.SessionRecord{}, err
	}

	m.SetRows(1)
	s.notify(CollectionRecords)
	return rec, nil
}

// RecordsByOwner returns an owner's session records, newest first.
func (s *Store) RecordsByOwner(ctx context.Context, ownerID string) ([]domain.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, duration, created_at, todo_id, todo_title FROM timer_records WHERE owner_id = ? ORDER BY created_at DESC, id DESC",
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.SessionRecord{}
	for rows.Next() {
		var (
			rec       domain.SessionRecord
			createdAt string
			todoID    sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Duration, &createdAt, &todoID, &rec.TodoTitle); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		if todoID.Valid {
			id := todoID.Int64
			rec.TodoID = &id
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ActiveSession returns the owner's in-progress session or ErrNotFound when idle.
func (s *Store) ActiveSession(ctx context.Context, ownerID string) (domain.ActiveSession, error) {
	var (
		sess      domain.ActiveSession
		startedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, todo_id, todo_title, started_at FROM active_timers WHERE owner_id = ?",
		ownerID,
	).Scan(&sess.ID, &sess.OwnerID, &sess.TodoID, &sess.TodoTitle, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ActiveSession{}, ErrNotFound
	}
	if err != nil {
		return domain.ActiveSession{}, err
	}
	if sess.StartedAt, err = decodeTime(startedAt); err != nil {
		return domain.ActiveSession{}, err
	}
	return sess, nil
}

// PutActiveSession creates the owner's in-progress session. It returns
// ErrTimerRunning when one already exists; the check and insert share a
// transaction and the UNIQUE index backs them up.
func (s *Store) PutActiveSession(ctx context.Context, sess domain.ActiveSession) (out domain.ActiveSession, err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "activeTimer.insert")
	defer func() { m.Log(err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActiveSession{}, err
	}
	defer tx.Rollback()

	var existing int
	if err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM active_timers WHERE owner_id = ?", sess.OwnerID,
	).Scan(&existing); err != nil {
		return domain.ActiveSession{}, err
	}
	if existing > 0 {
		err = ErrTimerRunning
		return domain.ActiveSession{}, err
	}

	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now()
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO active_timers (owner_id, todo_id, todo_title, started_at) VALUES (?, ?, ?, ?)",
		sess.OwnerID, sess.TodoID, sess.TodoTitle, encodeTime(sess.StartedAt),
	)
	if err != nil {
		return domain.ActiveSession{}, err
	}
	if sess.ID, err = res.LastInsertId(); err != nil {
		return domain.ActiveSession{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.ActiveSession{}, err
	}

	m.SetRows(1)
	s.notify(CollectionActiveTimer)
	return sess, nil
}

// DeleteActiveSession removes the owner's in-progress session, if any.
func (s *Store) DeleteActiveSession(ctx context.Context, ownerID string) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "activeTimer.delete")
	defer func() { m.Log(err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM active_timers WHERE owner_id = ?", ownerID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	m.SetRows(rows)
	if rows > 0 {
		s.notify(CollectionActiveTimer)
	}
	return nil
}

// DeleteRecordsByOwner removes all of an owner's session records.
func (s *Store) DeleteRecordsByOwner(ctx context.Context, ownerID string) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "timerRecords.deleteByOwner")
	defer func() { m.Log(err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM timer_records WHERE owner_id = ?", ownerID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	m.SetRows(rows)
	if rows > 0 {
		s.notify(CollectionRecords)
	}
	return nil
}

// DeleteOwnerData removes everything the owner has: tasks, session records and
// the in-progress session, in one transaction.
func (s *Store) DeleteOwnerData(ctx context.Context, ownerID string) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "owner.reset")
	defer func() { m.Log(err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var total int64
	for _, stmt := range []string{
		"DELETE FROM todos WHERE owner_id = ?",
		"DELETE FROM timer_records WHERE owner_id = ?",
		"DELETE FROM active_timers WHERE owner_id = ?",
	} {
		res, execErr := tx.ExecContext(ctx, stmt, ownerID)
		if execErr != nil {
			err = execErr
			return err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	m.SetRows(total)
	s.notify(CollectionTasks, CollectionRecords, CollectionActiveTimer)
	return nil
}

// BulkAddTasks inserts imported tasks verbatim except for identities, which
// the store reassigns. Used by backup import after the destructive phase.
func (s *Store) BulkAddTasks(ctx context.Context, tasks []domain.Task) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "todos.bulkInsert")
	defer func() { m.Log(err) }()

	if len(tasks) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO todos (owner_id, title, completed, created_at, due_date, position) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, task := range tasks {
		if _, err = stmt.ExecContext(ctx,
			task.OwnerID, task.Title, boolToInt(task.Completed),
			encodeTime(task.CreatedAt), encodeNullableTime(task.DueDate), task.Order,
		); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	m.SetRows(int64(len(tasks)))
	s.notify(CollectionTasks)
	return nil
}

// BulkAddRecords inserts imported session records, reassigning identities.
func (s *Store) BulkAddRecords(ctx context.Context, records []domain.SessionRecord) (err error) {
	m, ctx := newOpMetrics(ctx, s.logger, "timerRecords.bulkInsert")
	defer func() { m.Log(err) }()

	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO timer_records (owner_id, duration, created_at, todo_id, todo_title) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err = stmt.ExecContext(ctx,
			rec.OwnerID, rec.Duration, encodeTime(rec.CreatedAt), nullableID(rec.TodoID), rec.TodoTitle,
		); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	m.SetRows(int64(len(records)))
	s.notify(CollectionRecords)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		task      domain.Task
		completed int
		createdAt string
		dueDate   sql.NullString
	)
	if err := row.Scan(&task.ID, &task.OwnerID, &task.Title, &completed, &createdAt, &dueDate, &task.Order); err != nil {
		return domain.Task{}, err
	}
	task.Completed = completed == 1
	var err error
	if task.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.Task{}, err
	}
	if dueDate.Valid && dueDate.String != "" {
		due, err := decodeTime(dueDate.String)
		if err != nil {
			return domain.Task{}, err
		}
		task.DueDate = &due
	}
	return task, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	return t.Local(), nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
