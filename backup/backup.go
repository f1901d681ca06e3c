// Package backup implements the JSON backup file: export of one owner's
// tasks and session records, and the destructive-then-additive import that
// replaces the owner's data wholesale.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"todo-timer/domain"
)

// Version is written into every export. Mirrors the last released app version
// that produced this format.
const Version = "2.5.0"

// ErrInvalidFormat is surfaced to the user when a backup file is missing any
// required field. Nothing is mutated in that case.
var ErrInvalidFormat = errors.New("backup: invalid backup file format")

// Payload is the backup file layout.
type Payload struct {
	Version      string                 `json:"version"`
	UserName     string                 `json:"userName"`
	ExportDate   time.Time              `json:"exportDate"`
	Todos        []domain.Task          `json:"todos"`
	TimerRecords []domain.SessionRecord `json:"timerRecords"`
}

// Storage abstracts the store operations backup needs.
type Storage interface {
	TasksByOwner(ctx context.Context, ownerID string) ([]domain.Task, error)
	RecordsByOwner(ctx context.Context, ownerID string) ([]domain.SessionRecord, error)
	DeleteOwnerData(ctx context.Context, ownerID string) error
	BulkAddTasks(ctx context.Context, tasks []domain.Task) error
	BulkAddRecords(ctx context.Context, records []domain.SessionRecord) error
}

// Export collects the owner's data into a backup payload.
func Export(ctx context.Context, store Storage, ownerID string) (Payload, error) {
	tasks, err := store.TasksByOwner(ctx, ownerID)
	if err != nil {
		return Payload{}, fmt.Errorf("export tasks: %w", err)
	}
	records, err := store.RecordsByOwner(ctx, ownerID)
	if err != nil {
		return Payload{}, fmt.Errorf("export records: %w", err)
	}
	return Payload{
		Version:      Version,
		UserName:     ownerID,
		ExportDate:   time.Now(),
		Todos:        tasks,
		TimerRecords: records,
	}, nil
}

// Encode renders a payload as indented JSON.
func Encode(p Payload) ([]byte, error) {
	return sonic.MarshalIndent(p, "", "  ")
}

// Decode parses and validates a backup file. Presence of version, userName,
// todos and timerRecords is required; unknown fields from newer app versions
// are tolerated.
func Decode(data []byte) (Payload, error) {
	var raw struct {
		Version      *string                 `json:"version"`
		UserName     *string                 `json:"userName"`
		ExportDate   *time.Time              `json:"exportDate"`
		Todos        *[]domain.Task          `json:"todos"`
		TimerRecords *[]domain.SessionRecord `json:"timerRecords"`
	}
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if raw.Version == nil || *raw.Version == "" ||
		raw.UserName == nil || *raw.UserName == "" ||
		raw.Todos == nil || raw.TimerRecords == nil {
		return Payload{}, ErrInvalidFormat
	}

	p := Payload{
		Version:      *raw.Version,
		UserName:     *raw.UserName,
		Todos:        *raw.Todos,
		TimerRecords: *raw.TimerRecords,
	}
	if raw.ExportDate != nil {
		p.ExportDate = *raw.ExportDate
	}
	return p, nil
}

// Import replaces the target owner's data with the payload's contents:
// validation first, then delete of all existing tasks, records and any
// in-progress session, then bulk insert of the imported collections. It
// returns the owner the caller must switch the active identity to.
func Import(ctx context.Context, store Storage, data []byte, logger *log.Logger) (string, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	p, err := Decode(data)
	if err != nil {
		return "", err
	}

	// Imported entries are re-owned by the payload's user regardless of the
	// userId they carried; identities are reassigned by the store.
	for i := range p.Todos {
		p.Todos[i].OwnerID = p.UserName
	}
	for i := range p.TimerRecords {
		p.TimerRecords[i].OwnerID = p.UserName
	}

	if err := store.DeleteOwnerData(ctx, p.UserName); err != nil {
		return "", fmt.Errorf("clear existing data: %w", err)
	}
	if err := store.BulkAddTasks(ctx, p.Todos); err != nil {
		return "", fmt.Errorf("import tasks: %w", err)
	}
	if err := store.BulkAddRecords(ctx, p.TimerRecords); err != nil {
		return "", fmt.Errorf("import records: %w", err)
	}

	logger.WithFields(log.Fields{
		"owner":   p.UserName,
		"tasks":   len(p.Todos),
		"records": len(p.TimerRecords),
		"version": p.Version,
	}).Info("backup imported")
	return p.UserName, nil
}

// Filename returns the conventional backup file name for an owner.
func Filename(ownerID string, now time.Time) string {
	return fmt.Sprintf("todo-timer-backup-%s-%s.json", ownerID, now.Format("2006-01-02"))
}
