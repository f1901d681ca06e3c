package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroOrder(t *testing.T) {
	task := Task{ID: 1, Title: "Title", OwnerID: "ann", Order: 0}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"order\":0") {
		t.Fatalf("expected order field to be present, got %s", payload)
	}
}

func TestTaskGroupDatePrefersDueDate(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	due := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	task := Task{Title: "t", CreatedAt: created}
	if got := task.GroupDate(); !got.Equal(created) {
		t.Fatalf("expected createdAt %v, got %v", created, got)
	}

	task.DueDate = &due
	if got := task.GroupDate(); !got.Equal(due) {
		t.Fatalf("expected dueDate %v, got %v", due, got)
	}
}

func TestActiveSessionElapsedFloorsToSeconds(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := ActiveSession{StartedAt: start}

	if got := s.Elapsed(start.Add(65*time.Second + 900*time.Millisecond)); got != 65 {
		t.Fatalf("expected 65 elapsed seconds, got %d", got)
	}
	if got := s.Elapsed(start.Add(-time.Second)); got != 0 {
		t.Fatalf("expected clamped zero for negative elapsed, got %d", got)
	}
}
