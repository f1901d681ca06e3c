// Package views derives day-partitioned groupings, totals, filtered lists and
// pages from store contents. Everything here is stateless and recomputed on
// demand; live query re-evaluation calls straight into these helpers.
package views

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"todo-timer/domain"
)

// Status selects tasks by completion state.
type Status string

const (
	StatusAll       Status = "all"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// TaskFilter combines the independent task predicates. Filters commute: the
// result is the same regardless of evaluation order.
type TaskFilter struct {
	Status Status
	Search string     // case-insensitive substring match on title
	Day    *time.Time // exact calendar-day match on due/created date
}

// FilterTasks returns the tasks matching every predicate, preserving input order.
func FilterTasks(tasks []domain.Task, f TaskFilter) []domain.Task {
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := []domain.Task{}
	for _, task := range tasks {
		switch f.Status {
		case StatusActive:
			if task.Completed {
				continue
			}
		case StatusCompleted:
			if !task.Completed {
				continue
			}
		}
		if search != "" && !strings.Contains(strings.ToLower(task.Title), search) {
			continue
		}
		if f.Day != nil && !SameDay(task.GroupDate(), *f.Day) {
			continue
		}
		out = append(out, task)
	}
	return out
}

// SortTasks orders tasks by their manual order, ascending.
func SortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
}

// SortRecords orders session records newest first.
func SortRecords(records []domain.SessionRecord) {
	sort.SliceStable(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
}

// Page returns the 1-based page of items and the total page count for the
// given fixed page size.
func Page[T any](items []T, page, size int) ([]T, int) {
	if size <= 0 {
		return items, 1
	}
	pages := (len(items) + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}, pages
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], pages
}

// DayKey formats a timestamp as its local calendar-day bucket key.
func DayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

// SameDay reports whether both timestamps fall on the same local calendar day.
func SameDay(a, b time.Time) bool {
	al, bl := a.Local(), b.Local()
	return al.Year() == bl.Year() && al.Month() == bl.Month() && al.Day() == bl.Day()
}

// GroupTasksByDay partitions tasks by calendar day. A task's due date takes
// precedence over its creation time for bucketing.
func GroupTasksByDay(tasks []domain.Task) map[string][]domain.Task {
	groups := make(map[string][]domain.Task)
	for _, task := range tasks {
		key := DayKey(task.GroupDate())
		groups[key] = append(groups[key], task)
	}
	return groups
}

// TasksForDay returns the tasks bucketed under the given calendar day.
func TasksForDay(tasks []domain.Task, day time.Time) []domain.Task {
	out := []domain.Task{}
	for _, task := range tasks {
		if SameDay(task.GroupDate(), day) {
			out = append(out, task)
		}
	}
	return out
}

// RecordsForDay returns the session records created on the given calendar day.
func RecordsForDay(records []domain.SessionRecord, day time.Time) []domain.SessionRecord {
	out := []domain.SessionRecord{}
	for _, rec := range records {
		if SameDay(rec.CreatedAt, day) {
			out = append(out, rec)
		}
	}
	return out
}

// TotalDuration sums record durations in seconds; zero for an empty subset.
func TotalDuration(records []domain.SessionRecord) int64 {
	var total int64
	for _, rec := range records {
		total += rec.Duration
	}
	return total
}

// DaySummary is the payload an end-of-day renderer consumes: task counts,
// total tracked time and the day's task list.
type DaySummary struct {
	Owner          string                 `json:"userName"`
	Date           time.Time              `json:"date"`
	TotalTasks     int                    `json:"totalTasks"`
	CompletedTasks int                    `json:"completedTasks"`
	TotalDuration  int64                  `json:"totalDuration"`
	Tasks          []domain.Task          `json:"tasks"`
	Records        []domain.SessionRecord `json:"records"`
}

// BuildDaySummary derives the summary for one owner and calendar day from the
// full task and record sets.
func BuildDaySummary(owner string, day time.Time, tasks []domain.Task, records []domain.SessionRecord) DaySummary {
	dayTasks := TasksForDay(tasks, day)
	dayRecords := RecordsForDay(records, day)
	completed := 0
	for _, task := range dayTasks {
		if task.Completed {
			completed++
		}
	}
	return DaySummary{
		Owner:          owner,
		Date:           day,
		TotalTasks:     len(dayTasks),
		CompletedTasks: completed,
		TotalDuration:  TotalDuration(dayRecords),
		Tasks:          dayTasks,
		Records:        dayRecords,
	}
}

// FormatDuration renders whole seconds as HH:MM:SS.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
