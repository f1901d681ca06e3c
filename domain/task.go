package domain

import "time"

// Task represents a single todo item owned by one user.
type Task struct {
	ID        int64      `json:"id,omitempty"`
	Title     string     `json:"title"`
	Completed bool       `json:"completed"`
	CreatedAt time.Time  `json:"createdAt"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	Order     int        `json:"order"`
	OwnerID   string     `json:"userId"`
}

// TaskPatch describes a partial in-place update. Nil fields are left untouched.
type TaskPatch struct {
	Title     *string
	Completed *bool
	DueDate   *time.Time
	Order     *int
}

// GroupDate returns the date a task is bucketed under: the due date when one is
// set, the creation time otherwise.
func (t Task) GroupDate() time.Time {
	if t.DueDate != nil {
		return *t.DueDate
	}
	return t.CreatedAt
}
