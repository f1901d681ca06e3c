package domain

import "time"

// SessionRecord is a completed timing session. Records are immutable once
// written; the title snapshot lets history survive task deletion and renames.
type SessionRecord struct {
	ID        int64     `json:"id,omitempty"`
	Duration  int64     `json:"duration"`
	CreatedAt time.Time `json:"createdAt"`
	OwnerID   string    `json:"userId"`
	TodoID    *int64    `json:"todoId,omitempty"`
	TodoTitle string    `json:"todoTitle,omitempty"`
}

// ActiveSession is the at-most-one-per-owner in-progress timing session.
// Elapsed time is always derived from StartedAt, never stored.
type ActiveSession struct {
	ID        int64     `json:"id,omitempty"`
	OwnerID   string    `json:"userId"`
	TodoID    int64     `json:"todoId"`
	TodoTitle string    `json:"todoTitle"`
	StartedAt time.Time `json:"startTime"`
}

// Elapsed returns whole seconds since the session started, floored.
func (s ActiveSession) Elapsed(now time.Time) int64 {
	d := now.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
