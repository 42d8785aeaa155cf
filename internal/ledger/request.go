// Package ledger tracks one mentoring request per mentor and grants
// time-boxed session windows.
package ledger

import "time"

type Status string

const (
	Pending   Status = "pending"
	Accepted  Status = "accepted"
	Cancelled Status = "cancelled"
)

const (
	DefaultApprovalDelay   = 5 * time.Second
	DefaultSessionDuration = 60 * time.Minute
)

type MentorRequest struct {
	MentorID    string    `json:"mentor_id"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	WindowStart time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time `json:"window_end,omitempty"`

	seq uint64
}

// Active reports whether the request is accepted and now falls inside
// [WindowStart, WindowEnd).
func (r MentorRequest) Active(now time.Time) bool {
	if r.Status != Accepted {
		return false
	}
	return !now.Before(r.WindowStart) && now.Before(r.WindowEnd)
}

const (
	EventRequested = "requested"
	EventAccepted  = "accepted"
	EventCancelled = "cancelled"
)

type Event struct {
	Type    string        `json:"type"`
	Request MentorRequest `json:"request"`
}
