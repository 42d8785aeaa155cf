package ledger

import "time"

// Policy decides when a pending request is approved. Delay returns ok=false
// when the request waits for an explicit Accept instead.
type Policy interface {
	Delay(req MentorRequest) (d time.Duration, ok bool)
}

// FixedDelay approves every request after the same delay.
type FixedDelay time.Duration

func (f FixedDelay) Delay(MentorRequest) (time.Duration, bool) {
	if f < 0 {
		return 0, true
	}
	return time.Duration(f), true
}

// Manual never schedules approvals; mentors respond through Accept.
type Manual struct{}

func (Manual) Delay(MentorRequest) (time.Duration, bool) { return 0, false }
