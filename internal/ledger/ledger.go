package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ledger holds at most one request per mentor. The earliest pending request
// is approved by a single outstanding timer; the timer re-checks its target
// when it fires, so a cancel that races the approval wins.
//
// No operation returns an error: unknown or empty mentor IDs are absorbed.
type Ledger struct {
	mu       sync.Mutex
	clock    Clock
	policy   Policy
	duration time.Duration
	log      zerolog.Logger

	requests map[string]*MentorRequest
	seq      uint64

	timer    Timer
	timerGen uint64
	timerFor string

	listeners map[chan Event]struct{}
	closed    bool
}

type Option func(*Ledger)

func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithPolicy(p Policy) Option { return func(l *Ledger) { l.policy = p } }

func WithSessionDuration(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.duration = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option { return func(l *Ledger) { l.log = log } }

func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:     SystemClock(),
		policy:    FixedDelay(DefaultApprovalDelay),
		duration:  DefaultSessionDuration,
		log:       zerolog.Nop(),
		requests:  map[string]*MentorRequest{},
		listeners: map[chan Event]struct{}{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Request records a pending request for mentorID. A request that is already
// pending or accepted is left untouched.
func (l *Ledger) Request(mentorID string) {
	if mentorID == "" {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, ok := l.requests[mentorID]; ok {
		l.mu.Unlock()
		return
	}
	l.seq++
	r := &MentorRequest{
		MentorID:  mentorID,
		Status:    Pending,
		CreatedAt: l.clock.Now(),
		seq:       l.seq,
	}
	l.requests[mentorID] = r
	events := []Event{{Type: EventRequested, Request: *r}}
	l.scheduleLocked()
	l.mu.Unlock()

	l.log.Info().Str("mentor", mentorID).Msg("request created")
	l.publish(events)
}

// Cancel removes the request for mentorID whatever its status.
func (l *Ledger) Cancel(mentorID string) {
	l.mu.Lock()
	r, ok := l.requests[mentorID]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.requests, mentorID)
	if l.timer != nil && l.timerFor == mentorID {
		l.stopTimerLocked()
		l.scheduleLocked()
	}
	gone := *r
	gone.Status = Cancelled
	l.mu.Unlock()

	l.log.Info().Str("mentor", mentorID).Msg("request cancelled")
	l.publish([]Event{{Type: EventCancelled, Request: gone}})
}

// Accept grants a pending request immediately, as when the mentor answers
// out of band. It reports whether a request was granted.
func (l *Ledger) Accept(mentorID string) bool {
	l.mu.Lock()
	r, ok := l.requests[mentorID]
	if !ok || r.Status != Pending {
		l.mu.Unlock()
		return false
	}
	ev := l.grantLocked(r)
	if l.timer != nil && l.timerFor == mentorID {
		l.stopTimerLocked()
	}
	l.scheduleLocked()
	l.mu.Unlock()

	l.publish([]Event{ev})
	return true
}

// ListActive returns a copy of every request keyed by mentor ID.
func (l *Ledger) ListActive() map[string]MentorRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]MentorRequest, len(l.requests))
	for id, r := range l.requests {
		out[id] = *r
	}
	return out
}

func (l *Ledger) Get(mentorID string) (MentorRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.requests[mentorID]
	if !ok {
		return MentorRequest{}, false
	}
	return *r, true
}

// WindowActive reports whether mentorID has an accepted request whose window
// contains now.
func (l *Ledger) WindowActive(mentorID string, now time.Time) bool {
	r, ok := l.Get(mentorID)
	return ok && r.Active(now)
}

// Subscribe returns a channel of ledger changes. Slow readers miss events.
func (l *Ledger) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	l.mu.Lock()
	l.listeners[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Close stops the approval timer. Requests stay readable.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.stopTimerLocked()
}

// scheduleLocked arms the approval timer for the earliest pending request
// the policy schedules, unless a timer is already outstanding. Requests the
// policy leaves for Accept are skipped.
func (l *Ledger) scheduleLocked() {
	if l.timer != nil || l.closed {
		return
	}
	pending := make([]*MentorRequest, 0, len(l.requests))
	for _, r := range l.requests {
		if r.Status == Pending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	var (
		next  *MentorRequest
		delay time.Duration
	)
	for _, r := range pending {
		if d, ok := l.policy.Delay(*r); ok {
			next, delay = r, d
			break
		}
	}
	if next == nil {
		return
	}

	l.timerGen++
	gen, id, seq := l.timerGen, next.MentorID, next.seq
	l.timerFor = id
	l.timer = l.clock.AfterFunc(delay, func() { l.fire(gen, id, seq) })
	l.log.Debug().Str("mentor", id).Dur("delay", delay).Msg("approval scheduled")
}

func (l *Ledger) fire(gen uint64, mentorID string, seq uint64) {
	l.mu.Lock()
	if gen != l.timerGen || l.timer == nil {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.timerFor = ""

	var events []Event
	if r, ok := l.requests[mentorID]; ok && r.Status == Pending && r.seq == seq {
		events = append(events, l.grantLocked(r))
	}
	l.scheduleLocked()
	l.mu.Unlock()

	l.publish(events)
}

func (l *Ledger) grantLocked(r *MentorRequest) Event {
	now := l.clock.Now()
	r.Status = Accepted
	r.WindowStart = now
	r.WindowEnd = now.Add(l.duration)
	l.log.Info().Str("mentor", r.MentorID).Time("window_end", r.WindowEnd).Msg("request accepted")
	return Event{Type: EventAccepted, Request: *r}
}

func (l *Ledger) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = nil
	l.timerFor = ""
	l.timerGen++
}

func (l *Ledger) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		for ch := range l.listeners {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
