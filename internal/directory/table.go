package directory

import (
	"sync"
	"time"
)

const (
	EventUpdate = "update"
	EventRemove = "remove"
	EventReload = "reload"
)

type Event struct {
	Type     string  `json:"type"`
	MentorID string  `json:"mentor_id,omitempty"`
	Mentor   *Mentor `json:"mentor,omitempty"`
}

type entry struct {
	Mentor
	fromFile bool
	lastSeen time.Time
}

// Table is the in-memory mentor directory. Mentors come from the directory
// file and from presence announcements; List preserves insertion order.
type Table struct {
	mu        sync.Mutex
	mentors   map[string]*entry
	order     []string
	listeners []chan Event
	now       func() time.Time
}

func NewTable() *Table {
	return &Table{
		mentors: map[string]*entry{},
		now:     time.Now,
	}
}

// Replace installs the mentors loaded from the directory file. Mentors that
// were only ever seen through presence are kept.
func (t *Table) Replace(list []Mentor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := map[string]*entry{}
	var order []string
	for _, m := range list {
		e := &entry{Mentor: m, fromFile: true}
		if old, ok := t.mentors[m.ID]; ok && !old.lastSeen.IsZero() {
			// presence wins over the file's static flag while it is fresh
			e.Presence = old.Presence
			e.lastSeen = old.lastSeen
			if e.EndpointID == "" {
				e.EndpointID = old.EndpointID
			}
		}
		if e.Presence == "" {
			e.Presence = Offline
		}
		if _, dup := keep[m.ID]; !dup {
			order = append(order, m.ID)
		}
		keep[m.ID] = e
	}
	for _, id := range t.order {
		if e := t.mentors[id]; e != nil && !e.fromFile {
			if _, ok := keep[id]; !ok {
				keep[id] = e
				order = append(order, id)
			}
		}
	}
	t.mentors = keep
	t.order = order
	t.notify(Event{Type: EventReload})
}

// Announce records a presence heartbeat for a mentor, adding it if unknown.
func (t *Table) Announce(m Mentor) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.mentors[m.ID]
	if !ok {
		e = &entry{Mentor: m}
		t.mentors[m.ID] = e
		t.order = append(t.order, m.ID)
	} else {
		if m.Name != "" {
			e.Name = m.Name
		}
		if m.Badge != "" {
			e.Badge = m.Badge
		}
		if m.EndpointID != "" {
			e.EndpointID = m.EndpointID
		}
	}
	e.Presence = Online
	e.lastSeen = t.now()
	cp := e.Mentor
	t.notify(Event{Type: EventUpdate, MentorID: m.ID, Mentor: &cp})
}

// Remember adds a mentor known from an earlier run as offline. Mentors
// already in the table are left alone.
func (t *Table) Remember(m Mentor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mentors[m.ID]; ok {
		return
	}
	m.Presence = Offline
	t.mentors[m.ID] = &entry{Mentor: m}
	t.order = append(t.order, m.ID)
	cp := m
	t.notify(Event{Type: EventUpdate, MentorID: m.ID, Mentor: &cp})
}

func (t *Table) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setOffline(id)
}

func (t *Table) setOffline(id string) {
	e, ok := t.mentors[id]
	if !ok || e.Presence == Offline {
		return
	}
	e.Presence = Offline
	cp := e.Mentor
	t.notify(Event{Type: EventUpdate, MentorID: id, Mentor: &cp})
}

// PruneStale marks mentors whose last heartbeat is older than cutoff offline.
// Mentors that have never sent a heartbeat keep their file presence.
func (t *Table) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.mentors {
		if !e.lastSeen.IsZero() && e.lastSeen.Before(cutoff) {
			t.setOffline(id)
		}
	}
}

func (t *Table) Get(id string) (Mentor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.mentors[id]
	if !ok {
		return Mentor{}, false
	}
	return e.Mentor, true
}

func (t *Table) List() []Mentor {
	return t.Search("")
}

// Search returns mentors whose name, badge or bio contain term.
func (t *Table) Search(term string) []Mentor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mentor, 0, len(t.order))
	for _, id := range t.order {
		e := t.mentors[id]
		if e != nil && e.Matches(term) {
			out = append(out, e.Mentor)
		}
	}
	return out
}

func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
