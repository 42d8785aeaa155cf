package directory

import (
	"testing"
	"time"
)

func sampleMentors() []Mentor {
	return []Mentor{
		{ID: "1", Name: "Arjun", Badge: "React Expert", Bio: "Frontend hooks and state", Presence: Online, EndpointID: "mentor-arjun-123"},
		{ID: "2", Name: "Ananya", Badge: "Data Science", Bio: "Pandas and statistics", Presence: Online, EndpointID: "mentor-ananya-456"},
		{ID: "3", Name: "Ishaan", Badge: "Python Guru", Bio: "Backend services", EndpointID: "mentor-ishaan-789"},
	}
}

func TestTableReplaceAndGet(t *testing.T) {
	tb := NewTable()
	tb.Replace(sampleMentors())

	list := tb.List()
	if len(list) != 3 || list[0].ID != "1" || list[2].ID != "3" {
		t.Fatalf("List() order = %+v", list)
	}
	m, ok := tb.Get("3")
	if !ok {
		t.Fatal("Get(3) missing")
	}
	if m.Presence != Offline {
		t.Fatalf("missing presence should default to offline, got %q", m.Presence)
	}
	if _, ok := tb.Get("404"); ok {
		t.Fatal("Get(404) should miss")
	}
}

func TestTableSearch(t *testing.T) {
	tb := NewTable()
	tb.Replace(sampleMentors())

	tests := []struct {
		term string
		want []string
	}{
		{"", []string{"1", "2", "3"}},
		{"python", []string{"3"}},
		{"PANDAS", []string{"2"}},
		{"END", []string{"1", "3"}},
		{"golang", nil},
	}
	for _, tt := range tests {
		got := tb.Search(tt.term)
		if len(got) != len(tt.want) {
			t.Fatalf("Search(%q) = %d mentors, want %d", tt.term, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].ID != tt.want[i] {
				t.Fatalf("Search(%q)[%d] = %s, want %s", tt.term, i, got[i].ID, tt.want[i])
			}
		}
	}
}

func TestTableAnnounceAndPrune(t *testing.T) {
	tb := NewTable()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tb.now = func() time.Time { return now }
	tb.Replace(sampleMentors())

	ch := tb.Subscribe()
	defer tb.Unsubscribe(ch)

	tb.Announce(Mentor{ID: "3", EndpointID: "12D3KooWpeer"})
	m, _ := tb.Get("3")
	if m.Presence != Online || m.EndpointID != "12D3KooWpeer" || m.Name != "Ishaan" {
		t.Fatalf("after Announce: %+v", m)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventUpdate || ev.MentorID != "3" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no event after Announce")
	}

	// file-only mentor 1 never heartbeats and keeps its static presence
	tb.PruneStale(now.Add(time.Second))
	if m, _ := tb.Get("3"); m.Presence != Offline {
		t.Fatalf("stale mentor still %q", m.Presence)
	}
	if m, _ := tb.Get("1"); m.Presence != Online {
		t.Fatalf("file mentor changed to %q", m.Presence)
	}
}

func TestTableReplaceKeepsDiscovered(t *testing.T) {
	tb := NewTable()
	tb.Replace(sampleMentors())
	tb.Announce(Mentor{ID: "9", Name: "Priya", Badge: "UI/UX", EndpointID: "peer-9"})
	tb.Replace(sampleMentors()[:1])

	if _, ok := tb.Get("2"); ok {
		t.Fatal("mentor dropped from file is still listed")
	}
	if m, ok := tb.Get("9"); !ok || !m.Online() {
		t.Fatalf("discovered mentor lost: %+v ok=%v", m, ok)
	}
}

func TestTableRemember(t *testing.T) {
	tb := NewTable()
	tb.Replace(sampleMentors())

	tb.Remember(Mentor{ID: "1", Name: "Someone Else", Presence: Online})
	if m, _ := tb.Get("1"); m.Name != "Arjun" {
		t.Fatalf("Remember overwrote a known mentor: %+v", m)
	}

	tb.Remember(Mentor{ID: "9", Name: "Kabir", Presence: Online, EndpointID: "peer-9"})
	m, ok := tb.Get("9")
	if !ok || m.Online() || m.EndpointID != "peer-9" {
		t.Fatalf("Remember(9) = %+v, %v", m, ok)
	}

	// a remembered mentor is not from the file, so a reload keeps it
	tb.Replace(sampleMentors()[:1])
	if _, ok := tb.Get("9"); !ok {
		t.Fatal("remembered mentor dropped on reload")
	}
}
