package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/util"
)

// LogEntry is one parsed zerolog record.
type LogEntry struct {
	TS        time.Time       `json:"ts"`
	Level     string          `json:"level,omitempty"`
	Component string          `json:"component,omitempty"`
	Message   string          `json:"message"`
	Fields    json.RawMessage `json:"fields,omitempty"`
}

// LogBuffer keeps the recent process log and fans new records out to
// /api/logs/stream clients. It is an io.Writer fed with zerolog JSON lines.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		i := bytes.IndexByte(b.partial.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(b.partial.Next(i + 1))
		if len(line) == 0 {
			continue
		}
		e := parseLogLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// parseLogLine lifts the well-known zerolog keys out of a JSON record. Lines
// that are not JSON are kept whole as the message.
func parseLogLine(line []byte) LogEntry {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(line, &rec); err != nil {
		return LogEntry{TS: time.Now(), Message: string(line)}
	}
	e := LogEntry{TS: time.Now()}
	take := func(key string, dst *string) {
		if raw, ok := rec[key]; ok {
			_ = json.Unmarshal(raw, dst)
			delete(rec, key)
		}
	}
	var ts string
	take(zerolog.TimestampFieldName, &ts)
	take(zerolog.LevelFieldName, &e.Level)
	take(zerolog.MessageFieldName, &e.Message)
	take("component", &e.Component)
	if t, err := time.Parse(zerolog.TimeFieldFormat, ts); err == nil {
		e.TS = t
	}
	if len(rec) > 0 {
		e.Fields, _ = json.Marshal(rec)
	}
	return e
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// logFilter narrows records by minimum level and component, both optional.
type logFilter struct {
	min       zerolog.Level
	component string
}

func filterFrom(r *http.Request) logFilter {
	f := logFilter{min: zerolog.TraceLevel, component: r.URL.Query().Get("component")}
	if lv, err := zerolog.ParseLevel(strings.ToLower(r.URL.Query().Get("level"))); err == nil && lv != zerolog.NoLevel {
		f.min = lv
	}
	return f
}

func (f logFilter) match(e LogEntry) bool {
	if f.component != "" && e.Component != f.component {
		return false
	}
	if e.Level == "" {
		return f.min <= zerolog.TraceLevel
	}
	lv, err := zerolog.ParseLevel(e.Level)
	return err != nil || lv >= f.min
}

// ServeLogsJSON answers GET /api/logs?level=&component=&limit=.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f := filterFrom(r)
	out := []LogEntry{}
	for _, e := range b.Snapshot() {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// ServeLogsSSE tails new records as server-sent events. No backlog is sent.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	f := filterFrom(r)
	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.match(e) {
				continue
			}
			data, _ := json.Marshal(e)
			if _, err := w.Write([]byte("event: log\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
