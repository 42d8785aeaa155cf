package storage

import "time"

// RequestEvent is one entry of the request audit log.
type RequestEvent struct {
	MentorID    string    `json:"mentor_id"`
	Event       string    `json:"event"`
	At          time.Time `json:"at"`
	WindowStart time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time `json:"window_end,omitempty"`
}

func (d *DB) LogRequestEvent(e RequestEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO request_log (mentor_id, event, at, window_start, window_end)
		VALUES (?, ?, ?, ?, ?)`,
		e.MentorID, e.Event, millis(e.At), millis(e.WindowStart), millis(e.WindowEnd),
	)
	return err
}

// RequestLog returns the latest audit entries, newest first. An empty
// mentorID returns entries for every mentor.
func (d *DB) RequestLog(mentorID string, limit int) ([]RequestEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT mentor_id, event, at, window_start, window_end
		FROM request_log
		WHERE ? = '' OR mentor_id = ?
		ORDER BY id DESC LIMIT ?`, mentorID, mentorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestEvent
	for rows.Next() {
		var e RequestEvent
		var at, ws, we int64
		if err := rows.Scan(&e.MentorID, &e.Event, &at, &ws, &we); err != nil {
			return nil, err
		}
		e.At = fromMillis(at)
		e.WindowStart = fromMillis(ws)
		e.WindowEnd = fromMillis(we)
		out = append(out, e)
	}
	return out, rows.Err()
}
