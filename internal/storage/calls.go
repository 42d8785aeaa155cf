package storage

import "time"

// CallRecord is the final state of one call session.
type CallRecord struct {
	SessionID      string    `json:"session_id"`
	MentorID       string    `json:"mentor_id,omitempty"`
	RemoteEndpoint string    `json:"remote_endpoint,omitempty"`
	Phase          string    `json:"phase"`
	Reason         string    `json:"reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ConnectedAt    time.Time `json:"connected_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// Duration is how long the call was connected, or zero if it never was.
func (r CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// RecordCall stores a finished session. Recording the same session twice
// keeps the latest state.
func (d *DB) RecordCall(r CallRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO call_history
			(session_id, mentor_id, remote_endpoint, phase, reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			phase        = excluded.phase,
			reason       = excluded.reason,
			connected_at = excluded.connected_at,
			ended_at     = excluded.ended_at`,
		r.SessionID, r.MentorID, r.RemoteEndpoint, r.Phase, r.Reason,
		millis(r.StartedAt), millis(r.ConnectedAt), millis(r.EndedAt),
	)
	return err
}

// History returns the most recent calls, newest first.
func (d *DB) History(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT session_id, mentor_id, remote_endpoint, phase, reason,
		       started_at, connected_at, ended_at
		FROM call_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		var started, connected, ended int64
		if err := rows.Scan(&r.SessionID, &r.MentorID, &r.RemoteEndpoint, &r.Phase, &r.Reason,
			&started, &connected, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(started)
		r.ConnectedAt = fromMillis(connected)
		r.EndedAt = fromMillis(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}
