package storage

import "time"

// CachedMentor is the last known state of a mentor learned from presence.
// It survives restarts so the directory can list the mentor offline until
// it announces again.
type CachedMentor struct {
	ID         string
	Name       string
	Badge      string
	EndpointID string
	LastSeen   time.Time
}

func (d *DB) UpsertCachedMentor(m CachedMentor) error {
	if m.LastSeen.IsZero() {
		m.LastSeen = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO mentor_cache (mentor_id, name, badge, endpoint_id, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mentor_id) DO UPDATE SET
			name        = CASE WHEN excluded.name = '' THEN mentor_cache.name ELSE excluded.name END,
			badge       = CASE WHEN excluded.badge = '' THEN mentor_cache.badge ELSE excluded.badge END,
			endpoint_id = excluded.endpoint_id,
			last_seen   = excluded.last_seen`,
		m.ID, m.Name, m.Badge, m.EndpointID, millis(m.LastSeen),
	)
	return err
}

// ListCachedMentors returns cached mentors, most recently seen first.
func (d *DB) ListCachedMentors() ([]CachedMentor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT mentor_id, name, badge, endpoint_id, last_seen
		FROM mentor_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedMentor
	for rows.Next() {
		var m CachedMentor
		var seen int64
		if err := rows.Scan(&m.ID, &m.Name, &m.Badge, &m.EndpointID, &seen); err != nil {
			return nil, err
		}
		m.LastSeen = fromMillis(seen)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteCachedMentor forgets a mentor entirely.
func (d *DB) DeleteCachedMentor(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM mentor_cache WHERE mentor_id = ?`, id)
	return err
}
