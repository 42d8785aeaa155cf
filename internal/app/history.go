package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/directory"
	"github.com/petervdpas/peermentor/internal/ledger"
	"github.com/petervdpas/peermentor/internal/storage"
)

func recordCall(db *storage.DB, st call.Status, log zerolog.Logger) {
	if db == nil {
		return
	}
	err := db.RecordCall(storage.CallRecord{
		SessionID:      st.SessionID,
		MentorID:       st.MentorID,
		RemoteEndpoint: st.RemoteEndpointID,
		Phase:          string(st.Phase),
		Reason:         string(st.Reason),
		StartedAt:      st.StartedAt,
		ConnectedAt:    st.ConnectedAt,
		EndedAt:        st.EndedAt,
	})
	if err != nil {
		log.Warn().Err(err).Str("session", st.SessionID).Msg("record call history")
	}
}

// runRequestAudit appends every ledger change to the request log until ctx
// ends.
func runRequestAudit(ctx context.Context, l *ledger.Ledger, db *storage.DB, log zerolog.Logger) {
	ch, cancel := l.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				err := db.LogRequestEvent(storage.RequestEvent{
					MentorID:    ev.Request.MentorID,
					Event:       ev.Type,
					At:          time.Now(),
					WindowStart: ev.Request.WindowStart,
					WindowEnd:   ev.Request.WindowEnd,
				})
				if err != nil {
					log.Warn().Err(err).Str("mentor", ev.Request.MentorID).Msg("request audit")
				}
			}
		}
	}()
}

// seedMentors lists mentors remembered from earlier runs as offline.
func seedMentors(t *directory.Table, db *storage.DB, log zerolog.Logger) {
	list, err := db.ListCachedMentors()
	if err != nil {
		log.Warn().Err(err).Msg("load mentor cache")
		return
	}
	for _, m := range list {
		t.Remember(directory.Mentor{
			ID:         m.ID,
			Name:       m.Name,
			Badge:      m.Badge,
			EndpointID: m.EndpointID,
		})
	}
	if len(list) > 0 {
		log.Debug().Int("mentors", len(list)).Msg("mentor cache loaded")
	}
}

// runMentorCache remembers every mentor seen online so the directory can
// list it after a restart.
func runMentorCache(ctx context.Context, t *directory.Table, db *storage.DB, log zerolog.Logger) {
	ch := t.Subscribe()
	go func() {
		defer t.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Type != directory.EventUpdate || ev.Mentor == nil || !ev.Mentor.Online() {
					continue
				}
				m := ev.Mentor
				if m.Name == "" {
					continue
				}
				err := db.UpsertCachedMentor(storage.CachedMentor{
					ID:         m.ID,
					Name:       m.Name,
					Badge:      m.Badge,
					EndpointID: m.EndpointID,
				})
				if err != nil {
					log.Warn().Err(err).Str("mentor", m.ID).Msg("cache mentor")
				}
			}
		}
	}()
}
