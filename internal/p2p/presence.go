package p2p

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petervdpas/peermentor/internal/directory"
	"github.com/petervdpas/peermentor/internal/proto"
	"github.com/petervdpas/peermentor/internal/util"
)

// Announcement is what a mentor node publishes about itself.
type Announcement struct {
	MentorID string
	Name     string
	Badge    string
	// Hub endpoint in ws mode. Empty announces the peer ID.
	EndpointID string
}

func (n *Node) Publish(ctx context.Context, typ string, self Announcement) error {
	msg := proto.PresenceMsg{
		Type:     typ,
		PeerID:   n.ID(),
		MentorID: self.MentorID,
		Endpoint: self.EndpointID,
		TS:       proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Name = self.Name
		msg.Badge = self.Badge
		msg.Addrs = n.wanAddrs()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, b)
}

// RunHeartbeat announces self as online, refreshes every interval and
// publishes offline when ctx ends.
func (n *Node) RunHeartbeat(ctx context.Context, interval time.Duration, self Announcement) {
	go func() {
		if err := n.Publish(ctx, proto.TypeOnline, self); err != nil {
			n.log.Debug().Err(err).Msg("publish online")
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				octx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
				_ = n.Publish(octx, proto.TypeOffline, self)
				cancel()
				return
			case <-t.C:
				if err := n.Publish(ctx, proto.TypeUpdate, self); err != nil {
					n.log.Debug().Err(err).Msg("publish update")
				}
			}
		}
	}()
}

// RunPresenceLoop feeds mentor announcements into the directory. The
// announced endpoint, or else the announcing peer ID, becomes the mentor's
// endpoint.
func (n *Node) RunPresenceLoop(ctx context.Context, t *directory.Table) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" || pm.MentorID == "" {
				continue
			}
			// signed messages tell us who really published
			if pm.PeerID == n.ID() || m.GetFrom().String() != pm.PeerID {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				endpoint := pm.Endpoint
				if endpoint == "" {
					endpoint = pm.PeerID
				}
				t.Announce(directory.Mentor{
					ID:         pm.MentorID,
					Name:       pm.Name,
					Badge:      pm.Badge,
					EndpointID: endpoint,
				})
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				t.MarkOffline(pm.MentorID)
			}
			n.log.Debug().Str("type", pm.Type).Str("mentor", pm.MentorID).Msg("presence")
		}
	}()
}

// RunPruner marks mentors offline once their heartbeat is older than the
// presence TTL.
func (n *Node) RunPruner(ctx context.Context, t *directory.Table) {
	go func() {
		tick := time.NewTicker(n.presenceTTL / 4)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-tick.C:
				t.PruneStale(now.Add(-n.presenceTTL))
			}
		}
	}()
}
