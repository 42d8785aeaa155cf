package proto

import "time"

const (
	PresenceTopic = "peermentor.presence.v1"
	MdnsTag       = "peermentor-mdns"

	// libp2p stream protocol ID carrying one signaling message per stream
	SignalProtoID = "/peermentor/signal/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is what mentors publish on the presence topic. An empty
// Endpoint means the PeerID is the signaling endpoint (p2p mode).
type PresenceMsg struct {
	Type     string   `json:"type"` // online|update|offline
	PeerID   string   `json:"peerId"`
	MentorID string   `json:"mentorId"`
	Endpoint string   `json:"endpoint,omitempty"`
	Name     string   `json:"name,omitempty"`
	Badge    string   `json:"badge,omitempty"`
	Addrs    []string `json:"addrs,omitempty"`
	TS       int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
