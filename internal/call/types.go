package call

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/peermentor/internal/media"
)

// Registrar hands out signaling endpoints. Each session registers its own and
// releases it on teardown.
type Registrar interface {
	Register(ctx context.Context) (Endpoint, error)
}

// Endpoint is a registered signaling identity able to place and receive calls.
type Endpoint interface {
	ID() string
	// Dial offers local to remoteID. It returns once the offer is sent;
	// remote media arrives later through Conn.OnRemoteStream.
	Dial(ctx context.Context, remoteID string, local *media.Stream) (Conn, error)
	OnIncoming(func(Conn))
	OnError(func(error))
	Close() error
}

// Conn is one negotiated (or negotiating) media connection.
type Conn interface {
	RemoteID() string
	// Answer accepts an inbound call with local media.
	Answer(ctx context.Context, local *media.Stream) error
	OnRemoteStream(func(streamID string))
	OnClose(func())
	OnError(func(error))
	// ReplaceVideoTrack swaps the outgoing video track in place without
	// renegotiating.
	ReplaceVideoTrack(t media.Track) error
	Close() error
}

type Phase string

const (
	Idle       Phase = "idle"
	Initiating Phase = "initiating"
	Signaling  Phase = "signaling"
	Connected  Phase = "connected"
	Ended      Phase = "ended"
	Failed     Phase = "failed"
)

func (p Phase) Terminal() bool { return p == Ended || p == Failed }

type Reason string

const (
	ReasonNone          Reason = ""
	EndpointUnavailable Reason = "EndpointUnavailable"
	MediaAccessDenied   Reason = "MediaAccessDenied"
	NegotiationTimeout  Reason = "NegotiationTimeout"
	SignalingError      Reason = "SignalingError"
	ScreenCaptureDenied Reason = "ScreenCaptureDenied"
)

// Text is the human-readable form shown to the user.
func (r Reason) Text() string {
	switch r {
	case EndpointUnavailable:
		return "Could not reach the call service"
	case MediaAccessDenied:
		return "Could not access camera/mic"
	case NegotiationTimeout:
		return "Mentor did not answer in time"
	case SignalingError:
		return "Call negotiation failed"
	case ScreenCaptureDenied:
		return "Could not share screen"
	}
	return ""
}

type MediaKind string

const (
	Camera MediaKind = "camera"
	Screen MediaKind = "screen"
)

// Target is who a session calls. An empty EndpointID means answer-only.
type Target struct {
	MentorID   string `json:"mentor_id,omitempty"`
	Name       string `json:"name,omitempty"`
	EndpointID string `json:"endpoint_id,omitempty"`
}

// Status is a point-in-time snapshot of a session for the UI.
type Status struct {
	SessionID        string    `json:"session_id"`
	Phase            Phase     `json:"phase"`
	Reason           Reason    `json:"reason,omitempty"`
	Message          string    `json:"message"`
	Notice           string    `json:"notice,omitempty"`
	LocalEndpointID  string    `json:"local_endpoint_id,omitempty"`
	RemoteEndpointID string    `json:"remote_endpoint_id,omitempty"`
	MentorID         string    `json:"mentor_id,omitempty"`
	MediaKind        MediaKind `json:"media_kind"`
	Muted            bool      `json:"muted"`
	VideoPaused      bool      `json:"video_paused"`
	Fullscreen       bool      `json:"fullscreen"`
	StartedAt        time.Time `json:"started_at"`
	ConnectedAt      time.Time `json:"connected_at,omitempty"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
}

var (
	ErrCallInProgress = errors.New("call: a call is already in progress")
	ErrNoSession      = errors.New("call: no active session")
	ErrNotConnected   = errors.New("call: not connected")
	ErrBusy           = errors.New("call: screen capture already in progress")
	ErrSessionClosed  = errors.New("call: session closed")
)

// FailureError carries the reason a session or screen capture failed.
type FailureError struct {
	Reason Reason
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e *FailureError) Unwrap() error { return e.Err }
