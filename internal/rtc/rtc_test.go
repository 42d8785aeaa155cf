package rtc

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/media"
	"github.com/petervdpas/peermentor/internal/signal"
)

type staticTrack struct {
	*webrtc.TrackLocalStaticRTP
}

func (staticTrack) Close() error        { return nil }
func (staticTrack) OnEnded(func(error)) {}

// pumpStream builds a one-track video stream fed with dummy RTP until ctx ends.
func pumpStream(t *testing.T, ctx context.Context, id string) (*media.Stream, media.Track) {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video-"+id, id)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticRTP: %v", err)
	}
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		var seq uint16
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				seq++
				_ = local.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 3000, Marker: true},
					Payload: []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a},
				})
			}
		}
	}()
	tr := media.NewTrack(staticTrack{local})
	return media.NewStream(id, tr), tr
}

func startHub(t *testing.T) string {
	t.Helper()
	hub := signal.NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestRegistrar(t *testing.T, url, id string) *Registrar {
	t.Helper()
	dial := func(ctx context.Context) (signal.Transport, error) {
		return signal.DialWS(ctx, url, id, zerolog.Nop())
	}
	r, err := NewRegistrar(Config{Loopback: true}, dial, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistrar: %v", err)
	}
	return r
}

func register(t *testing.T, r *Registrar) call.Endpoint {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep, err := r.Register(ctx)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestLoopbackCall(t *testing.T) {
	url := startHub(t)
	learner := register(t, newTestRegistrar(t, url, "learner-1"))
	mentor := register(t, newTestRegistrar(t, url, "mentor-arjun-123"))
	if learner.ID() != "learner-1" || mentor.ID() != "mentor-arjun-123" {
		t.Fatalf("ids = %q, %q", learner.ID(), mentor.ID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	learnerStream, _ := pumpStream(t, ctx, "learner-cam")
	mentorStream, _ := pumpStream(t, ctx, "mentor-cam")

	incoming := make(chan call.Conn, 1)
	mentor.OnIncoming(func(c call.Conn) { incoming <- c })

	out, err := learner.Dial(ctx, mentor.ID(), learnerStream)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	learnerGot := make(chan string, 1)
	out.OnRemoteStream(func(id string) { learnerGot <- id })

	in := wait(t, incoming, "incoming call")
	if in.RemoteID() != "learner-1" {
		t.Fatalf("incoming from %q", in.RemoteID())
	}
	mentorGot := make(chan string, 1)
	in.OnRemoteStream(func(id string) { mentorGot <- id })
	mentorClosed := make(chan struct{}, 1)
	in.OnClose(func() { mentorClosed <- struct{}{} })

	if err := in.Answer(ctx, mentorStream); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if id := wait(t, learnerGot, "mentor media"); id != "mentor-cam" {
		t.Fatalf("learner got stream %q", id)
	}
	if id := wait(t, mentorGot, "learner media"); id != "learner-cam" {
		t.Fatalf("mentor got stream %q", id)
	}

	screen, _ := pumpStream(t, ctx, "learner-screen")
	if err := out.ReplaceVideoTrack(screen.VideoTrack()); err != nil {
		t.Fatalf("ReplaceVideoTrack: %v", err)
	}

	if err := out.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wait(t, mentorClosed, "hangup at mentor")
}

func TestDialUnknownPeerFails(t *testing.T) {
	url := startHub(t)
	learner := register(t, newTestRegistrar(t, url, "learner-1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := pumpStream(t, ctx, "learner-cam")

	c, err := learner.Dial(ctx, "nobody", stream)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })
	if err := wait(t, errs, "peer unavailable"); !errors.Is(err, signal.ErrPeerUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegisterDuplicateIDFails(t *testing.T) {
	url := startHub(t)
	register(t, newTestRegistrar(t, url, "mentor-arjun-123"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := newTestRegistrar(t, url, "mentor-arjun-123").Register(ctx); !errors.Is(err, signal.ErrUnavailableID) {
		t.Fatalf("err = %v, want ErrUnavailableID", err)
	}
}

func TestReplaceWithoutVideoSender(t *testing.T) {
	url := startHub(t)
	learner := register(t, newTestRegistrar(t, url, "learner-1"))
	ep := learner.(*Endpoint)
	c, err := ep.newConn("call-1", "mentor")
	if err != nil {
		t.Fatalf("newConn: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, tr := pumpStream(t, ctx, "x")
	if err := c.ReplaceVideoTrack(tr); !errors.Is(err, errNoVideoSender) {
		t.Fatalf("err = %v", err)
	}
}

func TestErrorsBeforeHandlerAreReplayed(t *testing.T) {
	url := startHub(t)
	learner := register(t, newTestRegistrar(t, url, "learner-1"))
	ep := learner.(*Endpoint)

	ep.dispatch(signal.Message{Type: signal.TypeError, Code: signal.CodeBadMessage, Error: "bad"})

	got := make(chan error, 1)
	ep.OnError(func(err error) { got <- err })
	if err := wait(t, got, "replayed error"); err == nil {
		t.Fatal("nil error replayed")
	}
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	url := startHub(t)
	r := newTestRegistrar(t, url, "learner-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep, err := r.Register(ctx)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := ep.Dial(ctx, "mentor", nil); !errors.Is(err, signal.ErrClosed) {
		t.Fatalf("Dial after close err = %v", err)
	}
}
