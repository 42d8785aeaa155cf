package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/proto"
	"github.com/petervdpas/peermentor/internal/signal"
	"github.com/petervdpas/peermentor/internal/util"
)

const streamReadTimeout = 10 * time.Second

// StreamTransport carries signaling messages over libp2p, one message per
// stream. The endpoint ID is the node's peer ID, so a node can have only
// one registered transport at a time.
type StreamTransport struct {
	n    *Node
	log  zerolog.Logger
	subs *signal.Fanout

	mu        sync.Mutex
	owner     bool
	closeOnce sync.Once
}

func (n *Node) NewTransport() *StreamTransport {
	return &StreamTransport{n: n, log: n.log, subs: signal.NewFanout()}
}

func (t *StreamTransport) Register(ctx context.Context) (string, error) {
	t.n.claimMu.Lock()
	defer t.n.claimMu.Unlock()
	if t.n.claimed {
		return "", signal.ErrUnavailableID
	}
	t.n.claimed = true
	t.mu.Lock()
	t.owner = true
	t.mu.Unlock()
	t.n.Host.SetStreamHandler(protocol.ID(proto.SignalProtoID), t.handle)
	return t.n.ID(), nil
}

func (t *StreamTransport) Send(ctx context.Context, m signal.Message) error {
	t.mu.Lock()
	owner := t.owner
	t.mu.Unlock()
	if !owner {
		return signal.ErrClosed
	}
	pid, err := peer.Decode(m.To)
	if err != nil {
		return fmt.Errorf("%w: %s", signal.ErrPeerUnavailable, m.To)
	}
	m.From = t.n.ID()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, util.DefaultConnectTimeout)
		defer cancel()
	}
	s, err := t.n.Host.NewStream(ctx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return fmt.Errorf("%w: %v", signal.ErrPeerUnavailable, err)
	}
	defer s.Close()
	if d, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(d)
	}
	if err := json.NewEncoder(s).Encode(m); err != nil {
		_ = s.Reset()
		return fmt.Errorf("signal send: %w", err)
	}
	return nil
}

func (t *StreamTransport) handle(s network.Stream) {
	defer s.Close()
	_ = s.SetReadDeadline(time.Now().Add(streamReadTimeout))
	var m signal.Message
	if err := json.NewDecoder(s).Decode(&m); err != nil {
		t.log.Debug().Err(err).Msg("bad signal stream")
		_ = s.Reset()
		return
	}
	// the stream's authenticated peer is the sender, whatever the body says
	m.From = s.Conn().RemotePeer().String()
	m.To = t.n.ID()
	if !t.subs.Publish(m) {
		t.log.Debug().Str("type", m.Type).Msg("no subscriber for signal message")
	}
}

func (t *StreamTransport) Subscribe() (<-chan signal.Message, func()) {
	return t.subs.Subscribe()
}

// Close releases the node's signaling claim so another session can register.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		owner := t.owner
		t.owner = false
		t.mu.Unlock()
		if owner {
			t.n.claimMu.Lock()
			t.n.Host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
			t.n.claimed = false
			t.n.claimMu.Unlock()
		}
		t.subs.Close()
	})
	return nil
}
