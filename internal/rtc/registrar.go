package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/signal"
)

// Dialer opens a fresh, unregistered signaling transport.
type Dialer func(ctx context.Context) (signal.Transport, error)

// Registrar gives every call session its own endpoint on the signaling
// network, so a session's teardown releases exactly what it registered.
type Registrar struct {
	api  *webrtc.API
	cfg  Config
	dial Dialer
	log  zerolog.Logger
}

func NewRegistrar(cfg Config, dial Dialer, log zerolog.Logger) (*Registrar, error) {
	cfg = cfg.withDefaults()
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	return &Registrar{api: api, cfg: cfg, dial: dial, log: log}, nil
}

func (r *Registrar) Register(ctx context.Context) (call.Endpoint, error) {
	tr, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	id, err := tr.Register(ctx)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("register endpoint: %w", err)
	}
	return newEndpoint(id, tr, r.api, r.cfg, r.log), nil
}
