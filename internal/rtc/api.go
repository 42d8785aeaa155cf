// Package rtc implements call.Registrar, call.Endpoint and call.Conn on top
// of pion/webrtc, with offers, answers and trickled ICE candidates carried by
// a signal.Transport.
package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultDisconnectedTimeout = 30 * time.Second
	DefaultFailedTimeout       = 120 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
	DefaultPLIInterval         = 3 * time.Second
)

// Config tunes every peer connection an endpoint creates.
type Config struct {
	ICEServers []string

	// A brief relay or NAT hiccup should not end the call, so the
	// disconnected window is much longer than pion's 5s default.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// RegisterCodecs fills the media engine with the codecs the local
	// capture produces. Nil registers pion's defaults.
	RegisterCodecs func(*webrtc.MediaEngine) error

	// PLIInterval asks the sender for a keyframe this often so a receiver
	// that joined late or lost packets recovers quickly.
	PLIInterval time.Duration

	// Loopback gathers 127.0.0.1 candidates, for two endpoints on one host.
	Loopback bool
}

func (c Config) withDefaults() Config {
	if c.DisconnectedTimeout <= 0 {
		c.DisconnectedTimeout = DefaultDisconnectedTimeout
	}
	if c.FailedTimeout <= 0 {
		c.FailedTimeout = DefaultFailedTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.PLIInterval <= 0 {
		c.PLIInterval = DefaultPLIInterval
	}
	return c
}

func (c Config) configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewAPI builds the pion API shared by all peer connections of a registrar.
func NewAPI(cfg Config) (*webrtc.API, error) {
	cfg = cfg.withDefaults()

	me := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := register(me); err != nil {
		return nil, err
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
		return nil, err
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
	if err != nil {
		return nil, err
	}
	reg.Add(pli)

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(reg),
		webrtc.WithSettingEngine(se),
	), nil
}
