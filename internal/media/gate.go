package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// CaptureTrack is what a capture backend hands out; pion/mediadevices
// tracks satisfy it.
type CaptureTrack interface {
	webrtc.TrackLocal
	Close() error
	OnEnded(func(error))
}

// NewTrack wraps a capture track with an enable gate. While disabled, RTP
// packets are dropped at the writer so the encoder and device keep running
// and re-enabling is instant.
func NewTrack(src CaptureTrack) Track {
	t := &gatedTrack{src: src, kind: kindOf(src.Kind())}
	t.enabled.Store(true)
	t.local = &gatedLocal{t: t, ctxs: map[string]webrtc.TrackLocalContext{}}
	src.OnEnded(func(error) { t.ended() })
	return t
}

type gatedTrack struct {
	src     CaptureTrack
	kind    Kind
	enabled atomic.Bool
	local   *gatedLocal

	mu       sync.Mutex
	stopped  bool
	stopErr  error
	didEnd   bool
	handlers []func()
}

func (t *gatedTrack) ID() string               { return t.src.ID() }
func (t *gatedTrack) Kind() Kind               { return t.kind }
func (t *gatedTrack) Enabled() bool            { return t.enabled.Load() }
func (t *gatedTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *gatedTrack) Local() webrtc.TrackLocal { return t.local }

func (t *gatedTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		err := t.stopErr
		t.mu.Unlock()
		return err
	}
	t.stopped = true
	t.mu.Unlock()

	err := t.src.Close()

	t.mu.Lock()
	t.stopErr = err
	t.mu.Unlock()
	return err
}

func (t *gatedTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.didEnd && !t.stopped {
		t.mu.Unlock()
		fn()
		return
	}
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

func (t *gatedTrack) ended() {
	t.mu.Lock()
	if t.stopped || t.didEnd {
		t.mu.Unlock()
		return
	}
	t.didEnd = true
	hs := append([]func(){}, t.handlers...)
	t.mu.Unlock()
	for _, fn := range hs {
		fn()
	}
}

// gatedLocal is the webrtc.TrackLocal handed to RTPSenders. It binds the
// capture track to a wrapped context whose writer honours the gate.
type gatedLocal struct {
	t    *gatedTrack
	mu   sync.Mutex
	ctxs map[string]webrtc.TrackLocalContext
}

func (l *gatedLocal) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	wrapped := &gatedContext{
		TrackLocalContext: ctx,
		w:                 &gatedWriter{w: ctx.WriteStream(), enabled: &l.t.enabled},
	}
	l.mu.Lock()
	l.ctxs[ctx.ID()] = wrapped
	l.mu.Unlock()
	return l.t.src.Bind(wrapped)
}

func (l *gatedLocal) Unbind(ctx webrtc.TrackLocalContext) error {
	l.mu.Lock()
	wrapped, ok := l.ctxs[ctx.ID()]
	delete(l.ctxs, ctx.ID())
	l.mu.Unlock()
	if !ok {
		wrapped = ctx
	}
	return l.t.src.Unbind(wrapped)
}

func (l *gatedLocal) ID() string                { return l.t.src.ID() }
func (l *gatedLocal) RID() string               { return l.t.src.RID() }
func (l *gatedLocal) StreamID() string          { return l.t.src.StreamID() }
func (l *gatedLocal) Kind() webrtc.RTPCodecType { return l.t.src.Kind() }

type gatedContext struct {
	webrtc.TrackLocalContext
	w webrtc.TrackLocalWriter
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter { return c.w }

type gatedWriter struct {
	w       webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (g *gatedWriter) WriteRTP(h *rtp.Header, payload []byte) (int, error) {
	if !g.enabled.Load() {
		return len(payload), nil
	}
	return g.w.WriteRTP(h, payload)
}

func (g *gatedWriter) Write(b []byte) (int, error) {
	if !g.enabled.Load() {
		return len(b), nil
	}
	return g.w.Write(b)
}
