// Package call runs WebRTC call sessions between a learner and a mentor.
// It depends only on the Registrar, Endpoint and Conn interfaces and on
// media.Source; the pion-backed implementations live in internal/rtc.
package call

import (
	"context"
	"errors"
	"sync"
	"time"
)

// releaseWait bounds how long a new call waits for the previous session to
// finish releasing devices.
const releaseWait = 5 * time.Second

// Manager owns the single call session a node may have open.
type Manager struct {
	opts Options

	mu      sync.Mutex
	current *Session
	closed  bool
}

func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Connect starts a session that dials target.EndpointID.
func (m *Manager) Connect(ctx context.Context, target Target) (*Session, error) {
	if target.EndpointID == "" {
		return nil, errors.New("call: target has no endpoint")
	}
	return m.start(ctx, target)
}

// Listen starts an answer-only session that takes the first inbound call.
func (m *Manager) Listen(ctx context.Context) (*Session, error) {
	return m.start(ctx, Target{})
}

func (m *Manager) start(ctx context.Context, target Target) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	if prev := m.current; prev != nil {
		if !prev.Status().Phase.Terminal() {
			return nil, ErrCallInProgress
		}
		select {
		case <-prev.Done():
		case <-time.After(releaseWait):
			m.opts.Logger.Warn().Str("session", prev.ID()).Msg("previous session still releasing")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := newSession(target, m.opts)
	m.current = s
	s.start()
	return s, nil
}

// Current returns the most recent session, which may already have ended.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Close ends the current session and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return
	}
	_, _ = s.Close()
	select {
	case <-s.Done():
	case <-time.After(releaseWait):
	}
}
