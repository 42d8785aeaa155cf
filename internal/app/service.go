package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/directory"
	"github.com/petervdpas/peermentor/internal/ledger"
	"github.com/petervdpas/peermentor/internal/storage"
	"github.com/petervdpas/peermentor/internal/util"
)

var (
	ErrUnknownMentor  = errors.New("unknown mentor")
	ErrNotAccepted    = errors.New("mentor has not accepted a request")
	ErrWindowInactive = errors.New("session window is not active")
	ErrNoPending      = errors.New("no pending request for mentor")
	ErrNoEndpoint     = errors.New("mentor has no call endpoint")
)

// Service is what the HTTP API drives: the directory, the request ledger
// and the call manager behind one boundary.
type Service struct {
	dir    *directory.Table
	ledger *ledger.Ledger
	calls  *call.Manager
	db     *storage.DB
	now    func() time.Time
	log    zerolog.Logger

	mu         sync.Mutex
	autoAnswer bool
	ctx        context.Context
	cancel     context.CancelFunc
}

type ServiceOptions struct {
	Directory *directory.Table
	Ledger    *ledger.Ledger
	Calls     *call.Manager
	// Nil disables history and the request audit log.
	DB  *storage.DB
	Now func() time.Time
	Log zerolog.Logger
}

func NewService(o ServiceOptions) *Service {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		dir:    o.Directory,
		ledger: o.Ledger,
		calls:  o.Calls,
		db:     o.DB,
		now:    now,
		log:    o.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ── Directory

func (s *Service) Mentors(term string) []directory.Mentor {
	return s.dir.Search(term)
}

func (s *Service) Mentor(id string) (directory.Mentor, error) {
	m, ok := s.dir.Get(id)
	if !ok {
		return directory.Mentor{}, fmt.Errorf("%w: %q", ErrUnknownMentor, id)
	}
	return m, nil
}

// SubscribeMentors streams presence changes and directory reloads.
func (s *Service) SubscribeMentors() (<-chan directory.Event, func()) {
	ch := s.dir.Subscribe()
	return ch, func() { s.dir.Unsubscribe(ch) }
}

// HTTPStatus maps service errors to API status codes. Zero means the error
// is not one of ours.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownMentor), errors.Is(err, ErrNoPending):
		return http.StatusNotFound
	case errors.Is(err, ErrNotAccepted), errors.Is(err, ErrWindowInactive):
		return http.StatusForbidden
	case errors.Is(err, ErrNoEndpoint):
		return http.StatusConflict
	}
	return 0
}

// ── Requests

// Request asks mentorID for a session. Repeating it while a request is
// pending or accepted changes nothing.
func (s *Service) Request(mentorID string) (ledger.MentorRequest, error) {
	if _, err := s.Mentor(mentorID); err != nil {
		return ledger.MentorRequest{}, err
	}
	s.ledger.Request(mentorID)
	r, _ := s.ledger.Get(mentorID)
	return r, nil
}

func (s *Service) Cancel(mentorID string) {
	s.ledger.Cancel(mentorID)
}

// Accept grants mentorID's pending request right away.
func (s *Service) Accept(mentorID string) (ledger.MentorRequest, error) {
	if !s.ledger.Accept(mentorID) {
		return ledger.MentorRequest{}, fmt.Errorf("%w: %q", ErrNoPending, mentorID)
	}
	r, _ := s.ledger.Get(mentorID)
	return r, nil
}

func (s *Service) Requests() map[string]ledger.MentorRequest {
	return s.ledger.ListActive()
}

func (s *Service) SubscribeRequests() (<-chan ledger.Event, func()) {
	return s.ledger.Subscribe()
}

func (s *Service) RequestLog(mentorID string, limit int) ([]storage.RequestEvent, error) {
	if s.db == nil {
		return []storage.RequestEvent{}, nil
	}
	return s.db.RequestLog(mentorID, limit)
}

// ── Calls

// Connect calls mentorID. It needs an accepted request whose window
// contains now.
func (s *Service) Connect(ctx context.Context, mentorID string) (call.Status, error) {
	m, err := s.Mentor(mentorID)
	if err != nil {
		return call.Status{}, err
	}
	r, ok := s.ledger.Get(mentorID)
	if !ok || r.Status != ledger.Accepted {
		return call.Status{}, ErrNotAccepted
	}
	if !r.Active(s.now()) {
		return call.Status{}, ErrWindowInactive
	}
	if m.EndpointID == "" {
		return call.Status{}, fmt.Errorf("%w: %q", ErrNoEndpoint, mentorID)
	}

	sess, err := s.calls.Connect(ctx, call.Target{
		MentorID:   m.ID,
		Name:       m.Name,
		EndpointID: m.EndpointID,
	})
	if err != nil {
		return call.Status{}, err
	}
	s.log.Info().Str("mentor", m.ID).Str("endpoint", m.EndpointID).Str("session", sess.ID()).Msg("call started")
	return sess.Status(), nil
}

// Listen arms an answer-only session for the next inbound call.
func (s *Service) Listen(ctx context.Context) (call.Status, error) {
	sess, err := s.calls.Listen(ctx)
	if err != nil {
		return call.Status{}, err
	}
	return sess.Status(), nil
}

// SetAutoAnswer keeps an answer-only session armed: one starts now and
// another after every call ends.
func (s *Service) SetAutoAnswer(on bool) {
	s.mu.Lock()
	s.autoAnswer = on
	s.mu.Unlock()
	if on {
		s.rearm()
	}
}

// CallEnded is the call manager's OnEnd hook. It runs on the session
// goroutine, so slow work is moved off it.
func (s *Service) CallEnded(st call.Status) {
	recordCall(s.db, st, s.log)
	s.mu.Lock()
	auto := s.autoAnswer
	s.mu.Unlock()
	if auto {
		go func() {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(util.ShortTimeout):
			}
			s.rearm()
		}()
	}
}

func (s *Service) rearm() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.calls.Listen(s.ctx); err != nil && !errors.Is(err, call.ErrCallInProgress) {
		s.log.Warn().Err(err).Msg("auto-answer listen failed")
	}
}

func (s *Service) current() (*call.Session, error) {
	return s.calls.Current()
}

func (s *Service) ToggleMute() (call.Status, error) {
	sess, err := s.current()
	if err != nil {
		return call.Status{}, err
	}
	return sess.ToggleMute()
}

func (s *Service) TogglePause() (call.Status, error) {
	sess, err := s.current()
	if err != nil {
		return call.Status{}, err
	}
	return sess.TogglePause()
}

func (s *Service) ToggleFullscreen() (call.Status, error) {
	sess, err := s.current()
	if err != nil {
		return call.Status{}, err
	}
	return sess.ToggleFullscreen()
}

func (s *Service) ToggleScreenShare(ctx context.Context) (call.Status, error) {
	sess, err := s.current()
	if err != nil {
		return call.Status{}, err
	}
	return sess.ToggleScreenShare(ctx)
}

// CloseCall ends the current call. Auto-answer re-arms afterwards.
func (s *Service) CloseCall() (call.Status, error) {
	sess, err := s.current()
	if err != nil {
		return call.Status{}, err
	}
	return sess.Close()
}

// CallStatus returns the current session's status and its recent events.
func (s *Service) CallStatus() (call.Status, []call.LogEntry, error) {
	sess, err := s.current()
	if err != nil {
		return call.Status{Phase: call.Idle}, nil, err
	}
	return sess.Status(), sess.History(), nil
}

func (s *Service) SubscribeCall() (<-chan call.Status, func(), error) {
	sess, err := s.current()
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sess.Subscribe()
	return ch, cancel, nil
}

func (s *Service) History(limit int) ([]storage.CallRecord, error) {
	if s.db == nil {
		return []storage.CallRecord{}, nil
	}
	return s.db.History(limit)
}

// Close stops auto-answer and ends any call.
func (s *Service) Close() {
	s.cancel()
	s.calls.Close()
}
