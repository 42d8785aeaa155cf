package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/peermentor/internal/call"
	"github.com/petervdpas/peermentor/internal/directory"
	"github.com/petervdpas/peermentor/internal/ledger"
	"github.com/petervdpas/peermentor/internal/storage"
)

// Service is the node behind the API.
type Service interface {
	Mentors(term string) []directory.Mentor
	Mentor(id string) (directory.Mentor, error)
	SubscribeMentors() (<-chan directory.Event, func())

	Request(mentorID string) (ledger.MentorRequest, error)
	Cancel(mentorID string)
	Accept(mentorID string) (ledger.MentorRequest, error)
	Requests() map[string]ledger.MentorRequest
	SubscribeRequests() (<-chan ledger.Event, func())
	RequestLog(mentorID string, limit int) ([]storage.RequestEvent, error)

	Connect(ctx context.Context, mentorID string) (call.Status, error)
	Listen(ctx context.Context) (call.Status, error)
	ToggleMute() (call.Status, error)
	TogglePause() (call.Status, error)
	ToggleFullscreen() (call.Status, error)
	ToggleScreenShare(ctx context.Context) (call.Status, error)
	CloseCall() (call.Status, error)
	CallStatus() (call.Status, []call.LogEntry, error)
	SubscribeCall() (<-chan call.Status, func(), error)
	History(limit int) ([]storage.CallRecord, error)
}

// LogSource serves the in-memory process log.
type LogSource interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Service Service
	Logs    LogSource

	// StatusFor maps service errors to HTTP status codes. Returning 0 falls
	// back to the call error mapping.
	StatusFor func(error) int
}

func (d Deps) statusFor(err error) int {
	if d.StatusFor != nil {
		if code := d.StatusFor(err); code != 0 {
			return code
		}
	}
	return callStatus(err)
}

// Register adds every API route to mux.
func Register(mux *http.ServeMux, d Deps) {
	registerMentorRoutes(mux, d)
	registerRequestRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerAPILogRoutes(mux, d)
}
