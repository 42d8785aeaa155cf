// Package directory holds the mentors a learner can request, with their
// presence and signaling endpoint.
package directory

import "github.com/petervdpas/peermentor/internal/util"

type Presence string

const (
	Online  Presence = "online"
	Offline Presence = "offline"
)

type Mentor struct {
	ID         string   `json:"id" validate:"required,max=64"`
	Name       string   `json:"name" validate:"required"`
	Badge      string   `json:"badge"`
	Bio        string   `json:"bio,omitempty"`
	Avatar     string   `json:"avatar,omitempty"`
	Presence   Presence `json:"status" validate:"omitempty,oneof=online offline"`
	EndpointID string   `json:"endpoint_id"`
}

func (m Mentor) Online() bool { return m.Presence == Online }

// Matches reports whether term appears in the name, badge or bio.
func (m Mentor) Matches(term string) bool {
	return util.MatchFold(term, m.Name, m.Badge, m.Bio)
}
