// Package signal carries call negotiation messages between endpoints. A
// message is addressed by endpoint ID; the broker only routes, it never
// looks inside payloads.
package signal

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeHangup     = "hangup"
	TypeError      = "error"
)

// Error codes carried in Message.Code.
const (
	CodeUnavailableID   = "unavailable-id"
	CodePeerUnavailable = "peer-unavailable"
	CodeBadMessage      = "bad-message"
)

var (
	ErrUnavailableID   = errors.New("signal: endpoint id unavailable")
	ErrPeerUnavailable = errors.New("signal: peer unavailable")
	ErrClosed          = errors.New("signal: transport closed")
)

type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SDPPayload is the body of offer and answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload is one trickled ICE candidate.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NewMessage builds a message with a fresh ID and payload marshalled to JSON.
func NewMessage(typ, to, callID string, payload any) (Message, error) {
	m := Message{
		Type:   typ,
		ID:     uuid.NewString(),
		To:     to,
		CallID: callID,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		m.Payload = b
	}
	return m, nil
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("signal: empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// Err maps an error message to a sentinel error, or nil for other types.
func (m Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	switch m.Code {
	case CodeUnavailableID:
		return ErrUnavailableID
	case CodePeerUnavailable:
		return ErrPeerUnavailable
	}
	if m.Error != "" {
		return errors.New("signal: " + m.Error)
	}
	return errors.New("signal: " + m.Code)
}

func errorMessage(code, to, callID, from, text string) Message {
	return Message{
		Type:   TypeError,
		ID:     uuid.NewString(),
		From:   from,
		To:     to,
		CallID: callID,
		Code:   code,
		Error:  text,
	}
}
