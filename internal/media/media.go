// Package media wraps local capture tracks so they can be muted, paused and
// stopped independently of the peer connection that sends them.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
)

type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

func kindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// Track is one local capture track. A disabled track keeps running but sends
// nothing. Stop releases the device and is safe to call more than once.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	Stop() error
	// OnEnded fires when the platform ends the track, e.g. the user stops
	// sharing the screen from the OS. It does not fire after Stop.
	OnEnded(func())
	Local() webrtc.TrackLocal
}

// Source acquires local media.
type Source interface {
	UserMedia(ctx context.Context) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// Constraints bound what UserMedia and DisplayMedia capture.
type Constraints struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitrate int
}

type Stream struct {
	id     string
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track { return s.byKind(KindAudio) }

func (s *Stream) VideoTracks() []Track { return s.byKind(KindVideo) }

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() Track {
	if v := s.byKind(KindVideo); len(v) > 0 {
		return v[0]
	}
	return nil
}

func (s *Stream) byKind(k Kind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track and returns their combined errors.
func (s *Stream) Stop() error {
	if s == nil {
		return nil
	}
	var err error
	for _, t := range s.tracks {
		err = multierr.Append(err, t.Stop())
	}
	return err
}
