//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DeviceSource captures camera, microphone and screen through
// pion/mediadevices (V4L2, malgo and X11 on Linux).
type DeviceSource struct {
	c        Constraints
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

func NewDeviceSource(c Constraints, log zerolog.Logger) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if c.VideoBitrate > 0 {
		vpxParams.BitRate = c.VideoBitrate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &DeviceSource{
		c: c,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log,
	}, nil
}

// RegisterCodecs adds the encoders this source produces to a media engine.
func (d *DeviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// UserMedia opens camera and microphone together; either failing fails both.
func (d *DeviceSource) UserMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrDeviceUnavailable
	}
	for _, dev := range devices {
		d.log.Debug().Str("kind", fmt.Sprint(dev.Kind)).Str("label", dev.Label).Msg("media device")
	}

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit malformed frames that poison
			// the VP8 encoder; raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.c.MaxWidth}
			c.Height = prop.IntRanged{Max: d.c.MaxHeight}
		},
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return d.wrap(ms), nil
}

// DisplayMedia captures the screen as a single video track.
func (d *DeviceSource) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return d.wrap(ms), nil
}

func (d *DeviceSource) wrap(ms mediadevices.MediaStream) *Stream {
	var tracks []Track
	for _, mt := range ms.GetTracks() {
		tracks = append(tracks, NewTrack(mt))
	}
	d.log.Info().Int("tracks", len(tracks)).Msg("local media captured")
	return NewStream(uuid.NewString(), tracks...)
}
