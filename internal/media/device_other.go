//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DeviceSource has no capture drivers outside Linux; every request reports
// ErrDeviceUnavailable so calls fail with a media error instead of hanging.
type DeviceSource struct {
	log zerolog.Logger
}

func NewDeviceSource(_ Constraints, log zerolog.Logger) (*DeviceSource, error) {
	return &DeviceSource{log: log}, nil
}

func (d *DeviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceSource) UserMedia(context.Context) (*Stream, error) {
	d.log.Warn().Msg("local capture is only supported on linux")
	return nil, ErrDeviceUnavailable
}

func (d *DeviceSource) DisplayMedia(context.Context) (*Stream, error) {
	return nil, ErrDeviceUnavailable
}
