//go:build mediadevices && linux

package peer

import (
	"context"
	"sync"

	"relay-call/pkg/log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Devices captures camera and microphone through pion/mediadevices and
// encodes them as VP8 and Opus.
type Devices struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceSource() (MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, errors.Wrap(err, "vp8 params")
	}

	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, errors.Wrap(err, "opus params")
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Devices) Populate(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)

	return nil
}

// Acquire tries video and audio together, then each alone, so a busy
// microphone does not cost the camera and vice versa.
func (d *Devices) Acquire(ctx context.Context, c Constraints) (MediaStream, error) {
	type attempt struct {
		video, audio bool
	}

	var attempts []attempt

	switch {
	case c.Video && c.Audio:
		attempts = []attempt{{true, true}, {true, false}, {false, true}}
	case c.Video:
		attempts = []attempt{{true, false}}
	case c.Audio:
		attempts = []attempt{{false, true}}
	default:
		return Stream(nil), nil
	}

	var lastErr error

	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, &MediaAccessError{Err: err}
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}

		if a.video {
			constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
				mtc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}

				if c.MaxWidth > 0 {
					mtc.Width = prop.IntRanged{Max: c.MaxWidth}
				}

				if c.MaxHeight > 0 {
					mtc.Height = prop.IntRanged{Max: c.MaxHeight}
				}
			}
		}

		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("capture (video=%t audio=%t) failed: %s", a.video, a.audio, err)
			lastErr = err

			continue
		}

		var tracks Stream

		for _, t := range stream.GetTracks() {
			tracks = append(tracks, &capturedTrack{Track: t})
		}

		log.Infof("captured %d local tracks", len(tracks))

		return tracks, nil
	}

	return nil, &MediaAccessError{Err: errors.Wrap(lastErr, "no usable capture device")}
}

type capturedTrack struct {
	mediadevices.Track

	once sync.Once
}

func (t *capturedTrack) Local() webrtc.TrackLocal {
	return t.Track
}

func (t *capturedTrack) Stop() error {
	var err error

	t.once.Do(func() {
		err = t.Track.Close()
	})

	return err
}
