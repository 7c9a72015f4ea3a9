package peer

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type Constraints struct {
	Video     bool
	Audio     bool
	MaxWidth  int
	MaxHeight int
}

// Track is a local or remote media track. Stop is idempotent.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Stop() error
}

// LocalTrack is a track that can be sent.
type LocalTrack interface {
	Track
	Local() webrtc.TrackLocal
}

type MediaStream interface {
	Tracks() []Track
}

// MediaSource acquires local media. Failures should be *MediaAccessError.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (MediaStream, error)
}

// CodecPopulator is implemented by sources whose encoders decide which codecs
// the media engine may negotiate.
type CodecPopulator interface {
	Populate(me *webrtc.MediaEngine) error
}

// Stream is a plain list of tracks.
type Stream []Track

func (s Stream) Tracks() []Track {
	return s
}

// ReceiveOnly acquires nothing: the connection still negotiates audio and
// video so the remote side's media can be received.
type ReceiveOnly struct{}

func (ReceiveOnly) Acquire(ctx context.Context, _ Constraints) (MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &MediaAccessError{Err: err}
	}

	return Stream(nil), nil
}

// StopTracks stops every track of every stream, skipping nil streams.
func StopTracks(streams ...MediaStream) []error {
	var errs []error

	for _, s := range streams {
		if s == nil {
			continue
		}

		for _, t := range s.Tracks() {
			if err := t.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errs
}
