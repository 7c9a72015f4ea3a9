package peer

import (
	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a negotiator that was already closed.
var ErrClosed = errors.New("negotiation closed")

// NegotiationError means the peer connection rejected a description or could
// not produce one. It is fatal to the session.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return "negotiation: " + e.Step + ": " + e.Err.Error()
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func negotiation(step string, err error) error {
	if err == nil {
		return nil
	}

	return &NegotiationError{Step: step, Err: err}
}

// MediaAccessError means local media could not be acquired: permission was
// denied or there is no device. The session never starts.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return "media access: " + e.Err.Error()
}

func (e *MediaAccessError) Unwrap() error {
	return e.Err
}
