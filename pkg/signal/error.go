package signal

import (
	"github.com/pkg/errors"
)

// ErrOfferNotReady is returned when joining a record the caller has not yet
// written an offer to. The caller may still be negotiating, so retrying after
// a delay is reasonable.
var ErrOfferNotReady = errors.New("offer not ready")

// ErrAlreadyAnswered is returned when joining a record that already carries an
// answer. The existing answer is never overwritten.
var ErrAlreadyAnswered = errors.New("call already answered")

// ErrCallNotFound is returned when joining an id with no record behind it.
var ErrCallNotFound = errors.New("call not found")

var (
	ErrInvalidSubcollection = errors.New("invalid sub-collection")
	ErrEmptyID              = errors.New("empty record id")
	ErrStoreClosed          = errors.New("store closed")
)

// TransportError reports that the store could not be reached or refused the
// operation. It is never retried internally.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "signaling store " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transport wraps err as a *TransportError, returning nil for a nil err.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}

	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError

	return errors.As(err, &te)
}

// Validate checks the arguments common to every record-scoped operation.
func Validate(id string, sub Subcollection) error {
	if id == "" {
		return ErrEmptyID
	}

	if sub != "" && !sub.Valid() {
		return errors.Wrap(ErrInvalidSubcollection, string(sub))
	}

	return nil
}
