// Package relay exposes a signal.Store over a websocket so that peers on
// different hosts can share one store. The server holds the store; Client
// implements signal.Store on the other end of the socket.
//
// Each request carries an id echoed in its response. Subscription ids are
// chosen by the client, and events for a subscription are pushed as responses
// with a zero id.
package relay

import (
	"relay-call/pkg/signal"

	"github.com/pkg/errors"
)

// Path is where the websocket endpoint is mounted.
const Path = "/v1/signal"

const (
	opCreate      = "create"
	opSet         = "set"
	opGet         = "get"
	opAppend      = "append"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opDelete      = "delete"
	opDeleteSub   = "deleteSub"
)

type request struct {
	ID           uint64               `json:"id"`
	Op           string               `json:"op"`
	Record       string               `json:"record,omitempty"`
	Sub          signal.Subcollection `json:"sub,omitempty"`
	Patch        *signal.Patch        `json:"patch,omitempty"`
	Candidate    *signal.Candidate    `json:"candidate,omitempty"`
	Subscription uint64               `json:"subscription,omitempty"`
}

type response struct {
	ID           uint64              `json:"id,omitempty"`
	Error        string              `json:"error,omitempty"`
	Code         string              `json:"code,omitempty"`
	Result       string              `json:"result,omitempty"`
	Found        bool                `json:"found,omitempty"`
	Record       *signal.CallRecord  `json:"record,omitempty"`
	Subscription uint64              `json:"subscription,omitempty"`
	Event        *signal.ChangeEvent `json:"event,omitempty"`
	Closed       bool                `json:"closed,omitempty"`
}

const (
	codeInvalidSub = "invalid_subcollection"
	codeEmptyID    = "empty_id"
	codeClosed     = "closed"
	codeBadRequest = "bad_request"
)

var errUnknownOp = errors.New("unknown op")

// errorCode keeps argument errors distinguishable across the socket; anything
// else arrives as a transport error.
func errorCode(err error) string {
	switch {
	case errors.Is(err, signal.ErrInvalidSubcollection):
		return codeInvalidSub
	case errors.Is(err, signal.ErrEmptyID):
		return codeEmptyID
	case errors.Is(err, signal.ErrStoreClosed):
		return codeClosed
	case errors.Is(err, errUnknownOp):
		return codeBadRequest
	}

	return ""
}

func (r response) err(op string) error {
	if r.Error == "" {
		return nil
	}

	switch r.Code {
	case codeInvalidSub:
		return errors.Wrap(signal.ErrInvalidSubcollection, r.Error)
	case codeEmptyID:
		return signal.ErrEmptyID
	case codeClosed:
		return signal.Transport(op, errors.Wrap(signal.ErrStoreClosed, "relay"))
	}

	return signal.Transport(op, errors.New(r.Error))
}
