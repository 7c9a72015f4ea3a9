package call

import (
	"context"

	"relay-call/pkg/log"
	"relay-call/pkg/peer"
	"relay-call/pkg/signal"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// teardown releases everything attempt gen holds, in order: media tracks,
// the peer connection, store subscriptions, then the stored call. Store
// failures are collected and returned as warnings; the session still ends
// Idle. A teardown already in progress is waited for instead of repeated.
func (s *Session) teardown(ctx context.Context, gen uint64, reason error) error {
	s.mx.Lock()

	if gen != s.gen {
		s.mx.Unlock()

		return nil
	}

	if closing := s.closing; closing != nil {
		s.mx.Unlock()

		select {
		case <-closing:
		case <-ctx.Done():
		}

		return nil
	}

	if s.state == StateIdle {
		s.mx.Unlock()

		return nil
	}

	done := make(chan struct{})
	s.closing = done

	local, remote, channel := s.local, s.remote, s.channel
	conn, neg, cancel := s.conn, s.neg, s.cancel
	id := s.recordID

	s.setState(StateClosed)
	s.mx.Unlock()

	var warnings error

	for _, err := range peer.StopTracks(local, peer.Stream(remote)) {
		warnings = multierr.Append(warnings, errors.Wrap(err, "stop track"))
	}

	if channel != nil {
		_ = channel.Close()
	}

	if cancel != nil {
		cancel()
	}

	var subs []signal.Subscription
	if neg != nil {
		subs = neg.Close()
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			warnings = multierr.Append(warnings, errors.Wrap(err, "close peer connection"))
		}
	}

	for _, sub := range subs {
		sub.Cancel()
	}

	if id != "" {
		warnings = multierr.Append(warnings, deleteCall(ctx, s.cfg.Store, id))
	}

	for _, err := range multierr.Errors(warnings) {
		log.Warn(err)
	}

	s.mx.Lock()
	s.local, s.remote, s.channel = nil, nil, nil
	s.conn, s.neg, s.cancel = nil, nil, nil
	s.recordID = ""
	s.role = RoleUndecided
	s.closing = nil
	s.setState(StateIdle)
	s.mx.Unlock()

	close(done)

	if id != "" {
		log.Infof("call %s ended", id)
	}

	s.emit(Event{Type: EventClosed, Err: reason})

	if warnings != nil {
		s.emit(Event{Type: EventWarning, Err: warnings})
	}

	return warnings
}

// deleteCall removes both candidate lists and then the record. Every delete
// is attempted; failures are combined.
func deleteCall(ctx context.Context, store signal.Store, id string) error {
	var err error

	for _, sub := range signal.Subcollections {
		err = multierr.Append(err, errors.Wrapf(store.DeleteSubcollection(ctx, id, sub), "delete %s of call %s", sub, id))
	}

	return multierr.Append(err, errors.Wrapf(store.DeleteRecord(ctx, id), "delete call %s", id))
}
