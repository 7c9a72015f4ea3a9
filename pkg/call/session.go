package call

import (
	"context"
	"io"
	"sync"
	"time"

	"relay-call/pkg/log"
	"relay-call/pkg/peer"
	"relay-call/pkg/signal"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	DefaultChannel       = "chat"
	DefaultDeleteTimeout = 10 * time.Second
	DefaultEventBuffer   = 64
	DefaultEventTimeout  = 5 * time.Second
)

var (
	ErrBusy             = errors.New("session busy")
	ErrRemoteHangup     = errors.New("remote side hung up")
	ErrConnectionFailed = errors.New("peer connection failed")
)

type Config struct {
	Store       signal.Store
	Factory     peer.Factory
	Media       peer.MediaSource
	Constraints peer.Constraints

	// Channel labels the message channel the caller opens. Empty disables it.
	Channel string
	// DeleteTimeout bounds the store cleanup of teardowns not started by Hangup.
	DeleteTimeout time.Duration
	EventBuffer   int
	// EventTimeout bounds how long EventClosed and EventError wait for room
	// in a full event buffer.
	EventTimeout time.Duration
}

// Session is one participant's side of a call. It is reusable: after
// teardown it returns to Idle and can start another call.
type Session struct {
	cfg    Config
	events chan Event

	mx       sync.Mutex
	state    State
	role     Role
	gen      uint64
	recordID string
	local   peer.MediaStream
	remote  []peer.Track
	channel io.ReadWriteCloser
	conn    peer.Connection
	neg     *peer.Negotiator
	cancel  context.CancelFunc
	closing chan struct{}
}

func New(cfg Config) *Session {
	if cfg.Media == nil {
		cfg.Media = peer.ReceiveOnly{}
	}

	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = DefaultDeleteTimeout
	}

	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultEventTimeout
	}

	return &Session{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Events is never closed. When the buffer is full, EventClosed and
// EventError wait up to Config.EventTimeout for room; other events are
// dropped with a warning.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.state
}

func (s *Session) Role() Role {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.role
}

// RecordID is the id of the current call, empty when there is none.
func (s *Session) RecordID() string {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.recordID
}

// StartMedia acquires local media. Failures are *peer.MediaAccessError and
// leave the session Idle.
func (s *Session) StartMedia(ctx context.Context) error {
	s.mx.Lock()
	if s.state != StateIdle || s.closing != nil {
		state := s.state
		s.mx.Unlock()

		return errors.Wrapf(ErrBusy, "start media in state %s", state)
	}
	s.mx.Unlock()

	stream, err := s.cfg.Media.Acquire(ctx, s.cfg.Constraints)
	if err != nil {
		var mae *peer.MediaAccessError
		if !errors.As(err, &mae) {
			err = &peer.MediaAccessError{Err: err}
		}

		s.emit(Event{Type: EventError, Err: err})

		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state != StateIdle || s.closing != nil {
		peer.StopTracks(stream)

		return errors.Wrapf(ErrBusy, "start media in state %s", s.state)
	}

	s.local = stream
	s.setState(StateLocalMediaReady)

	return nil
}

// Call creates a call record and publishes the offer. The returned id is
// what the callee needs to Join; it is returned even when publishing the
// offer failed afterwards.
func (s *Session) Call(ctx context.Context) (string, error) {
	if err := s.ensureMedia(ctx); err != nil {
		return "", err
	}

	gen, conn, neg, err := s.prepare(RoleCaller)
	if err != nil {
		return "", err
	}

	id, err := neg.CreateRecord(ctx)
	if err != nil {
		return "", s.abort(gen, err)
	}

	if !s.current(gen) {
		return id, s.lateCleanup(ctx, id, nil)
	}

	log.Infof("call %s created", id)

	if s.cfg.Channel != "" {
		if err := conn.OpenChannel(s.cfg.Channel); err != nil {
			return id, s.abort(gen, err)
		}
	}

	err = neg.Offer(ctx)

	if !s.current(gen) {
		return id, s.lateCleanup(ctx, id, err)
	}

	if err != nil {
		return id, s.abort(gen, err)
	}

	return id, nil
}

// Join answers the call stored under id. signal.ErrOfferNotReady,
// signal.ErrAlreadyAnswered and signal.ErrCallNotFound leave the record
// untouched and the session back in LocalMediaReady, so Join may be retried.
func (s *Session) Join(ctx context.Context, id string) error {
	if err := s.ensureMedia(ctx); err != nil {
		return err
	}

	gen, _, neg, err := s.prepare(RoleCallee)
	if err != nil {
		return err
	}

	err = neg.Answer(ctx, id)

	switch {
	case !s.current(gen):
		if Recoverable(err) {
			return err
		}

		return s.lateCleanup(ctx, id, err)
	case err == nil:
		s.advance(gen, StateDescriptionExchanged)

		return nil
	case Recoverable(err):
		s.release(gen)

		return err
	default:
		return s.abort(gen, err)
	}
}

// Hangup tears the session down. It is safe to call in any state and more
// than once. The returned error only carries cleanup warnings.
func (s *Session) Hangup(ctx context.Context) error {
	s.mx.Lock()
	gen := s.gen
	s.mx.Unlock()

	return s.teardown(ctx, gen, nil)
}

// Recoverable reports whether a Join failure can be retried later.
func Recoverable(err error) bool {
	return errors.Is(err, signal.ErrOfferNotReady) ||
		errors.Is(err, signal.ErrAlreadyAnswered) ||
		errors.Is(err, signal.ErrCallNotFound)
}

func (s *Session) ensureMedia(ctx context.Context) error {
	if s.State() != StateIdle {
		return nil
	}

	return s.StartMedia(ctx)
}

func (s *Session) prepare(role Role) (uint64, peer.Connection, *peer.Negotiator, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.state != StateLocalMediaReady || s.closing != nil {
		return 0, nil, nil, errors.Wrapf(ErrBusy, "start %s in state %s", role, s.state)
	}

	conn, err := s.cfg.Factory.NewConnection()
	if err != nil {
		return 0, nil, nil, err
	}

	if err := conn.AddMedia(s.local); err != nil {
		_ = conn.Close()

		return 0, nil, nil, errors.Wrap(err, "add local media")
	}

	s.gen++
	gen := s.gen

	ctx, cancel := context.WithCancel(context.Background())

	neg := peer.NewNegotiator(ctx, s.cfg.Store, conn, peer.Handlers{
		OnBind: func(id string) {
			s.bind(gen, id)
		},
		OnAnswer: func() {
			s.advance(gen, StateDescriptionExchanged)
		},
		OnRemoteHangup: func() {
			s.remoteHangup(gen)
		},
		OnFatal: func(err error) {
			s.fail(gen, err)
		},
	})

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.onConnectionState(gen, state)
	})
	conn.OnTrack(func(t peer.Track) {
		s.onTrack(gen, t)
	})
	conn.OnChannel(func(label string, rwc io.ReadWriteCloser) {
		s.onChannel(gen, label, rwc)
	})

	s.conn = conn
	s.neg = neg
	s.cancel = cancel
	s.role = role
	s.setState(StateRoleSelected)

	log.Infof("session starting as %s", role)

	return gen, conn, neg, nil
}

// release drops the connection of a join that never bound to a call,
// keeping local media.
func (s *Session) release(gen uint64) {
	s.mx.Lock()

	if !s.currentLocked(gen) {
		s.mx.Unlock()

		return
	}

	conn, neg, cancel := s.conn, s.neg, s.cancel

	s.conn, s.neg, s.cancel = nil, nil, nil
	s.recordID = ""
	s.role = RoleUndecided
	s.setState(StateLocalMediaReady)
	s.mx.Unlock()

	cancel()

	for _, sub := range neg.Close() {
		sub.Cancel()
	}

	if err := conn.Close(); err != nil {
		log.Warnf("close peer connection: %s", err)
	}
}

func (s *Session) bind(gen uint64, id string) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.currentLocked(gen) {
		s.recordID = id
	}
}

// abort reports err and tears the attempt down before returning err.
func (s *Session) abort(gen uint64, err error) error {
	log.Errorf("session: %s", err)

	s.emit(Event{Type: EventError, Err: err})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeleteTimeout)
	defer cancel()

	_ = s.teardown(ctx, gen, err)

	return err
}

// lateCleanup handles an attempt torn down while it was still writing to the
// store: the write may have landed after teardown deleted the call.
func (s *Session) lateCleanup(ctx context.Context, id string, err error) error {
	if derr := deleteCall(ctx, s.cfg.Store, id); derr != nil {
		log.Warn(derr)
	}

	if err == nil {
		err = peer.ErrClosed
	}

	return err
}

func (s *Session) fail(gen uint64, err error) {
	if !s.current(gen) {
		return
	}

	log.Errorf("session: %s", err)

	s.emit(Event{Type: EventError, Err: err})

	go s.teardownAsync(gen, err)
}

func (s *Session) remoteHangup(gen uint64) {
	if !s.current(gen) {
		return
	}

	s.emit(Event{Type: EventRemoteHangup})

	go s.teardownAsync(gen, ErrRemoteHangup)
}

func (s *Session) teardownAsync(gen uint64, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeleteTimeout)
	defer cancel()

	_ = s.teardown(ctx, gen, reason)
}

func (s *Session) onConnectionState(gen uint64, state webrtc.PeerConnectionState) {
	log.Debugf("peer connection state: %s", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.advance(gen, StateConnected) {
			s.emit(Event{Type: EventConnected, State: StateConnected})
		}
	case webrtc.PeerConnectionStateDisconnected:
		if s.current(gen) {
			log.Warn("peer connection disconnected")

			s.emit(Event{Type: EventDisconnected})
		}
	case webrtc.PeerConnectionStateFailed:
		s.fail(gen, &peer.NegotiationError{Step: "connect", Err: ErrConnectionFailed})
	}
}

func (s *Session) onTrack(gen uint64, t peer.Track) {
	s.mx.Lock()

	if !s.currentLocked(gen) {
		s.mx.Unlock()
		_ = t.Stop()

		return
	}

	s.remote = append(s.remote, t)
	s.mx.Unlock()

	log.Infof("remote %s track %s", t.Kind(), t.ID())

	s.emit(Event{Type: EventTrack, Track: t})
}

func (s *Session) onChannel(gen uint64, label string, rwc io.ReadWriteCloser) {
	s.mx.Lock()

	if !s.currentLocked(gen) {
		s.mx.Unlock()
		_ = rwc.Close()

		return
	}

	s.channel = rwc
	s.mx.Unlock()

	log.Infof("message channel %q open", label)

	s.emit(Event{Type: EventChannel, Channel: rwc, Label: label})
}

// advance moves the attempt gen forward to state, reporting whether it did.
func (s *Session) advance(gen uint64, state State) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if !s.currentLocked(gen) || s.state < StateRoleSelected || state <= s.state {
		return false
	}

	s.setState(state)

	return true
}

func (s *Session) current(gen uint64) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.currentLocked(gen)
}

func (s *Session) currentLocked(gen uint64) bool {
	return gen == s.gen && s.closing == nil && s.neg != nil
}

// setState must be called with mx held.
func (s *Session) setState(state State) {
	if s.state == state {
		return
	}

	log.Debugf("session state %s -> %s", s.state, state)

	s.state = state
	s.emit(Event{Type: EventState, State: state})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}

	if ev.Type != EventClosed && ev.Type != EventError {
		log.Warnf("session event %s dropped", ev.Type)

		return
	}

	timer := time.NewTimer(s.cfg.EventTimeout)
	defer timer.Stop()

	select {
	case s.events <- ev:
	case <-timer.C:
		log.Warnf("session event %s dropped after %s", ev.Type, s.cfg.EventTimeout)
	}
}
