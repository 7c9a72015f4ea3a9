package peer

import (
	"context"
	"sync"

	"relay-call/pkg/log"
	"relay-call/pkg/signal"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Handlers receive negotiation outcomes. They may be called from store
// watcher goroutines and are never called with the Negotiator locked.
type Handlers struct {
	// OnBind fires once the negotiator is bound to a call record.
	OnBind func(id string)
	// OnAnswer fires once on the caller side when the answer was applied.
	OnAnswer func()
	// OnRemoteHangup fires once when the record disappears from the store.
	OnRemoteHangup func()
	// OnFatal receives store and negotiation failures that end the session.
	OnFatal func(error)
}

// Negotiator runs the offer/answer exchange of one call attempt over a
// signal.Store. A caller uses CreateRecord then Offer; a callee uses Answer.
type Negotiator struct {
	ctx   context.Context
	store signal.Store
	conn  Connection
	h     Handlers

	mx       sync.Mutex
	recordID string
	queue    *CandidateQueue
	subs     []signal.Subscription
	remote   bool
	applying bool
	hungUp   bool
	closed   bool
}

// NewNegotiator binds conn to store. ctx bounds background candidate writes.
func NewNegotiator(ctx context.Context, store signal.Store, conn Connection, h Handlers) *Negotiator {
	if h.OnBind == nil {
		h.OnBind = func(string) {}
	}

	if h.OnAnswer == nil {
		h.OnAnswer = func() {}
	}

	if h.OnRemoteHangup == nil {
		h.OnRemoteHangup = func() {}
	}

	if h.OnFatal == nil {
		h.OnFatal = func(err error) { log.Error(err) }
	}

	return &Negotiator{
		ctx:   ctx,
		store: store,
		conn:  conn,
		h:     h,
	}
}

func (n *Negotiator) RecordID() string {
	n.mx.Lock()
	defer n.mx.Unlock()

	return n.recordID
}

// CreateRecord creates the empty call record whose id identifies the call.
func (n *Negotiator) CreateRecord(ctx context.Context) (string, error) {
	id, err := n.store.CreateRecord(ctx)
	if err != nil {
		return "", err
	}

	if err := n.bind(id, signal.OfferCandidates); err != nil {
		return "", err
	}

	n.h.OnBind(id)

	return id, nil
}

// Offer publishes the local offer and starts watching for the answer and the
// callee's candidates. Local candidates are forwarded from the moment the
// local description is set.
func (n *Negotiator) Offer(ctx context.Context) error {
	id := n.RecordID()
	if id == "" {
		return errors.New("offer before record was created")
	}

	n.conn.OnICECandidate(n.onLocalCandidate)

	offer, err := n.conn.CreateOffer()
	if err != nil {
		return negotiation("create offer", err)
	}

	if err := n.conn.SetLocalDescription(offer); err != nil {
		return negotiation("set local offer", err)
	}

	if err := n.store.SetRecord(ctx, id, signal.Patch{Offer: descriptionToSignal(offer)}); err != nil {
		return err
	}

	log.Infof("offer written to call %s", id)

	if err := n.watch(ctx, signal.RecordTarget(id), n.onCallerRecord); err != nil {
		return err
	}

	return n.watch(ctx, signal.CandidatesTarget(id, signal.AnswerCandidates), n.onRemoteCandidates)
}

// Answer joins the call stored under id. It fails with signal.ErrCallNotFound,
// signal.ErrOfferNotReady or signal.ErrAlreadyAnswered without touching the
// record or the connection.
func (n *Negotiator) Answer(ctx context.Context, id string) error {
	rec, ok, err := n.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case !ok:
		return errors.Wrapf(signal.ErrCallNotFound, "call %s", id)
	case rec.Offer == nil:
		return errors.Wrapf(signal.ErrOfferNotReady, "call %s", id)
	case rec.Answer != nil:
		return errors.Wrapf(signal.ErrAlreadyAnswered, "call %s", id)
	}

	if err := n.bind(id, signal.AnswerCandidates); err != nil {
		return err
	}

	n.h.OnBind(id)

	n.conn.OnICECandidate(n.onLocalCandidate)

	if err := n.conn.SetRemoteDescription(descriptionFromSignal(*rec.Offer)); err != nil {
		return negotiation("set remote offer", err)
	}

	n.mx.Lock()
	n.remote = true
	queue := n.queue
	n.mx.Unlock()

	queue.OnRemoteDescriptionSet()

	answer, err := n.conn.CreateAnswer()
	if err != nil {
		return negotiation("create answer", err)
	}

	if err := n.conn.SetLocalDescription(answer); err != nil {
		return negotiation("set local answer", err)
	}

	if err := n.store.SetRecord(ctx, id, signal.Patch{Answer: descriptionToSignal(answer)}); err != nil {
		return err
	}

	log.Infof("answer written to call %s", id)

	if err := n.watch(ctx, signal.CandidatesTarget(id, signal.OfferCandidates), n.onRemoteCandidates); err != nil {
		return err
	}

	return n.watch(ctx, signal.RecordTarget(id), n.onCalleeRecord)
}

// Close stops candidate handling and returns the live subscriptions so the
// caller can cancel them once the connection is closed.
func (n *Negotiator) Close() []signal.Subscription {
	n.mx.Lock()
	defer n.mx.Unlock()

	n.closed = true

	if n.queue != nil {
		n.queue.Close()
	}

	subs := n.subs
	n.subs = nil

	return subs
}

func (n *Negotiator) Queue() *CandidateQueue {
	n.mx.Lock()
	defer n.mx.Unlock()

	return n.queue
}

func (n *Negotiator) bind(id string, local signal.Subcollection) error {
	n.mx.Lock()
	defer n.mx.Unlock()

	if n.closed {
		return ErrClosed
	}

	if n.recordID != "" {
		return errors.Errorf("negotiator already bound to call %s", n.recordID)
	}

	n.recordID = id
	n.queue = NewCandidateQueue(n.conn, n.store, id, local)

	return nil
}

func (n *Negotiator) watch(ctx context.Context, target signal.Target, fn func(signal.ChangeEvent)) error {
	sub, err := n.store.Subscribe(ctx, target)
	if err != nil {
		return err
	}

	n.mx.Lock()

	if n.closed {
		n.mx.Unlock()
		sub.Cancel()

		return ErrClosed
	}

	n.subs = append(n.subs, sub)
	n.mx.Unlock()

	go func() {
		for ev := range sub.Events() {
			fn(ev)
		}

		log.Debugf("subscription %s ended", target)
	}()

	return nil
}

func (n *Negotiator) onCallerRecord(ev signal.ChangeEvent) {
	if ev.Record == nil {
		n.remoteHangup()

		return
	}

	if ev.Record.Answer != nil {
		n.acceptAnswer(*ev.Record.Answer)
	}
}

func (n *Negotiator) onCalleeRecord(ev signal.ChangeEvent) {
	if ev.Record == nil {
		n.remoteHangup()
	}
}

// acceptAnswer applies the answer at most once; repeated record
// notifications carrying the same answer are ignored. The lock is not held
// while the connection applies the answer or while handlers run.
func (n *Negotiator) acceptAnswer(desc signal.SessionDescription) {
	n.mx.Lock()

	if n.closed || n.remote || n.applying || n.conn.HasRemoteDescription() {
		n.mx.Unlock()

		return
	}

	n.applying = true
	id, queue := n.recordID, n.queue
	n.mx.Unlock()

	err := n.conn.SetRemoteDescription(descriptionFromSignal(desc))

	n.mx.Lock()
	n.applying = false
	n.remote = err == nil
	closed := n.closed
	n.mx.Unlock()

	if closed {
		return
	}

	if err != nil {
		n.h.OnFatal(negotiation("set remote answer", err))

		return
	}

	log.Infof("answer applied to call %s", id)

	queue.OnRemoteDescriptionSet()
	n.h.OnAnswer()
}

func (n *Negotiator) onRemoteCandidates(ev signal.ChangeEvent) {
	queue := n.Queue()

	for _, change := range ev.Changes {
		if change.Type != signal.ChangeAdded {
			continue
		}

		queue.OnRemoteCandidateReceived(candidateFromSignal(change.Candidate))
	}
}

func (n *Negotiator) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		return
	}

	queue := n.Queue()
	if queue == nil {
		return
	}

	if err := queue.OnLocalCandidateDiscovered(n.ctx, *c); err != nil {
		n.fatal(err)
	}
}

func (n *Negotiator) remoteHangup() {
	n.mx.Lock()

	if n.closed || n.hungUp {
		n.mx.Unlock()

		return
	}

	n.hungUp = true
	n.mx.Unlock()

	log.Infof("call %s removed by remote side", n.RecordID())

	n.h.OnRemoteHangup()
}

func (n *Negotiator) fatal(err error) {
	n.mx.Lock()
	closed := n.closed
	n.mx.Unlock()

	if !closed {
		n.h.OnFatal(err)
	}
}
