package peer

import (
	"context"
	"sync"

	"relay-call/pkg/log"
	"relay-call/pkg/signal"

	"github.com/pion/webrtc/v4"
)

// CandidateQueue moves ICE candidates between the connection and the store.
//
// Local candidates go out as soon as they are discovered. Remote candidates
// are held in arrival order until the remote description is set, then applied
// in that order; after that they are applied on arrival. A candidate the
// connection rejects is logged and skipped.
type CandidateQueue struct {
	conn     Connection
	store    signal.Store
	recordID string
	local    signal.Subcollection

	// sendMx is held across a local candidate write so Close waits for it.
	sendMx sync.Mutex

	mx      sync.Mutex
	pending []webrtc.ICECandidateInit
	ready   bool
	closed  bool
	applied int
	failed  int
}

func NewCandidateQueue(conn Connection, store signal.Store, recordID string, local signal.Subcollection) *CandidateQueue {
	return &CandidateQueue{
		conn:     conn,
		store:    store,
		recordID: recordID,
		local:    local,
	}
}

// OnLocalCandidateDiscovered writes c to this side's sub-collection. It is a
// no-op once the queue is closed.
func (q *CandidateQueue) OnLocalCandidateDiscovered(ctx context.Context, c webrtc.ICECandidateInit) error {
	q.sendMx.Lock()
	defer q.sendMx.Unlock()

	q.mx.Lock()
	closed := q.closed
	q.mx.Unlock()

	if closed {
		return nil
	}

	_, err := q.store.AppendCandidate(ctx, q.recordID, q.local, candidateToSignal(c))

	return err
}

func (q *CandidateQueue) OnRemoteCandidateReceived(c webrtc.ICECandidateInit) {
	q.mx.Lock()
	defer q.mx.Unlock()

	if q.closed {
		return
	}

	if !q.ready {
		q.pending = append(q.pending, c)

		return
	}

	q.apply(c)
}

// OnRemoteDescriptionSet flushes everything buffered so far. Calling it again
// has no effect.
func (q *CandidateQueue) OnRemoteDescriptionSet() {
	q.mx.Lock()
	defer q.mx.Unlock()

	if q.closed || q.ready {
		return
	}

	q.ready = true

	for _, c := range q.pending {
		q.apply(c)
	}

	q.pending = nil
}

// Close discards buffered candidates and ignores everything that follows.
// A local candidate write in flight completes before Close returns.
func (q *CandidateQueue) Close() {
	q.sendMx.Lock()
	defer q.sendMx.Unlock()

	q.mx.Lock()
	defer q.mx.Unlock()

	q.closed = true
	q.pending = nil
}

func (q *CandidateQueue) Pending() int {
	q.mx.Lock()
	defer q.mx.Unlock()

	return len(q.pending)
}

// Stats returns how many remote candidates were applied and rejected.
func (q *CandidateQueue) Stats() (applied, failed int) {
	q.mx.Lock()
	defer q.mx.Unlock()

	return q.applied, q.failed
}

func (q *CandidateQueue) apply(c webrtc.ICECandidateInit) {
	if err := q.conn.AddICECandidate(c); err != nil {
		q.failed++

		log.Warnf("remote candidate %q rejected: %s", c.Candidate, err)

		return
	}

	q.applied++
}
