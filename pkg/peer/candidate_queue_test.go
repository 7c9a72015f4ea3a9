package peer_test

import (
	"context"
	"testing"

	"relay-call/pkg/peer"
	"relay-call/pkg/peer/peertest"
	"relay-call/pkg/signal"
	"relay-call/pkg/signal/memory"
	"relay-call/pkg/signal/signaltest"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote offer"}
}

func candidates(n int) []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, n)
	for i := range out {
		out[i] = peertest.HostCandidate("remote", i+1)
	}

	return out
}

func lines(cs []webrtc.ICECandidateInit) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Candidate
	}

	return out
}

func TestCandidateQueue_BuffersUntilRemoteDescription(t *testing.T) {
	conn := peertest.NewConn("local")
	q := peer.NewCandidateQueue(conn, memory.New(), "call", signal.AnswerCandidates)
	in := candidates(3)

	for _, c := range in {
		q.OnRemoteCandidateReceived(c)
	}

	assert.Equal(t, 3, q.Pending())
	assert.Empty(t, conn.Applied())

	require.NoError(t, conn.SetRemoteDescription(remoteOffer()))
	q.OnRemoteDescriptionSet()

	assert.Zero(t, q.Pending())
	assert.Equal(t, lines(in), lines(conn.Applied()))

	late := peertest.HostCandidate("remote", 9)
	q.OnRemoteCandidateReceived(late)
	assert.Equal(t, append(lines(in), late.Candidate), lines(conn.Applied()))

	q.OnRemoteDescriptionSet()
	assert.Len(t, conn.Applied(), 4)

	applied, failed := q.Stats()
	assert.Equal(t, 4, applied)
	assert.Zero(t, failed)
}

func TestCandidateQueue_MalformedCandidateIsSkipped(t *testing.T) {
	conn := peertest.NewConn("local")
	q := peer.NewCandidateQueue(conn, memory.New(), "call", signal.OfferCandidates)
	in := candidates(2)

	q.OnRemoteCandidateReceived(in[0])
	q.OnRemoteCandidateReceived(webrtc.ICECandidateInit{Candidate: "garbage"})
	q.OnRemoteCandidateReceived(in[1])

	require.NoError(t, conn.SetRemoteDescription(remoteOffer()))
	q.OnRemoteDescriptionSet()

	assert.Equal(t, lines(in), lines(conn.Applied()))
	assert.Len(t, conn.Rejected(), 1)

	applied, failed := q.Stats()
	assert.Equal(t, 2, applied)
	assert.Equal(t, 1, failed)
}

func TestCandidateQueue_CloseDiscards(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id, err := store.CreateRecord(ctx)
	require.NoError(t, err)

	conn := peertest.NewConn("local")
	q := peer.NewCandidateQueue(conn, store, id, signal.OfferCandidates)

	q.OnRemoteCandidateReceived(candidates(1)[0])
	q.Close()

	assert.Zero(t, q.Pending())

	require.NoError(t, conn.SetRemoteDescription(remoteOffer()))
	q.OnRemoteDescriptionSet()
	q.OnRemoteCandidateReceived(candidates(2)[1])
	assert.Empty(t, conn.Applied())

	require.NoError(t, q.OnLocalCandidateDiscovered(ctx, peertest.HostCandidate("local", 1)))

	sub, err := store.Subscribe(ctx, signal.CandidatesTarget(id, signal.OfferCandidates))
	require.NoError(t, err)
	defer sub.Cancel()

	ev := <-sub.Events()
	assert.Empty(t, ev.Changes)
}

func TestCandidateQueue_LocalCandidatesGoOutImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id, err := store.CreateRecord(ctx)
	require.NoError(t, err)

	q := peer.NewCandidateQueue(peertest.NewConn("local"), store, id, signal.OfferCandidates)
	c := peertest.HostCandidate("local", 4)

	require.NoError(t, q.OnLocalCandidateDiscovered(ctx, c))

	sub, err := store.Subscribe(ctx, signal.CandidatesTarget(id, signal.OfferCandidates))
	require.NoError(t, err)
	defer sub.Cancel()

	added := signaltest.WaitAdded(t, sub, 1)
	assert.Equal(t, c.Candidate, added[0].Candidate.Candidate)
	assert.Equal(t, c.SDPMid, added[0].Candidate.SDPMid)
	assert.Equal(t, c.SDPMLineIndex, added[0].Candidate.SDPMLineIndex)
}

func TestCandidateQueue_LocalWriteFailureIsReturned(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Close())

	q := peer.NewCandidateQueue(peertest.NewConn("local"), store, "call", signal.OfferCandidates)

	err := q.OnLocalCandidateDiscovered(context.Background(), peertest.HostCandidate("local", 1))
	assert.True(t, signal.IsTransport(err))
}
