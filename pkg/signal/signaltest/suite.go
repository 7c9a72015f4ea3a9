// Package signaltest holds the behaviour every signal.Store backend must share.
// Backends that deliver notifications asynchronously may coalesce or repeat
// events, so the checks wait for a state rather than for an exact sequence.
package signaltest

import (
	"context"
	"testing"
	"time"

	"relay-call/pkg/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Timeout bounds every wait on a subscription.
var Timeout = 5 * time.Second

// Factory returns a fresh, empty store. Cleanup is the factory's business.
type Factory func(t *testing.T) signal.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateThenGet", func(t *testing.T) { testCreateThenGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SetMerges", func(t *testing.T) { testSetMerges(t, newStore(t)) })
	t.Run("RecordSubscription", func(t *testing.T) { testRecordSubscription(t, newStore(t)) })
	t.Run("LateCandidateSubscriber", func(t *testing.T) { testLateCandidateSubscriber(t, newStore(t)) })
	t.Run("SubcollectionsIsolated", func(t *testing.T) { testSubcollectionsIsolated(t, newStore(t)) })
	t.Run("DeleteEverything", func(t *testing.T) { testDeleteEverything(t, newStore(t)) })
	t.Run("CancelClosesEvents", func(t *testing.T) { testCancelClosesEvents(t, newStore(t)) })
	t.Run("RejectsBadArguments", func(t *testing.T) { testRejectsBadArguments(t, newStore(t)) })
}

func offer(sdp string) *signal.SessionDescription {
	return &signal.SessionDescription{SDP: sdp, Type: "offer"}
}

func answer(sdp string) *signal.SessionDescription {
	return &signal.SessionDescription{SDP: sdp, Type: "answer"}
}

// Candidate builds a candidate line with every optional field set.
func Candidate(n int) signal.Candidate {
	mid := "0"
	idx := uint16(0)
	ufrag := "ufrag"

	return signal.Candidate{
		Candidate:        "candidate:" + string(rune('a'+n)) + " 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:           &mid,
		SDPMLineIndex:    &idx,
		UsernameFragment: &ufrag,
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), Timeout)
	t.Cleanup(cancel)

	return c
}

// WaitRecord reads events until one satisfies pred.
func WaitRecord(t *testing.T, sub signal.Subscription, pred func(*signal.CallRecord) bool) *signal.CallRecord {
	t.Helper()

	deadline := time.After(Timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			if pred(ev.Record) {
				return ev.Record
			}
		case <-deadline:
			t.Fatal("timed out waiting for record state")

			return nil
		}
	}
}

// WaitAdded reads events until n distinct candidates were added and returns
// them in arrival order.
func WaitAdded(t *testing.T, sub signal.Subscription, n int) []signal.DocumentChange {
	t.Helper()

	seen := make(map[string]bool)
	var added []signal.DocumentChange

	deadline := time.After(Timeout)
	for len(added) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			for _, ch := range ev.Changes {
				if ch.Type == signal.ChangeAdded && !seen[ch.ID] {
					seen[ch.ID] = true
					added = append(added, ch)
				}
			}
		case <-deadline:
			t.Fatalf("timed out: %d of %d candidates added", len(added), n)
		}
	}

	return added
}

func testCreateThenGet(t *testing.T, s signal.Store) {
	id, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, ok, err := s.GetRecord(ctx(t), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, rec.Offer)
	assert.Nil(t, rec.Answer)

	other, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func testGetMissing(t *testing.T, s signal.Store) {
	_, ok, err := s.GetRecord(ctx(t), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSetMerges(t *testing.T, s signal.Store) {
	id, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)

	require.NoError(t, s.SetRecord(ctx(t), id, signal.Patch{Offer: offer("o")}))
	require.NoError(t, s.SetRecord(ctx(t), id, signal.Patch{Answer: answer("a")}))

	rec, ok, err := s.GetRecord(ctx(t), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.Offer)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, "o", rec.Offer.SDP)
	assert.Equal(t, "offer", rec.Offer.Type)
	assert.Equal(t, "a", rec.Answer.SDP)
	assert.Equal(t, "answer", rec.Answer.Type)
}

func testRecordSubscription(t *testing.T, s signal.Store) {
	id, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)
	require.NoError(t, s.SetRecord(ctx(t), id, signal.Patch{Offer: offer("o")}))

	sub, err := s.Subscribe(ctx(t), signal.RecordTarget(id))
	require.NoError(t, err)
	defer sub.Cancel()

	WaitRecord(t, sub, func(r *signal.CallRecord) bool {
		return r != nil && r.Offer != nil && r.Answer == nil
	})

	require.NoError(t, s.SetRecord(ctx(t), id, signal.Patch{Answer: answer("a")}))

	rec := WaitRecord(t, sub, func(r *signal.CallRecord) bool { return r != nil && r.Answer != nil })
	assert.Equal(t, "a", rec.Answer.SDP)
	assert.Equal(t, "o", rec.Offer.SDP)

	require.NoError(t, s.DeleteRecord(ctx(t), id))

	WaitRecord(t, sub, func(r *signal.CallRecord) bool { return r == nil })
}

func testLateCandidateSubscriber(t *testing.T, s signal.Store) {
	id, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.AppendCandidate(ctx(t), id, signal.OfferCandidates, Candidate(i))
		require.NoError(t, err)
	}

	sub, err := s.Subscribe(ctx(t), signal.CandidatesTarget(id, signal.OfferCandidates))
	require.NoError(t, err)
	defer sub.Cancel()

	early := WaitAdded(t, sub, 3)
	got := map[string]bool{}
	for _, ch := range early {
		got[ch.Candidate.Candidate] = true
		require.NotNil(t, ch.Candidate.SDPMid)
		require.NotNil(t, ch.Candidate.SDPMLineIndex)
		require.NotNil(t, ch.Candidate.UsernameFragment)
		assert.Equal(t, "0", *ch.Candidate.SDPMid)
		assert.Equal(t, uint16(0), *ch.Candidate.SDPMLineIndex)
		assert.Equal(t, "ufrag", *ch.Candidate.UsernameFragment)
	}
	for i := 0; i < 3; i++ {
		assert.True(t, got[Candidate(i).Candidate])
	}

	_, err = s.AppendCandidate(ctx(t), id, signal.OfferCandidates, signal.Candidate{Candidate: "late"})
	require.NoError(t, err)

	late := WaitAdded(t, sub, 1)
	assert.Equal(t, "late", late[0].Candidate.Candidate)
	assert.Nil(t, late[0].Candidate.SDPMid)
	assert.Nil(t, late[0].Candidate.SDPMLineIndex)
}

func testSubcollectionsIsolated(t *testing.T, s signal.Store) {
	id, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)

	answers, err := s.Subscribe(ctx(t), signal.CandidatesTarget(id, signal.AnswerCandidates))
	require.NoError(t, err)
	defer answers.Cancel()

	_, err = s.AppendCandidate(ctx(t), id, signal.OfferCandidates, signal.Candidate{Candidate: "from-caller"})
	require.NoError(t, err)
	_, err = s.AppendCandidate(ctx(t), id, signal.AnswerCandidates, signal.Candidate{Candidate: "from-callee"})
	require.NoError(t, err)

	added := WaitAdded(t, answers, 1)
	assert.Equal(t, "from-callee", added[0].Candidate.Candidate)
}

func testDeleteEverything(t *testing.T, s signal.Store) {
	id, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)
	require.NoError(t, s.SetRecord(ctx(t), id, signal.Patch{Offer: offer("o")}))

	for _, sub := range signal.Subcollections {
		_, err := s.AppendCandidate(ctx(t), id, sub, signal.Candidate{Candidate: string(sub)})
		require.NoError(t, err)
	}

	for _, sub := range signal.Subcollections {
		require.NoError(t, s.DeleteSubcollection(ctx(t), id, sub))
	}
	require.NoError(t, s.DeleteRecord(ctx(t), id))

	_, ok, err := s.GetRecord(ctx(t), id)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, sub := range signal.Subcollections {
		feed, err := s.Subscribe(ctx(t), signal.CandidatesTarget(id, sub))
		require.NoError(t, err)

		select {
		case ev := <-feed.Events():
			for _, ch := range ev.Changes {
				assert.NotEqual(t, signal.ChangeAdded, ch.Type, "candidate survived deletion")
			}
		case <-time.After(Timeout):
			t.Fatal("no initial snapshot")
		}
		feed.Cancel()
	}

	// Deleting what is already gone is not an error.
	require.NoError(t, s.DeleteRecord(ctx(t), id))
	require.NoError(t, s.DeleteSubcollection(ctx(t), id, signal.OfferCandidates))
}

func testCancelClosesEvents(t *testing.T, s signal.Store) {
	id, err := s.CreateRecord(ctx(t))
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx(t), signal.RecordTarget(id))
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()

	deadline := time.After(Timeout)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events not closed after cancel")
		}
	}
}

func testRejectsBadArguments(t *testing.T, s signal.Store) {
	_, err := s.AppendCandidate(ctx(t), "abc", signal.Subcollection("sideCandidates"), signal.Candidate{})
	assert.ErrorIs(t, err, signal.ErrInvalidSubcollection)

	_, _, err = s.GetRecord(ctx(t), "")
	assert.ErrorIs(t, err, signal.ErrEmptyID)
}
