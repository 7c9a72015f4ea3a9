package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscription) ChangeEvent {
	t.Helper()

	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")

		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	return ChangeEvent{}
}

func TestHub_InitialThenPublishedInOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	target := CandidatesTarget("abc", OfferCandidates)
	sub, err := hub.Subscribe(target, ChangeEvent{})
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		hub.Publish(target, ChangeEvent{Changes: []DocumentChange{{Type: ChangeAdded, ID: id}}})
	}
	hub.Publish(RecordTarget("abc"), ChangeEvent{Record: &CallRecord{}})

	assert.Empty(t, recv(t, sub).Changes)
	assert.Equal(t, "1", recv(t, sub).Changes[0].ID)
	assert.Equal(t, "2", recv(t, sub).Changes[0].ID)
	assert.Equal(t, "3", recv(t, sub).Changes[0].ID)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for another target: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CancelClosesAndUnregisters(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	target := RecordTarget("abc")
	sub, err := hub.Subscribe(target, ChangeEvent{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(target))

	sub.Cancel()
	sub.Cancel()

	assert.Equal(t, 0, hub.Subscribers(target))

	for range sub.Events() {
	}

	assert.False(t, sub.Push(ChangeEvent{}))
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()

	sub, err := hub.Subscribe(RecordTarget("abc"), ChangeEvent{})
	require.NoError(t, err)

	hub.Close()

	for range sub.Events() {
	}

	_, err = hub.Subscribe(RecordTarget("abc"), ChangeEvent{})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestCallRecord_ApplyMergesOnlyPresentFields(t *testing.T) {
	rec := CallRecord{Offer: &SessionDescription{SDP: "o", Type: "offer"}}

	merged := rec.Apply(Patch{Answer: &SessionDescription{SDP: "a", Type: "answer"}})

	require.NotNil(t, merged.Offer)
	require.NotNil(t, merged.Answer)
	assert.Equal(t, "o", merged.Offer.SDP)
	assert.Equal(t, "a", merged.Answer.SDP)

	clone := merged.Clone()
	clone.Offer.SDP = "changed"
	assert.Equal(t, "o", merged.Offer.SDP)
}

func TestTransport_WrapsOnce(t *testing.T) {
	assert.NoError(t, Transport("get", nil))

	err := Transport("get", ErrStoreClosed)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.Same(t, err, Transport("set", err))
}
