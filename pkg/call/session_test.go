package call_test

import (
	"context"
	"io"
	"testing"
	"time"

	"relay-call/pkg/call"
	"relay-call/pkg/peer"
	"relay-call/pkg/peer/peertest"
	"relay-call/pkg/signal"
	"relay-call/pkg/signal/memory"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 5 * time.Second

type party struct {
	session *call.Session
	media   *peertest.Media
	factory *peertest.Factory
	conn    *peertest.Conn
}

func newParty(store signal.Store, conn *peertest.Conn) *party {
	p := &party{
		media:   &peertest.Media{},
		factory: peertest.NewFactory(conn),
		conn:    conn,
	}

	p.session = call.New(call.Config{
		Store:       store,
		Factory:     p.factory,
		Media:       p.media,
		Constraints: peer.Constraints{Audio: true, Video: true},
		Channel:     call.DefaultChannel,
	})

	return p
}

func newCall(t *testing.T) (context.Context, *memory.Store, *party, *party) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*wait)
	t.Cleanup(cancel)

	store := memory.New()
	a, b := peertest.Pair()
	caller, callee := newParty(store, a), newParty(store, b)

	t.Cleanup(func() {
		_ = caller.session.Hangup(context.Background())
		_ = callee.session.Hangup(context.Background())
	})

	return ctx, store, caller, callee
}

// waitEvent reads events until one of type typ arrives.
func waitEvent(t *testing.T, s *call.Session, typ call.EventType) call.Event {
	t.Helper()

	deadline := time.After(wait)

	for {
		select {
		case ev := <-s.Events():
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func connect(t *testing.T, ctx context.Context, caller, callee *party) string {
	t.Helper()

	id, err := caller.session.Call(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, callee.session.Join(ctx, id))

	waitEvent(t, caller.session, call.EventConnected)
	waitEvent(t, callee.session, call.EventConnected)

	return id
}

func assertGone(t *testing.T, ctx context.Context, store *memory.Store, id string) {
	t.Helper()

	_, ok, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "record still present")

	for _, sub := range signal.Subcollections {
		s, err := store.Subscribe(ctx, signal.CandidatesTarget(id, sub))
		require.NoError(t, err)

		ev := <-s.Events()
		assert.Empty(t, ev.Changes, "%s not deleted", sub)
		s.Cancel()
	}
}

func assertStopped(t *testing.T, tracks []*peertest.Track) {
	t.Helper()

	for _, tr := range tracks {
		assert.Equal(t, 1, tr.Stopped(), "track %s", tr.ID())
	}
}

func TestSession_HappyPath(t *testing.T) {
	ctx, store, caller, callee := newCall(t)

	id := connect(t, ctx, caller, callee)

	assert.Equal(t, call.StateConnected, caller.session.State())
	assert.Equal(t, call.StateConnected, callee.session.State())
	assert.Equal(t, call.RoleCaller, caller.session.Role())
	assert.Equal(t, call.RoleCallee, callee.session.Role())
	assert.Equal(t, id, caller.session.RecordID())
	assert.Equal(t, id, callee.session.RecordID())

	rec, ok, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.Offer)
	require.NotNil(t, rec.Answer)

	assert.Equal(t, 1, caller.conn.RemoteSets())
	assert.True(t, caller.conn.HasMedia())
	assert.Len(t, caller.conn.Received(), 2)
}

func TestSession_MessageChannel(t *testing.T) {
	ctx, _, caller, callee := newCall(t)

	id, err := caller.session.Call(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.session.Join(ctx, id))

	out := waitEvent(t, caller.session, call.EventChannel)
	in := waitEvent(t, callee.session, call.EventChannel)
	assert.Equal(t, call.DefaultChannel, in.Label)

	go func() {
		_, _ = out.Channel.Write([]byte("hello"))
	}()

	buf := make([]byte, 5)
	_, err = io.ReadFull(in.Channel, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestSession_PrematureAnswer(t *testing.T) {
	ctx, store, _, callee := newCall(t)

	id, err := store.CreateRecord(ctx)
	require.NoError(t, err)

	err = callee.session.Join(ctx, id)
	require.ErrorIs(t, err, signal.ErrOfferNotReady)
	assert.True(t, call.Recoverable(err))

	rec, ok, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, rec.Offer)
	assert.Nil(t, rec.Answer)

	assert.Equal(t, call.StateLocalMediaReady, callee.session.State())
	assert.Equal(t, call.RoleUndecided, callee.session.Role())
	assert.True(t, callee.conn.Closed())

	for _, tr := range callee.media.Acquired() {
		assert.Zero(t, tr.Stopped())
	}
}

func TestSession_JoinAfterRetry(t *testing.T) {
	ctx, store, _, _ := newCall(t)

	a, b := peertest.Pair()
	caller := newParty(store, a)
	callee := newParty(store, b)
	callee.factory = peertest.NewFactory(peertest.NewConn("discarded"), b)
	callee.session = call.New(call.Config{Store: store, Factory: callee.factory, Media: callee.media})

	t.Cleanup(func() {
		_ = caller.session.Hangup(context.Background())
		_ = callee.session.Hangup(context.Background())
	})

	require.ErrorIs(t, callee.session.Join(ctx, "not-created-yet"), signal.ErrCallNotFound)

	id, err := caller.session.Call(ctx)
	require.NoError(t, err)

	require.NoError(t, callee.session.Join(ctx, id))

	waitEvent(t, caller.session, call.EventConnected)
	waitEvent(t, callee.session, call.EventConnected)

	require.NoError(t, caller.session.Hangup(ctx))
	waitEvent(t, callee.session, call.EventClosed)
}

func TestSession_AlreadyAnswered(t *testing.T) {
	ctx, store, caller, callee := newCall(t)

	id := connect(t, ctx, caller, callee)

	third := newParty(store, peertest.NewConn("third"))
	t.Cleanup(func() { _ = third.session.Hangup(context.Background()) })

	err := third.session.Join(ctx, id)
	require.ErrorIs(t, err, signal.ErrAlreadyAnswered)
	assert.Equal(t, call.StateLocalMediaReady, third.session.State())

	assert.Equal(t, call.StateConnected, caller.session.State())
	assert.Equal(t, 1, caller.conn.RemoteSets())
}

func TestSession_HangupMidCall(t *testing.T) {
	ctx, store, caller, callee := newCall(t)

	id := connect(t, ctx, caller, callee)

	require.NoError(t, caller.session.Hangup(ctx))

	assert.Equal(t, call.StateIdle, caller.session.State())
	assert.Equal(t, call.RoleUndecided, caller.session.Role())
	assert.Empty(t, caller.session.RecordID())
	assert.True(t, caller.conn.Closed())
	assertStopped(t, caller.media.Acquired())
	assertStopped(t, caller.conn.Received())
	assertGone(t, ctx, store, id)

	assert.Zero(t, store.Subscribers(signal.RecordTarget(id)))
	assert.Zero(t, store.Subscribers(signal.CandidatesTarget(id, signal.AnswerCandidates)))

	ev := waitEvent(t, callee.session, call.EventClosed)
	assert.ErrorIs(t, ev.Err, call.ErrRemoteHangup)
	assert.Equal(t, call.StateIdle, callee.session.State())
	assertStopped(t, callee.media.Acquired())
	assertStopped(t, callee.conn.Received())

	assert.Eventually(t, func() bool {
		return store.Subscribers(signal.CandidatesTarget(id, signal.OfferCandidates)) == 0
	}, wait, 10*time.Millisecond)
	assert.Zero(t, store.Len())
}

func TestSession_HangupTwice(t *testing.T) {
	ctx, _, caller, callee := newCall(t)

	connect(t, ctx, caller, callee)

	require.NoError(t, caller.session.Hangup(ctx))
	require.NoError(t, caller.session.Hangup(ctx))

	assert.Equal(t, call.StateIdle, caller.session.State())
	assertStopped(t, caller.media.Acquired())
}

func TestSession_HangupBeforeConnected(t *testing.T) {
	ctx, store, caller, _ := newCall(t)

	idle := call.New(call.Config{Store: store, Factory: peertest.NewFactory()})
	require.NoError(t, idle.Hangup(ctx))
	assert.Equal(t, call.StateIdle, idle.State())

	require.NoError(t, caller.session.StartMedia(ctx))
	require.NoError(t, caller.session.Hangup(ctx))
	assert.Equal(t, call.StateIdle, caller.session.State())
	assertStopped(t, caller.media.Acquired())

	id, err := caller.session.Call(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.session.Hangup(ctx))

	assertGone(t, ctx, store, id)
	assert.Zero(t, store.Subscribers(signal.RecordTarget(id)))
	assert.Zero(t, store.Subscribers(signal.CandidatesTarget(id, signal.AnswerCandidates)))
}

func TestSession_MediaAccessError(t *testing.T) {
	ctx, _, caller, _ := newCall(t)

	caller.media.Err = errors.New("permission denied")

	_, err := caller.session.Call(ctx)

	var mae *peer.MediaAccessError
	require.True(t, errors.As(err, &mae))
	assert.Equal(t, call.StateIdle, caller.session.State())
	assert.Empty(t, caller.factory.Made())
}

func TestSession_ConnectionFailureTearsDown(t *testing.T) {
	ctx, store, caller, callee := newCall(t)

	id := connect(t, ctx, caller, callee)

	caller.conn.Fail()

	ev := waitEvent(t, caller.session, call.EventError)

	var ne *peer.NegotiationError
	require.True(t, errors.As(ev.Err, &ne))
	assert.ErrorIs(t, ev.Err, call.ErrConnectionFailed)

	closed := waitEvent(t, caller.session, call.EventClosed)
	assert.Equal(t, ev.Err, closed.Err)
	assert.Equal(t, call.StateIdle, caller.session.State())
	assertGone(t, ctx, store, id)

	waitEvent(t, callee.session, call.EventRemoteHangup)
}

func TestSession_DisconnectIsNotFatal(t *testing.T) {
	ctx, _, caller, callee := newCall(t)

	connect(t, ctx, caller, callee)

	caller.conn.Disconnect()

	waitEvent(t, caller.session, call.EventDisconnected)
	assert.Equal(t, call.StateConnected, caller.session.State())
}

func TestSession_RejectedOfferTearsDownCallee(t *testing.T) {
	ctx, store, caller, callee := newCall(t)

	callee.conn.FailRemote = errors.New("unsupported codec")

	id, err := caller.session.Call(ctx)
	require.NoError(t, err)

	err = callee.session.Join(ctx, id)

	var ne *peer.NegotiationError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, call.StateIdle, callee.session.State())
	assertStopped(t, callee.media.Acquired())

	waitEvent(t, caller.session, call.EventRemoteHangup)
	assertGone(t, ctx, store, id)
}

func TestSession_Reusable(t *testing.T) {
	ctx, store, _, _ := newCall(t)

	a1, b1 := peertest.Pair()
	a2, b2 := peertest.Pair()
	caller := &party{media: &peertest.Media{}, factory: peertest.NewFactory(a1, a2)}
	callee := &party{media: &peertest.Media{}, factory: peertest.NewFactory(b1, b2)}

	for _, p := range []*party{caller, callee} {
		p.session = call.New(call.Config{
			Store:       store,
			Factory:     p.factory,
			Media:       p.media,
			Constraints: peer.Constraints{Audio: true},
		})
	}

	for round := 0; round < 2; round++ {
		id := connect(t, ctx, caller, callee)

		require.NoError(t, caller.session.Hangup(ctx))
		waitEvent(t, callee.session, call.EventClosed)
		assertGone(t, ctx, store, id)
	}

	assert.Len(t, caller.factory.Made(), 2)
	assert.Len(t, caller.media.Acquired(), 2)
	assertStopped(t, caller.media.Acquired())
}

func TestSession_BusyWhileInCall(t *testing.T) {
	ctx, _, caller, callee := newCall(t)

	id := connect(t, ctx, caller, callee)

	_, err := caller.session.Call(ctx)
	assert.ErrorIs(t, err, call.ErrBusy)

	assert.ErrorIs(t, callee.session.Join(ctx, id), call.ErrBusy)
	assert.ErrorIs(t, caller.session.StartMedia(ctx), call.ErrBusy)
}
