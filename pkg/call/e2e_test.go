package call_test

import (
	"context"
	"testing"
	"time"

	"relay-call/pkg/call"
	"relay-call/pkg/log"
	"relay-call/pkg/peer"
	"relay-call/pkg/signal/memory"

	"github.com/pion/transport/v3/vnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVNetFactory(t *testing.T, router *vnet.Router, ip string) peer.Factory {
	t.Helper()

	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(n))

	f, err := peer.NewWebRTC(peer.WebRTCConfig{Net: n}, peer.ReceiveOnly{})
	require.NoError(t, err)

	return f
}

func TestSession_PionOverVirtualNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("runs real ICE and DTLS")
	}

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: log.PionFactory{},
	})
	require.NoError(t, err)

	callerFactory := newVNetFactory(t, router, "10.0.0.1")
	calleeFactory := newVNetFactory(t, router, "10.0.0.2")

	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := memory.New()

	caller := call.New(call.Config{Store: store, Factory: callerFactory, Channel: call.DefaultChannel})
	callee := call.New(call.Config{Store: store, Factory: calleeFactory})

	t.Cleanup(func() {
		_ = caller.Hangup(context.Background())
		_ = callee.Hangup(context.Background())
	})

	id, err := caller.Call(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.Join(ctx, id))

	callerEvents := waitAll(t, caller, call.EventConnected, call.EventChannel)
	calleeEvents := waitAll(t, callee, call.EventConnected, call.EventChannel)

	out := callerEvents[call.EventChannel]
	in := calleeEvents[call.EventChannel]

	go func() {
		_, _ = out.Channel.Write([]byte("ping"))
	}()

	buf := make([]byte, 64)
	n, err := in.Channel.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, caller.Hangup(ctx))
	waitEvent(t, callee, call.EventRemoteHangup)

	_, ok, err := store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

// waitAll collects the first event of each type, failing on EventError.
func waitAll(t *testing.T, s *call.Session, types ...call.EventType) map[call.EventType]call.Event {
	t.Helper()

	want := make(map[call.EventType]bool, len(types))
	for _, typ := range types {
		want[typ] = true
	}

	got := make(map[call.EventType]call.Event, len(types))
	deadline := time.After(20 * time.Second)

	for len(got) < len(want) {
		select {
		case ev := <-s.Events():
			if ev.Type == call.EventError {
				t.Fatalf("session failed: %s", ev.Err)
			}

			if _, seen := got[ev.Type]; want[ev.Type] && !seen {
				got[ev.Type] = ev
			}
		case <-deadline:
			t.Fatalf("timed out, got %d of %d events", len(got), len(want))
		}
	}

	return got
}
