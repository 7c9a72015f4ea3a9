package relay_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay-call/pkg/relay"
	"relay-call/pkg/signal"
	"relay-call/pkg/signal/memory"
	"relay-call/pkg/signal/signaltest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *memory.Store
	http  *httptest.Server
	url   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	srv := httptest.NewServer(relay.NewServer(store, prometheus.NewRegistry()).Handler())

	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
	})

	return &fixture{
		store: store,
		http:  srv,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + relay.Path,
	}
}

func (f *fixture) dial(t *testing.T) *relay.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := relay.Dial(ctx, f.url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestClient(t *testing.T) {
	signaltest.Run(t, func(t *testing.T) signal.Store {
		return newFixture(t).dial(t)
	})
}

func TestClient_TwoPeersShareOneStore(t *testing.T) {
	f := newFixture(t)
	caller, callee := f.dial(t), f.dial(t)
	ctx := context.Background()

	id, err := caller.CreateRecord(ctx)
	require.NoError(t, err)

	cands, err := callee.Subscribe(ctx, signal.CandidatesTarget(id, signal.OfferCandidates))
	require.NoError(t, err)
	defer cands.Cancel()

	_, err = caller.AppendCandidate(ctx, id, signal.OfferCandidates, signaltest.Candidate(2))
	require.NoError(t, err)

	added := signaltest.WaitAdded(t, cands, 1)
	assert.Equal(t, signaltest.Candidate(2).Candidate, added[0].Candidate.Candidate)

	rec, ok, err := f.store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, rec.Offer)
}

func TestClient_CloseEndsSubscriptionsAndCalls(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	ctx := context.Background()

	id, err := c.CreateRecord(ctx)
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, signal.RecordTarget(id))
	require.NoError(t, err)

	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not done after close")
	}

	for range sub.Events() {
	}

	_, err = c.CreateRecord(ctx)
	assert.True(t, signal.IsTransport(err))
}

func TestClient_StoreClosedOnServerEndsSubscription(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)
	ctx := context.Background()

	id, err := c.CreateRecord(ctx)
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, signal.RecordTarget(id))
	require.NoError(t, err)

	require.NoError(t, f.store.Close())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub.Events() {
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription survived the store closing")
	}

	_, err = c.CreateRecord(ctx)
	assert.ErrorIs(t, err, signal.ErrStoreClosed)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t)

	_, err := c.CreateRecord(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_call_requests_total{op="create",result="ok"} 1`)
	assert.Contains(t, string(body), "relay_call_connections 1")
}
