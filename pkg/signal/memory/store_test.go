package memory_test

import (
	"context"
	"testing"

	"relay-call/pkg/signal"
	"relay-call/pkg/signal/memory"
	"relay-call/pkg/signal/signaltest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	signaltest.Run(t, func(t *testing.T) signal.Store {
		s := memory.New()
		t.Cleanup(func() { _ = s.Close() })

		return s
	})
}

func TestStore_ClosedReportsTransportError(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.Close())

	_, err := s.CreateRecord(context.Background())
	assert.True(t, signal.IsTransport(err))
	assert.ErrorIs(t, err, signal.ErrStoreClosed)
}

func TestStore_LenCountsCandidates(t *testing.T) {
	s := memory.New()
	defer s.Close()

	ctx := context.Background()
	id, err := s.CreateRecord(ctx)
	require.NoError(t, err)

	_, err = s.AppendCandidate(ctx, id, signal.OfferCandidates, signaltest.Candidate(0))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.DeleteSubcollection(ctx, id, signal.OfferCandidates))
	require.NoError(t, s.DeleteRecord(ctx, id))
	assert.Zero(t, s.Len())
}
