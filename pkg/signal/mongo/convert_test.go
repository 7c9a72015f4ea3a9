package mongo

import (
	"testing"
	"time"

	"relay-call/pkg/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCandidateDoc_RoundTripsThroughBSON(t *testing.T) {
	mid, idx, ufrag := "audio", uint16(1), "f00d"
	in := signal.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host", SDPMid: &mid, SDPMLineIndex: &idx, UsernameFragment: &ufrag}

	doc := newCandidateDoc("rec", signal.AnswerCandidates, in, time.Unix(0, 42))
	assert.Equal(t, "rec", doc.Record)
	assert.Equal(t, "answerCandidates", doc.Sub)
	assert.Equal(t, int64(42), doc.Seq)

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var out candidateDoc
	require.NoError(t, bson.Unmarshal(raw, &out))
	assert.Equal(t, in, out.candidate())
}

func TestCandidateDoc_NullFieldsStayNil(t *testing.T) {
	doc := newCandidateDoc("rec", signal.OfferCandidates, signal.Candidate{Candidate: "c"}, time.Now())

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	var out candidateDoc
	require.NoError(t, bson.Unmarshal(raw, &out))

	c := out.candidate()
	assert.Nil(t, c.SDPMid)
	assert.Nil(t, c.SDPMLineIndex)
	assert.Nil(t, c.UsernameFragment)
}

func TestRecordChange_Event(t *testing.T) {
	offer := &signal.SessionDescription{SDP: "o", Type: "offer"}

	ev := recordChange{OperationType: "update", FullDocument: &recordDoc{ID: "x", Offer: offer}}.event()
	require.NotNil(t, ev.Record)
	assert.Equal(t, offer, ev.Record.Offer)

	assert.Nil(t, recordChange{OperationType: "delete"}.event().Record)
	assert.Nil(t, recordChange{OperationType: "update"}.event().Record)
}

func TestSeenSet_DedupesAndAttributesDeletes(t *testing.T) {
	seen := newSeenSet()
	doc := newCandidateDoc("rec", signal.OfferCandidates, signal.Candidate{Candidate: "c"}, time.Now())

	ch, ok := seen.add(doc)
	require.True(t, ok)
	assert.Equal(t, signal.ChangeAdded, ch.Type)

	_, ok = seen.apply(candidateChange{OperationType: "insert", FullDocument: &doc})
	assert.False(t, ok, "overlap between query and stream must be dropped")

	_, ok = seen.apply(candidateChange{OperationType: "delete", DocumentKey: documentKey{ID: "someone-else"}})
	assert.False(t, ok)

	ch, ok = seen.apply(candidateChange{OperationType: "delete", DocumentKey: documentKey{ID: doc.ID}})
	require.True(t, ok)
	assert.Equal(t, signal.ChangeRemoved, ch.Type)
	assert.Equal(t, "c", ch.Candidate.Candidate)
}
