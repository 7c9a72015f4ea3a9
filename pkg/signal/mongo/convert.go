package mongo

import (
	"time"

	"relay-call/pkg/signal"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type recordDoc struct {
	ID     string                     `bson:"_id"`
	Offer  *signal.SessionDescription `bson:"offer,omitempty"`
	Answer *signal.SessionDescription `bson:"answer,omitempty"`
}

func (d recordDoc) record() signal.CallRecord {
	return signal.CallRecord{Offer: d.Offer, Answer: d.Answer}
}

type candidateDoc struct {
	ID               string  `bson:"_id"`
	Record           string  `bson:"record"`
	Sub              string  `bson:"sub"`
	Seq              int64   `bson:"seq"`
	Candidate        string  `bson:"candidate"`
	SDPMid           *string `bson:"sdpMid"`
	SDPMLineIndex    *int32  `bson:"sdpMLineIndex"`
	UsernameFragment *string `bson:"usernameFragment"`
}

func newCandidateDoc(id string, sub signal.Subcollection, c signal.Candidate, now time.Time) candidateDoc {
	doc := candidateDoc{
		ID:               primitive.NewObjectID().Hex(),
		Record:           id,
		Sub:              string(sub),
		Seq:              now.UnixNano(),
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}

	if c.SDPMLineIndex != nil {
		idx := int32(*c.SDPMLineIndex)
		doc.SDPMLineIndex = &idx
	}

	return doc
}

func (d candidateDoc) candidate() signal.Candidate {
	c := signal.Candidate{
		Candidate:        d.Candidate,
		SDPMid:           d.SDPMid,
		UsernameFragment: d.UsernameFragment,
	}

	if d.SDPMLineIndex != nil {
		idx := uint16(*d.SDPMLineIndex)
		c.SDPMLineIndex = &idx
	}

	return c
}

type documentKey struct {
	ID string `bson:"_id"`
}

type recordChange struct {
	OperationType string      `bson:"operationType"`
	DocumentKey   documentKey `bson:"documentKey"`
	FullDocument  *recordDoc  `bson:"fullDocument"`
}

// event maps a change to a snapshot. An update whose lookup found nothing
// means the record was deleted in the meantime.
func (c recordChange) event() signal.ChangeEvent {
	if c.OperationType == "delete" || c.FullDocument == nil {
		return signal.ChangeEvent{}
	}

	rec := c.FullDocument.record()

	return signal.ChangeEvent{Record: &rec}
}

type candidateChange struct {
	OperationType string        `bson:"operationType"`
	DocumentKey   documentKey   `bson:"documentKey"`
	FullDocument  *candidateDoc `bson:"fullDocument"`
}

// seenSet tracks the candidates a subscription has reported, so that overlap
// between the initial query and the stream is dropped and deletes can be
// attributed to this sub-collection.
type seenSet map[string]signal.Candidate

func newSeenSet() seenSet {
	return make(seenSet)
}

func (s seenSet) add(doc candidateDoc) (signal.DocumentChange, bool) {
	if _, ok := s[doc.ID]; ok {
		return signal.DocumentChange{}, false
	}

	c := doc.candidate()
	s[doc.ID] = c

	return signal.DocumentChange{Type: signal.ChangeAdded, ID: doc.ID, Candidate: c}, true
}

func (s seenSet) apply(change candidateChange) (signal.DocumentChange, bool) {
	switch change.OperationType {
	case "insert":
		if change.FullDocument == nil {
			return signal.DocumentChange{}, false
		}

		return s.add(*change.FullDocument)
	case "delete":
		c, ok := s[change.DocumentKey.ID]
		if !ok {
			return signal.DocumentChange{}, false
		}
		delete(s, change.DocumentKey.ID)

		return signal.DocumentChange{Type: signal.ChangeRemoved, ID: change.DocumentKey.ID, Candidate: c}, true
	}

	return signal.DocumentChange{}, false
}
