// Package signal defines the signaling store: a remote collection of call
// records, each with two candidate sub-collections, that peers use to exchange
// session descriptions and ICE candidates. No media passes through it.
package signal

import (
	"context"
)

// DefaultCollection is the collection call records live in unless configured
// otherwise.
const DefaultCollection = "calls"

// Subcollection names one of the two candidate lists hanging off a record.
type Subcollection string

const (
	// OfferCandidates is written by the caller and read by the callee.
	OfferCandidates Subcollection = "offerCandidates"
	// AnswerCandidates is written by the callee and read by the caller.
	AnswerCandidates Subcollection = "answerCandidates"
)

func (s Subcollection) Valid() bool {
	return s == OfferCandidates || s == AnswerCandidates
}

// Subcollections lists every candidate sub-collection of a record.
var Subcollections = []Subcollection{OfferCandidates, AnswerCandidates}

type SessionDescription struct {
	SDP  string `json:"sdp" bson:"sdp"`
	Type string `json:"type" bson:"type"`
}

// CallRecord is the shared document of one call attempt. Offer is written once
// by the caller, Answer once by the callee.
type CallRecord struct {
	Offer  *SessionDescription `json:"offer,omitempty" bson:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty" bson:"answer,omitempty"`
}

// Patch is a field-level merge: nil fields are left untouched.
type Patch struct {
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// Apply returns r with every field present in p overwritten.
func (r CallRecord) Apply(p Patch) CallRecord {
	if p.Offer != nil {
		offer := *p.Offer
		r.Offer = &offer
	}

	if p.Answer != nil {
		answer := *p.Answer
		r.Answer = &answer
	}

	return r
}

// Clone returns a deep copy so snapshots handed to subscribers never alias
// store state.
func (r CallRecord) Clone() *CallRecord {
	c := CallRecord{}.Apply(Patch(r))

	return &c
}

// Candidate mirrors the standard ICE candidate serialization.
type Candidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid" bson:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex" bson:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment" bson:"usernameFragment"`
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// DocumentChange is one entry of a sub-collection change notification.
type DocumentChange struct {
	Type      ChangeType `json:"type"`
	ID        string     `json:"id"`
	Candidate Candidate  `json:"candidate"`
}

// Target selects what a subscription observes: the record itself when
// Subcollection is empty, otherwise one of its candidate lists.
type Target struct {
	RecordID      string        `json:"record"`
	Subcollection Subcollection `json:"sub,omitempty"`
}

func RecordTarget(id string) Target {
	return Target{RecordID: id}
}

func CandidatesTarget(id string, sub Subcollection) Target {
	return Target{RecordID: id, Subcollection: sub}
}

func (t Target) IsRecord() bool {
	return t.Subcollection == ""
}

func (t Target) String() string {
	if t.IsRecord() {
		return t.RecordID
	}

	return t.RecordID + "/" + string(t.Subcollection)
}

// ChangeEvent is one notification. Record targets carry a full snapshot in
// Record (nil once the record is absent); sub-collection targets carry Changes.
type ChangeEvent struct {
	Record  *CallRecord      `json:"record,omitempty"`
	Changes []DocumentChange `json:"changes,omitempty"`
}

// Subscription is a cancellable stream of change events. The first event is
// the current state: the record snapshot, or every existing item as added.
// Events is closed once the subscription is cancelled or the store closes.
type Subscription interface {
	Events() <-chan ChangeEvent
	Cancel()
}

// Store is bound to a single collection. All operations may fail with a
// *TransportError; none of them retry.
type Store interface {
	// CreateRecord writes an empty record and returns its generated id.
	CreateRecord(ctx context.Context) (string, error)
	// SetRecord merges patch into the record, creating it if absent.
	SetRecord(ctx context.Context, id string, patch Patch) error
	// GetRecord reports ok=false when the record does not exist.
	GetRecord(ctx context.Context, id string) (rec CallRecord, ok bool, err error)
	// AppendCandidate adds c to the named sub-collection and returns its id.
	AppendCandidate(ctx context.Context, id string, sub Subcollection, c Candidate) (string, error)
	Subscribe(ctx context.Context, target Target) (Subscription, error)
	DeleteRecord(ctx context.Context, id string) error
	DeleteSubcollection(ctx context.Context, id string, sub Subcollection) error
	Close() error
}
