// Package memory is an in-process signaling store. Both peers must share the
// same *Store, which makes it the backend for tests and for the relay server.
package memory

import (
	"context"
	"sync"

	"relay-call/pkg/signal"

	"github.com/google/uuid"
)

type item struct {
	id        string
	candidate signal.Candidate
}

// Store keeps documents and candidate lists apart: as in document databases a
// sub-collection does not need its parent document to exist.
type Store struct {
	mu         sync.Mutex
	records    map[string]signal.CallRecord
	candidates map[signal.Target][]item
	hub        *signal.Hub
	closed     bool
}

var _ signal.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records:    make(map[string]signal.CallRecord),
		candidates: make(map[signal.Target][]item),
		hub:        signal.NewHub(),
	}
}

func (s *Store) CreateRecord(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "create"); err != nil {
		return "", err
	}

	id := uuid.NewString()
	s.records[id] = signal.CallRecord{}
	s.hub.Publish(signal.RecordTarget(id), signal.ChangeEvent{Record: &signal.CallRecord{}})

	return id, nil
}

func (s *Store) SetRecord(ctx context.Context, id string, patch signal.Patch) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "set"); err != nil {
		return err
	}

	rec := s.records[id].Apply(patch)
	s.records[id] = rec
	s.hub.Publish(signal.RecordTarget(id), signal.ChangeEvent{Record: rec.Clone()})

	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (signal.CallRecord, bool, error) {
	if err := signal.Validate(id, ""); err != nil {
		return signal.CallRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "get"); err != nil {
		return signal.CallRecord{}, false, err
	}

	rec, ok := s.records[id]
	if !ok {
		return signal.CallRecord{}, false, nil
	}

	return *rec.Clone(), true, nil
}

func (s *Store) AppendCandidate(ctx context.Context, id string, sub signal.Subcollection, c signal.Candidate) (string, error) {
	if err := signal.Validate(id, sub); err != nil {
		return "", err
	}
	if sub == "" {
		return "", signal.ErrInvalidSubcollection
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "append"); err != nil {
		return "", err
	}

	target := signal.CandidatesTarget(id, sub)
	it := item{id: uuid.NewString(), candidate: c}
	s.candidates[target] = append(s.candidates[target], it)

	s.hub.Publish(target, signal.ChangeEvent{
		Changes: []signal.DocumentChange{{Type: signal.ChangeAdded, ID: it.id, Candidate: c}},
	})

	return it.id, nil
}

func (s *Store) Subscribe(ctx context.Context, target signal.Target) (signal.Subscription, error) {
	if err := signal.Validate(target.RecordID, target.Subcollection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "subscribe"); err != nil {
		return nil, err
	}

	feed, err := s.hub.Subscribe(target, s.snapshot(target))
	if err != nil {
		return nil, signal.Transport("subscribe", err)
	}

	return feed, nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "delete"); err != nil {
		return err
	}

	if _, ok := s.records[id]; !ok {
		return nil
	}

	delete(s.records, id)
	s.hub.Publish(signal.RecordTarget(id), signal.ChangeEvent{})

	return nil
}

func (s *Store) DeleteSubcollection(ctx context.Context, id string, sub signal.Subcollection) error {
	if err := signal.Validate(id, sub); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "delete"); err != nil {
		return err
	}

	target := signal.CandidatesTarget(id, sub)
	items := s.candidates[target]
	if len(items) == 0 {
		return nil
	}
	delete(s.candidates, target)

	changes := make([]signal.DocumentChange, 0, len(items))
	for _, it := range items {
		changes = append(changes, signal.DocumentChange{Type: signal.ChangeRemoved, ID: it.id, Candidate: it.candidate})
	}
	s.hub.Publish(target, signal.ChangeEvent{Changes: changes})

	return nil
}

// Len reports how many documents (records plus candidates) the store holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	for _, items := range s.candidates {
		n += len(items)
	}

	return n
}

// Subscribers reports how many live subscriptions observe target.
func (s *Store) Subscribers(target signal.Target) int {
	return s.hub.Subscribers(target)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.hub.Close()

	return nil
}

func (s *Store) check(ctx context.Context, op string) error {
	if s.closed {
		return signal.Transport(op, signal.ErrStoreClosed)
	}

	return signal.Transport(op, ctx.Err())
}

func (s *Store) snapshot(target signal.Target) signal.ChangeEvent {
	if target.IsRecord() {
		rec, ok := s.records[target.RecordID]
		if !ok {
			return signal.ChangeEvent{}
		}

		return signal.ChangeEvent{Record: rec.Clone()}
	}

	items := s.candidates[target]
	changes := make([]signal.DocumentChange, 0, len(items))
	for _, it := range items {
		changes = append(changes, signal.DocumentChange{Type: signal.ChangeAdded, ID: it.id, Candidate: it.candidate})
	}

	return signal.ChangeEvent{Changes: changes}
}
