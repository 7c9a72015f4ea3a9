// Package mongo stores call records in MongoDB and turns change streams into
// subscriptions. Change streams need a replica set (a single-node one is
// enough).
package mongo

import (
	"context"
	"time"

	"relay-call/pkg/log"
	"relay-call/pkg/signal"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Store struct {
	client     *mongo.Client
	records    *mongo.Collection
	candidates *mongo.Collection

	// Cancels every change stream on Close.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ signal.Store = (*Store)(nil)

// Connect dials uri and opens collection (plus "<collection>_candidates") in
// database. The returned store owns the client.
func Connect(ctx context.Context, uri, database, collection string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongodb")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, errors.Wrap(err, "ping mongodb")
	}

	s := New(client.Database(database), collection)
	s.client = client

	return s, nil
}

// New uses an existing database handle; Close leaves the client connected.
func New(db *mongo.Database, collection string) *Store {
	if collection == "" {
		collection = signal.DefaultCollection
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		records:    db.Collection(collection),
		candidates: db.Collection(collection + "_candidates"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Store) CreateRecord(ctx context.Context) (string, error) {
	id := primitive.NewObjectID().Hex()

	if _, err := s.records.InsertOne(ctx, recordDoc{ID: id}); err != nil {
		return "", signal.Transport("create", err)
	}

	return id, nil
}

func (s *Store) SetRecord(ctx context.Context, id string, patch signal.Patch) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}

	set := bson.D{}
	if patch.Offer != nil {
		set = append(set, bson.E{Key: "offer", Value: patch.Offer})
	}
	if patch.Answer != nil {
		set = append(set, bson.E{Key: "answer", Value: patch.Answer})
	}

	update := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "createdAt", Value: time.Now()}}}}
	if len(set) > 0 {
		update = bson.D{{Key: "$set", Value: set}}
	}

	_, err := s.records.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update, options.Update().SetUpsert(true))

	return signal.Transport("set", err)
}

func (s *Store) GetRecord(ctx context.Context, id string) (signal.CallRecord, bool, error) {
	if err := signal.Validate(id, ""); err != nil {
		return signal.CallRecord{}, false, err
	}

	var doc recordDoc

	err := s.records.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return signal.CallRecord{}, false, nil
	}
	if err != nil {
		return signal.CallRecord{}, false, signal.Transport("get", err)
	}

	return doc.record(), true, nil
}

func (s *Store) AppendCandidate(ctx context.Context, id string, sub signal.Subcollection, c signal.Candidate) (string, error) {
	if err := signal.Validate(id, sub); err != nil {
		return "", err
	}
	if sub == "" {
		return "", signal.ErrInvalidSubcollection
	}

	doc := newCandidateDoc(id, sub, c, time.Now())
	if _, err := s.candidates.InsertOne(ctx, doc); err != nil {
		return "", signal.Transport("append", err)
	}

	return doc.ID, nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}

	_, err := s.records.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})

	return signal.Transport("delete", err)
}

func (s *Store) DeleteSubcollection(ctx context.Context, id string, sub signal.Subcollection) error {
	if err := signal.Validate(id, sub); err != nil {
		return err
	}

	_, err := s.candidates.DeleteMany(ctx, bson.D{
		{Key: "record", Value: id},
		{Key: "sub", Value: string(sub)},
	})

	return signal.Transport("delete", err)
}

func (s *Store) Subscribe(ctx context.Context, target signal.Target) (signal.Subscription, error) {
	if err := signal.Validate(target.RecordID, target.Subcollection); err != nil {
		return nil, err
	}

	if target.IsRecord() {
		return s.watchRecord(ctx, target.RecordID)
	}

	return s.watchCandidates(ctx, target)
}

func (s *Store) Close() error {
	s.cancel()

	if s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}

// watchRecord opens the change stream before reading the initial snapshot so
// nothing written in between is lost.
func (s *Store) watchRecord(ctx context.Context, id string) (signal.Subscription, error) {
	streamCtx, cancel := context.WithCancel(s.ctx)

	cs, err := s.records.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()

		return nil, signal.Transport("subscribe", err)
	}

	initial, ok, err := s.GetRecord(ctx, id)
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())

		return nil, err
	}

	feed := signal.NewFeed(cancel)

	ev := signal.ChangeEvent{}
	if ok {
		ev.Record = &initial
	}
	feed.Push(ev)

	go func() {
		defer feed.Cancel()
		defer cs.Close(context.Background())

		for cs.Next(streamCtx) {
			var change recordChange
			if err := cs.Decode(&change); err != nil {
				log.Warnf("mongo: decode record change for %s: %v", id, err)

				continue
			}

			feed.Push(change.event())
		}

		if err := cs.Err(); err != nil && streamCtx.Err() == nil {
			log.Warnf("mongo: record stream for %s: %v", id, err)
		}
	}()

	return feed, nil
}

func (s *Store) watchCandidates(ctx context.Context, target signal.Target) (signal.Subscription, error) {
	streamCtx, cancel := context.WithCancel(s.ctx)

	// Delete events carry no fullDocument, so they cannot be matched on record
	// and sub; they are filtered against the ids this subscription has seen.
	cs, err := s.candidates.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{
				{Key: "operationType", Value: "insert"},
				{Key: "fullDocument.record", Value: target.RecordID},
				{Key: "fullDocument.sub", Value: string(target.Subcollection)},
			},
			bson.D{{Key: "operationType", Value: "delete"}},
		}}}}},
	})
	if err != nil {
		cancel()

		return nil, signal.Transport("subscribe", err)
	}

	cur, err := s.candidates.Find(ctx, bson.D{
		{Key: "record", Value: target.RecordID},
		{Key: "sub", Value: string(target.Subcollection)},
	}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())

		return nil, signal.Transport("subscribe", err)
	}

	var docs []candidateDoc
	if err := cur.All(ctx, &docs); err != nil {
		cancel()
		_ = cs.Close(context.Background())

		return nil, signal.Transport("subscribe", err)
	}

	seen := newSeenSet()
	initial := signal.ChangeEvent{Changes: make([]signal.DocumentChange, 0, len(docs))}
	for _, doc := range docs {
		if ch, ok := seen.add(doc); ok {
			initial.Changes = append(initial.Changes, ch)
		}
	}

	feed := signal.NewFeed(cancel)
	feed.Push(initial)

	go func() {
		defer feed.Cancel()
		defer cs.Close(context.Background())

		for cs.Next(streamCtx) {
			var change candidateChange
			if err := cs.Decode(&change); err != nil {
				log.Warnf("mongo: decode candidate change for %s: %v", target, err)

				continue
			}

			if ch, ok := seen.apply(change); ok {
				feed.Push(signal.ChangeEvent{Changes: []signal.DocumentChange{ch}})
			}
		}

		if err := cs.Err(); err != nil && streamCtx.Err() == nil {
			log.Warnf("mongo: candidate stream for %s: %v", target, err)
		}
	}()

	return feed, nil
}
