// Package sqlite persists call records and candidates in a SQLite database.
// Change notifications are delivered in-process only, so every peer must reach
// the database through the same *Store (typically a relay server).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"relay-call/pkg/signal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	offer      TEXT,
	answer     TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS candidates (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	collection        TEXT NOT NULL,
	record_id         TEXT NOT NULL,
	sub               TEXT NOT NULL,
	id                TEXT NOT NULL UNIQUE,
	candidate         TEXT NOT NULL,
	sdp_mid           TEXT,
	sdp_mline_index   INTEGER,
	username_fragment TEXT
);
CREATE INDEX IF NOT EXISTS candidates_by_record ON candidates (collection, record_id, sub, seq);
`

type Store struct {
	db         *sql.DB
	collection string

	// mu orders writes against subscription snapshots.
	mu  sync.Mutex
	hub *signal.Hub
}

var _ signal.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path, collection string) (*Store, error) {
	if collection == "" {
		collection = signal.DefaultCollection
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()

		return nil, errors.Wrap(err, "configure database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, errors.Wrap(err, "create schema")
	}

	return &Store{
		db:         db,
		collection: collection,
		hub:        signal.NewHub(),
	}, nil
}

func (s *Store) CreateRecord(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id) VALUES (?, ?)`, s.collection, id,
	); err != nil {
		return "", signal.Transport("create", err)
	}

	s.hub.Publish(signal.RecordTarget(id), signal.ChangeEvent{Record: &signal.CallRecord{}})

	return id, nil
}

func (s *Store) SetRecord(ctx context.Context, id string, patch signal.Patch) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _, err := s.get(ctx, id)
	if err != nil {
		return signal.Transport("set", err)
	}
	rec = rec.Apply(patch)

	offer, err := encode(rec.Offer)
	if err != nil {
		return err
	}
	answer, err := encode(rec.Answer)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, offer, answer) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET offer = excluded.offer, answer = excluded.answer`,
		s.collection, id, offer, answer,
	); err != nil {
		return signal.Transport("set", err)
	}

	s.hub.Publish(signal.RecordTarget(id), signal.ChangeEvent{Record: rec.Clone()})

	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (signal.CallRecord, bool, error) {
	if err := signal.Validate(id, ""); err != nil {
		return signal.CallRecord{}, false, err
	}

	rec, ok, err := s.get(ctx, id)
	if err != nil {
		return signal.CallRecord{}, false, signal.Transport("get", err)
	}

	return rec, ok, nil
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

	itemID := uuid.NewString()

	var mlineIndex sql.NullInt64
	if c.SDPMLineIndex != nil {
		mlineIndex = sql.NullInt64{Int64: int64(*c.SDPMLineIndex), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (collection, record_id, sub, id, candidate, sdp_mid, sdp_mline_index, username_fragment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.collection, id, string(sub), itemID, c.Candidate, nullString(c.SDPMid), mlineIndex, nullString(c.UsernameFragment),
	); err != nil {
		return "", signal.Transport("append", err)
	}

	s.hub.Publish(signal.CandidatesTarget(id, sub), signal.ChangeEvent{
		Changes: []signal.DocumentChange{{Type: signal.ChangeAdded, ID: itemID, Candidate: c}},
	})

	return itemID, nil
}

func (s *Store) Subscribe(ctx context.Context, target signal.Target) (signal.Subscription, error) {
	if err := signal.Validate(target.RecordID, target.Subcollection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var initial signal.ChangeEvent

	if target.IsRecord() {
		rec, ok, err := s.get(ctx, target.RecordID)
		if err != nil {
			return nil, signal.Transport("subscribe", err)
		}
		if ok {
			initial.Record = &rec
		}
	} else {
		changes, err := s.list(ctx, target, signal.ChangeAdded)
		if err != nil {
			return nil, signal.Transport("subscribe", err)
		}
		initial.Changes = changes
	}

	feed, err := s.hub.Subscribe(target, initial)
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

	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, s.collection, id)
	if err != nil {
		return signal.Transport("delete", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.hub.Publish(signal.RecordTarget(id), signal.ChangeEvent{})
	}

	return nil
}

func (s *Store) DeleteSubcollection(ctx context.Context, id string, sub signal.Subcollection) error {
	if err := signal.Validate(id, sub); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := signal.CandidatesTarget(id, sub)

	removed, err := s.list(ctx, target, signal.ChangeRemoved)
	if err != nil {
		return signal.Transport("delete", err)
	}
	if len(removed) == 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM candidates WHERE collection = ? AND record_id = ? AND sub = ?`,
		s.collection, id, string(sub),
	); err != nil {
		return signal.Transport("delete", err)
	}

	s.hub.Publish(target, signal.ChangeEvent{Changes: removed})

	return nil
}

func (s *Store) Close() error {
	s.hub.Close()

	return s.db.Close()
}

func (s *Store) get(ctx context.Context, id string) (signal.CallRecord, bool, error) {
	var offer, answer sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT offer, answer FROM records WHERE collection = ? AND id = ?`, s.collection, id,
	).Scan(&offer, &answer)
	if errors.Is(err, sql.ErrNoRows) {
		return signal.CallRecord{}, false, nil
	}
	if err != nil {
		return signal.CallRecord{}, false, err
	}

	var rec signal.CallRecord

	if rec.Offer, err = decode(offer); err != nil {
		return signal.CallRecord{}, false, err
	}
	if rec.Answer, err = decode(answer); err != nil {
		return signal.CallRecord{}, false, err
	}

	return rec, true, nil
}

func (s *Store) list(ctx context.Context, target signal.Target, kind signal.ChangeType) ([]signal.DocumentChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, candidate, sdp_mid, sdp_mline_index, username_fragment
		FROM candidates WHERE collection = ? AND record_id = ? AND sub = ? ORDER BY seq`,
		s.collection, target.RecordID, string(target.Subcollection),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := make([]signal.DocumentChange, 0)
	for rows.Next() {
		var (
			ch         = signal.DocumentChange{Type: kind}
			mid, ufrag sql.NullString
			mline      sql.NullInt64
		)

		if err := rows.Scan(&ch.ID, &ch.Candidate.Candidate, &mid, &mline, &ufrag); err != nil {
			return nil, err
		}

		if mid.Valid {
			ch.Candidate.SDPMid = &mid.String
		}
		if mline.Valid {
			idx := uint16(mline.Int64)
			ch.Candidate.SDPMLineIndex = &idx
		}
		if ufrag.Valid {
			ch.Candidate.UsernameFragment = &ufrag.String
		}

		changes = append(changes, ch)
	}

	return changes, rows.Err()
}

func encode(d *signal.SessionDescription) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "encode description")
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func decode(v sql.NullString) (*signal.SessionDescription, error) {
	if !v.Valid {
		return nil, nil
	}

	var d signal.SessionDescription
	if err := json.Unmarshal([]byte(v.String), &d); err != nil {
		return nil, errors.Wrap(err, "decode description")
	}

	return &d, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *v, Valid: true}
}
