// Package dirstore keeps the signaling collection in a plain directory tree so
// that two peers sharing a folder (a network mount, a synced drive) can
// negotiate without any server:
//
//	<root>/<collection>/<id>/record.json
//	<root>/<collection>/<id>/offerCandidates/<seq>-<uuid>.json
//	<root>/<collection>/<id>/answerCandidates/<seq>-<uuid>.json
//
// Changes are picked up with fsnotify, backed by a periodic rescan for
// filesystems that do not deliver inotify events.
package dirstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"relay-call/pkg/signal"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const recordFile = "record.json"

// DefaultRescan is how often subscriptions rescan when no event arrived.
const DefaultRescan = time.Second

type Config struct {
	Root       string
	Collection string
	Rescan     time.Duration
}

type Store struct {
	dir    string
	rescan time.Duration

	done chan struct{}
}

var _ signal.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = signal.DefaultCollection
	}
	if cfg.Rescan <= 0 {
		cfg.Rescan = DefaultRescan
	}

	dir := filepath.Join(cfg.Root, cfg.Collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create collection dir")
	}

	return &Store{
		dir:    dir,
		rescan: cfg.Rescan,
		done:   make(chan struct{}),
	}, nil
}

func (s *Store) recordDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) subDir(id string, sub signal.Subcollection) string {
	return filepath.Join(s.dir, id, string(sub))
}

func (s *Store) CreateRecord(ctx context.Context) (string, error) {
	if err := s.check(ctx, "create"); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(s.recordDir(id), 0o755); err != nil {
		return "", signal.Transport("create", err)
	}

	if err := writeJSON(filepath.Join(s.recordDir(id), recordFile), signal.CallRecord{}); err != nil {
		return "", signal.Transport("create", err)
	}

	return id, nil
}

// SetRecord is a read-merge-write. Each field has a single writer and the
// callee only writes after reading the caller's offer, so the two writes never
// overlap.
func (s *Store) SetRecord(ctx context.Context, id string, patch signal.Patch) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}
	if err := s.check(ctx, "set"); err != nil {
		return err
	}

	rec, _, err := s.read(id)
	if err != nil {
		return signal.Transport("set", err)
	}

	if err := os.MkdirAll(s.recordDir(id), 0o755); err != nil {
		return signal.Transport("set", err)
	}

	return signal.Transport("set", writeJSON(filepath.Join(s.recordDir(id), recordFile), rec.Apply(patch)))
}

func (s *Store) GetRecord(ctx context.Context, id string) (signal.CallRecord, bool, error) {
	if err := signal.Validate(id, ""); err != nil {
		return signal.CallRecord{}, false, err
	}
	if err := s.check(ctx, "get"); err != nil {
		return signal.CallRecord{}, false, err
	}

	rec, ok, err := s.read(id)
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
	if err := s.check(ctx, "append"); err != nil {
		return "", err
	}

	dir := s.subDir(id, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", signal.Transport("append", err)
	}

	itemID := fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString())
	if err := writeJSON(filepath.Join(dir, itemID+".json"), c); err != nil {
		return "", signal.Transport("append", err)
	}

	return itemID, nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	if err := signal.Validate(id, ""); err != nil {
		return err
	}
	if err := s.check(ctx, "delete"); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.recordDir(id), recordFile))
	if err != nil && !os.IsNotExist(err) {
		return signal.Transport("delete", err)
	}

	// Only succeeds once both candidate directories are gone too.
	_ = os.Remove(s.recordDir(id))

	return nil
}

func (s *Store) DeleteSubcollection(ctx context.Context, id string, sub signal.Subcollection) error {
	if err := signal.Validate(id, sub); err != nil {
		return err
	}
	if err := s.check(ctx, "delete"); err != nil {
		return err
	}

	if err := os.RemoveAll(s.subDir(id, sub)); err != nil {
		return signal.Transport("delete", err)
	}

	_ = os.Remove(s.recordDir(id))

	return nil
}

func (s *Store) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	return nil
}

func (s *Store) check(ctx context.Context, op string) error {
	select {
	case <-s.done:
		return signal.Transport(op, signal.ErrStoreClosed)
	default:
	}

	return signal.Transport(op, ctx.Err())
}

func (s *Store) read(id string) (signal.CallRecord, bool, error) {
	var rec signal.CallRecord

	b, err := os.ReadFile(filepath.Join(s.recordDir(id), recordFile))
	if os.IsNotExist(err) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}

	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, false, errors.Wrapf(err, "decode record %s", id)
	}

	return rec, true, nil
}

type entry struct {
	id        string
	candidate signal.Candidate
}

// list returns the candidates of a sub-collection ordered by their sequence
// prefix. A missing directory is an empty list.
func (s *Store) list(id string, sub signal.Subcollection) ([]entry, error) {
	dir := s.subDir(id, sub)

	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]entry, 0, len(names))
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var c signal.Candidate
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, errors.Wrapf(err, "decode candidate %s", name)
		}

		entries = append(entries, entry{id: strings.TrimSuffix(name, ".json"), candidate: c})
	}

	return entries, nil
}

// writeJSON replaces path atomically so readers never observe a partial file.
func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), path)
}
