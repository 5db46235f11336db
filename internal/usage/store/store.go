// Package store persists observed function usage across process runs.
//
// A compiled binary cannot hot-swap its own code. Instead, every function
// observed at run time is recorded here, and the next `usagetrace build`
// reads the recorded set back as the usage snapshot of each unit, so hooks
// on functions known to be live are never compiled in again.
//
// # Layout
//
//	key:   "use/" + unit name + "\x00" + signature
//	value: JSON Record (first-seen time and run id)
//
// The first write of a key wins; later writes of the same key are ignored,
// so a record always carries the earliest observation.
//
// Thread Safety: Store is safe for concurrent use.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

const usePrefix = "use/"

// maxConflictRetries bounds retries of a transaction that lost an
// optimistic concurrency race.
const maxConflictRetries = 8

// Config holds configuration for a Store.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites makes every commit durable before returning.
	SyncWrites bool

	// ReadOnly opens an existing store for reading only. Several readers
	// may share it; none may open while a writer holds it.
	ReadOnly bool

	// Logger receives badger's own diagnostics. Nil disables them.
	Logger *slog.Logger
}

// Record is one persisted first use.
type Record struct {
	Unit      string         `json:"unit"`
	Signature unit.Signature `json:"signature"`
	First     time.Time      `json:"first"`
	Run       string         `json:"run,omitempty"`
}

// Store is a badger-backed set of observed (unit, signature) pairs.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens (creating if needed) the store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if !cfg.ReadOnly {
			if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
				return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
			}
		}
		opts = badger.DefaultOptions(cfg.Path).WithReadOnly(cfg.ReadOnly)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenInMemory opens an empty in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(unitName string, sig unit.Signature) []byte {
	k := make([]byte, 0, len(usePrefix)+len(unitName)+1+len(sig))
	k = append(k, usePrefix...)
	k = append(k, unitName...)
	k = append(k, 0)
	return append(k, sig...)
}

func unitPrefix(unitName string) []byte {
	return append([]byte(usePrefix+unitName), 0)
}

// RecordFirstUse stores rec unless its (unit, signature) is already known.
// It reports whether rec was new.
func (s *Store) RecordFirstUse(rec Record) (bool, error) {
	if rec.Unit == "" {
		return false, errors.New("store: record without unit name")
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}

	var added bool
	err = s.update(func(txn *badger.Txn) error {
		added = false
		k := key(rec.Unit, rec.Signature)
		switch _, err := txn.Get(k); {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		added = true
		return txn.Set(k, value)
	})
	if err != nil {
		return false, fmt.Errorf("record first use of %s in %s: %w", rec.Signature, rec.Unit, err)
	}
	return added, nil
}

// Observe marks every signature in sigs as used in unitName, keeping the
// existing record of signatures already known.
func (s *Store) Observe(unitName string, sigs unit.SignatureSet, run string) error {
	if sigs.Len() == 0 {
		return nil
	}
	now := s.now()
	err := s.update(func(txn *badger.Txn) error {
		for _, sig := range sigs.Sorted() {
			k := key(unitName, sig)
			if _, err := txn.Get(k); err == nil {
				continue
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			value, err := json.Marshal(Record{Unit: unitName, Signature: sig, First: now, Run: run})
			if err != nil {
				return err
			}
			if err := txn.Set(k, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("observe %d signatures in %s: %w", sigs.Len(), unitName, err)
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *Store) update(fn func(*badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Observed returns every signature recorded for unitName.
func (s *Store) Observed(unitName string) (unit.SignatureSet, error) {
	set := unit.NewSignatureSet()
	prefix := unitPrefix(unitName)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			set.Add(unit.Signature(k[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read observed signatures of %s: %w", unitName, err)
	}
	return set, nil
}

// All returns every record ordered by unit then signature.
func (s *Store) All() ([]Record, error) {
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(usePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec Record
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decode %q: %w", bytes.ToValidUTF8(item.Key(), nil), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Unit != records[j].Unit {
			return records[i].Unit < records[j].Unit
		}
		return records[i].Signature < records[j].Signature
	})
	return records, nil
}

// Reset deletes every record.
func (s *Store) Reset() error {
	return s.db.DropPrefix([]byte(usePrefix))
}
