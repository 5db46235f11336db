package report

import (
	"log/slog"
	"time"

	"github.com/kolkov/usagetrace/internal/usage/store"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Store persists events so later builds can drop hooks from functions
// already known to be used. The store itself is owned, and closed, by the
// caller.
type Store struct {
	store  *store.Store
	run    string
	logger *slog.Logger
}

func NewStore(s *store.Store, run string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{store: s, run: run, logger: logger}
}

func (s *Store) RecordFirstUsage(t time.Time, u *unit.Unit, sig unit.Signature) {
	e := NewEvent(t, u, sig, s.run)
	if _, err := s.store.RecordFirstUse(store.Record{
		Unit:      e.Unit,
		Signature: e.Signature,
		First:     e.Time,
		Run:       e.RunID,
	}); err != nil {
		s.logger.Error("persisting usage event failed", slog.String("error", err.Error()))
	}
}

func (s *Store) FlushAndClose() error { return nil }
