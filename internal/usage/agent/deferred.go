package agent

import (
	"fmt"
	"log/slog"

	"github.com/kolkov/usagetrace/internal/usage/core"
	"github.com/kolkov/usagetrace/internal/usage/store"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// DeferredPatcher is the patch facility of compiled programs. A binary
// cannot replace its own code, so Retransform takes the usage snapshot
// (clearing the pending request) and persists it; the next build of the
// program reads it back and leaves those hooks out.
type DeferredPatcher struct {
	core   *core.Core
	store  *store.Store
	run    string
	logger *slog.Logger
}

// NewDeferredPatcher returns a patcher snapshotting through c. A nil store
// only clears the pending request.
func NewDeferredPatcher(c *core.Core, s *store.Store, run string, logger *slog.Logger) *DeferredPatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeferredPatcher{core: c, store: s, run: run, logger: logger}
}

// Retransform snapshots u and records the snapshot in the store. The running
// code keeps its hooks; they are gone from the next build.
func (p *DeferredPatcher) Retransform(u *unit.Unit) error {
	snap, err := p.core.Snapshot(u)
	if err != nil {
		return err
	}
	if p.store == nil {
		return nil
	}
	if err := p.store.Observe(u.Name(), snap, p.run); err != nil {
		return fmt.Errorf("persist snapshot of %s: %w", u, err)
	}
	p.logger.Debug("usage snapshot persisted for next build",
		slog.String("unit", u.String()),
		slog.Int("observed", snap.Len()))
	return nil
}
