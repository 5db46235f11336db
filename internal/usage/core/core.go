// Package core turns hook invocations into usage events and patch requests.
//
// # Call Path
//
//	hook fires ─► Core.FunctionCalled(unit, sig)
//	                ├─ registry: resolve usage state of unit
//	                ├─ state.RecordCall(sig)
//	                ├─ FirstCall   ─► Reporter.RecordFirstUsage
//	                └─ PatchNeeded ─► Patcher.Retransform(unit)
//	                                     └─ transformer asks Core.Snapshot(unit)
//
// The usage event is recorded before any patch is attempted, so a failed or
// skipped patch can only cost performance, never a lost observation.
//
// Thread Safety: Core is safe for concurrent use. Contention is limited to
// the usage state of one unit at a time.
package core

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kolkov/usagetrace/internal/usage/registry"
	"github.com/kolkov/usagetrace/internal/usage/report"
	"github.com/kolkov/usagetrace/internal/usage/state"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Patcher is the host's live patch facility. Retransform re-derives the
// code of u, consulting Core.Snapshot, and swaps it in place.
type Patcher interface {
	Retransform(u *unit.Unit) error
}

// Options configures a Core.
type Options struct {
	Reporter report.Reporter
	Patcher  Patcher
	Registry *registry.Registry // nil creates a private registry
	Logger   *slog.Logger       // nil discards
	Now      func() time.Time   // nil uses time.Now
}

type patcherBox struct{ p Patcher }

// Core is the orchestration core.
type Core struct {
	registry *registry.Registry
	reporter report.Reporter
	patcher  atomic.Pointer[patcherBox]
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Core.
func New(opts Options) *Core {
	c := &Core{
		registry: opts.Registry,
		reporter: opts.Reporter,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if c.registry == nil {
		c.registry = registry.New()
	}
	if c.reporter == nil {
		c.reporter = report.Discard{}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.SetPatcher(opts.Patcher)
	return c
}

// SetPatcher replaces the patch facility. The host runtime and the core
// refer to each other, so the patcher is usually attached after New.
// A nil patcher disables patching.
func (c *Core) SetPatcher(p Patcher) {
	c.patcher.Store(&patcherBox{p: p})
}

// Registry returns the scope registry holding all usage state.
func (c *Core) Registry() *registry.Registry {
	return c.registry
}

// FunctionCalled records one invocation of sig in u. It never panics and
// never returns an error: the caller is instrumented application code.
func (c *Core) FunctionCalled(u *unit.Unit, sig unit.Signature) {
	defer func() {
		if r := recover(); r != nil {
			dispatchErrorTotal.Inc()
			c.logger.Error("recording function call failed",
				slog.String("unit", u.String()),
				slog.String("signature", string(sig)),
				slog.Any("panic", r))
		}
	}()

	st, err := c.registry.GetOrCreate(u.Domain(), u)
	if err != nil {
		dispatchErrorTotal.Inc()
		c.logger.Error("resolving usage state failed", slog.String("error", err.Error()))
		return
	}

	tr := st.RecordCall(sig)
	transitionTotal.WithLabelValues(tr.String()).Inc()

	switch tr {
	case state.FirstCall:
		firstUseTotal.Inc()
		c.reporter.RecordFirstUsage(c.now(), u, sig)
	case state.PatchNeeded:
		c.requestPatch(st, sig)
	}
}

func (c *Core) requestPatch(st *state.State, sig unit.Signature) {
	// The unit may have been discarded since the hook fired. Nothing can
	// call it again, so there is nothing left to optimise.
	target := st.Unit()
	if target == nil {
		patchTotal.WithLabelValues("skipped").Inc()
		return
	}
	box := c.patcher.Load()
	if box == nil || box.p == nil {
		patchTotal.WithLabelValues("skipped").Inc()
		return
	}

	if err := box.p.Retransform(target); err != nil {
		patchTotal.WithLabelValues("failed").Inc()
		c.logger.Warn("removing usage hooks failed; unit keeps its hooks",
			slog.String("unit", target.String()),
			slog.String("trigger", string(sig)),
			slog.String("error", err.Error()))
		return
	}
	patchTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("usage hooks removed",
		slog.String("unit", target.String()),
		slog.String("trigger", string(sig)))
}

// Snapshot returns every signature of u observed so far and clears its
// pending patch request. Units never called have an empty snapshot.
func (c *Core) Snapshot(u *unit.Unit) (unit.SignatureSet, error) {
	if u == nil {
		return nil, fmt.Errorf("snapshot of nil unit")
	}
	st := c.registry.Lookup(u)
	if st == nil {
		return unit.NewSignatureSet(), nil
	}
	return st.SnapshotAndClearPendingPatch(), nil
}

// Close flushes the reporter.
func (c *Core) Close() error {
	return c.reporter.FlushAndClose()
}
