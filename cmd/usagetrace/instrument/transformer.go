// Package instrument - Load-time transformer.
//
// The transformer sits between a host that loads or redefines units and
// DecideAndPatch. It applies the unit filters, fetches the usage snapshot on
// redefinition, and guarantees that nothing it does can break the load:
// every failure is logged and answered with "no change".
package instrument

import (
	"fmt"
	"log/slog"

	"github.com/kolkov/usagetrace/internal/usage/policy"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Snapshotter supplies the usage snapshot of a unit at redefinition time.
type Snapshotter interface {
	Snapshot(u *unit.Unit) (unit.SignatureSet, error)
}

// Transformer decides the code of units as they are loaded and redefined.
//
// Thread Safety: Safe for concurrent use.
type Transformer struct {
	policy    *policy.Policy
	snapshots Snapshotter
	logger    *slog.Logger
	opts      Options
}

// NewTransformer returns a transformer filtering units with p and reading
// snapshots from s. A nil logger discards diagnostics.
func NewTransformer(p *policy.Policy, s Snapshotter, logger *slog.Logger, opts Options) *Transformer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transformer{policy: p, snapshots: s, logger: logger, opts: opts}
}

// Transform returns the code u should run, or nil to keep src unchanged.
// redefining is false on first load and true on every later re-derivation.
func (t *Transformer) Transform(u *unit.Unit, src []byte, redefining bool) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("instrumentation panicked; unit left unpatched",
				slog.String("unit", u.String()),
				slog.Any("panic", r))
			out = nil
		}
	}()

	res, err := t.decide(u, src, redefining)
	if err != nil {
		t.logger.Warn("instrumentation failed; unit left unpatched",
			slog.String("unit", u.String()),
			slog.String("error", err.Error()))
		return nil
	}
	if res == nil || !res.Changed {
		return nil
	}
	t.logger.Debug("unit instrumented",
		slog.String("unit", u.String()),
		slog.Bool("redefinition", redefining),
		slog.Int("hooks", res.Hooks.Len()),
		slog.Int("observed", res.Stats.Observed))
	return res.Code
}

// decide returns nil when u is filtered out.
func (t *Transformer) decide(u *unit.Unit, src []byte, redefining bool) (*Result, error) {
	flags := t.policy.Flags()
	if u.Name() == "" {
		if !flags.IncludeUnnamed {
			t.logger.Debug("skipping unnamed unit", slog.String("unit", u.String()))
			return nil, nil
		}
		// No name to match rules against; the flag alone admits it.
		return t.patch(u, fmt.Sprintf("unnamed#%d", u.ID()), src, redefining, false)
	}
	if u.Domain() == nil && !flags.IncludeBootstrap {
		return nil, nil
	}
	return t.patch(u, u.Name(), src, redefining, true)
}

func (t *Transformer) patch(u *unit.Unit, name string, src []byte, redefining, applyRules bool) (*Result, error) {
	observed := unit.NewSignatureSet()
	if redefining {
		// Accepted units stay accepted; only the snapshot matters now.
		snap, err := t.snapshots.Snapshot(u)
		if err != nil {
			return nil, fmt.Errorf("usage snapshot: %w", err)
		}
		observed = snap
	} else {
		insp, err := Inspect(name, src)
		if err != nil {
			return nil, err
		}
		if insp.Generated && !t.policy.Flags().IncludeSynthetic {
			return nil, nil
		}
		if applyRules && !t.policy.Eligible(name) {
			return nil, nil
		}
	}
	return DecideAndPatch(name, src, observed, t.opts)
}
