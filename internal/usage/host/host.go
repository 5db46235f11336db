// Package host is an in-process runtime for code units: it loads Go source
// into domains, runs every load through the instrumenting transformer, and
// hot-swaps a unit's code when asked to retransform it.
//
// Invoking a function stands in for executing it: if the current code of the
// unit carries a hook for the signature, the hook fires exactly as injected
// code would; otherwise the call is free. Runtime implements core.Patcher.
//
// Typical wiring:
//
//	c := core.New(core.Options{Reporter: r})
//	tr := instrument.NewTransformer(p, c, logger, instrument.Options{})
//	rt := host.New(tr, host.Options{Target: c})
//	c.SetPatcher(rt)
//
//	u, _ := rt.Define(domain, "example.com/app#a.go", src)
//	rt.Invoke(u, "a()")
package host

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kolkov/usagetrace/cmd/usagetrace/instrument"
	"github.com/kolkov/usagetrace/internal/usage/hooks"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

var (
	// ErrNotLoaded is returned for a unit without code.
	ErrNotLoaded = errors.New("unit has no code loaded")

	// ErrUnknownFunction is returned when invoking a signature the unit
	// does not define.
	ErrUnknownFunction = errors.New("function not defined by unit")
)

// Transformer derives the code a unit should run. A nil result keeps src.
type Transformer interface {
	Transform(u *unit.Unit, src []byte, redefining bool) []byte
}

// Options configures a Runtime.
type Options struct {
	// Target receives fired hooks. Nil routes them through the global
	// hook indirection, as compiled instrumented code does.
	Target hooks.Target

	Logger *slog.Logger // nil discards
}

// Runtime loads and hot-swaps units.
//
// Thread Safety: Safe for concurrent use. Re-derivations of one unit are
// serialised by unit.Unit.Redefine; invocations never block on them and see
// either the old or the new code.
type Runtime struct {
	transformer Transformer
	target      hooks.Target
	logger      *slog.Logger
}

// New creates a Runtime loading units through t. A nil t loads code as is.
func New(t Transformer, opts Options) *Runtime {
	rt := &Runtime{transformer: t, target: opts.Target, logger: opts.Logger}
	if rt.logger == nil {
		rt.logger = slog.New(slog.DiscardHandler)
	}
	return rt
}

// Define loads src as a new unit called name. A nil domain defines a
// platform-owned (bootstrap) unit.
func (rt *Runtime) Define(d *unit.Domain, name string, src []byte) (*unit.Unit, error) {
	var u *unit.Unit
	if d == nil {
		u = unit.NewBootstrapUnit(name)
	} else {
		var err error
		if u, err = d.Define(name); err != nil {
			return nil, err
		}
	}

	_, err := u.Redefine(func(*unit.Code) (*unit.Code, error) {
		code := src
		if out := rt.transform(u, src, false); out != nil {
			code = out
		}
		return compile(u, code)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Retransform re-derives the code of u from its current code and swaps it
// in when it differs.
func (rt *Runtime) Retransform(u *unit.Unit) error {
	if u == nil {
		return fmt.Errorf("retransform: %w", ErrNotLoaded)
	}
	swapped, err := u.Redefine(func(current *unit.Code) (*unit.Code, error) {
		if current == nil {
			return nil, fmt.Errorf("retransform %s: %w", u, ErrNotLoaded)
		}
		out := rt.transform(u, current.Source, true)
		if out == nil {
			return nil, nil
		}
		return compile(u, out)
	})
	if err != nil {
		return err
	}
	if swapped {
		c := u.Code()
		rt.logger.Debug("unit redefined",
			slog.String("unit", u.String()),
			slog.Int("version", c.Version),
			slog.Int("hooks", c.Hooks.Len()))
	}
	return nil
}

// Invoke executes function sig of u, firing its hook if it has one.
// It reports whether a hook fired.
func (rt *Runtime) Invoke(u *unit.Unit, sig unit.Signature) (bool, error) {
	code := u.Code()
	if code == nil {
		return false, fmt.Errorf("invoke %s in %s: %w", sig, u, ErrNotLoaded)
	}
	if !code.Functions.Has(sig) {
		return false, fmt.Errorf("invoke %s in %s: %w", sig, u, ErrUnknownFunction)
	}
	if !code.Hooks.Has(sig) {
		return false, nil
	}
	if rt.target != nil {
		rt.target.FunctionCalled(u, sig)
	} else {
		hooks.Dispatch(u, sig)
	}
	return true, nil
}

// Hooks returns the signatures currently hooked in u.
func (rt *Runtime) Hooks(u *unit.Unit) unit.SignatureSet {
	if c := u.Code(); c != nil {
		return c.Hooks.Clone()
	}
	return unit.NewSignatureSet()
}

func (rt *Runtime) transform(u *unit.Unit, src []byte, redefining bool) []byte {
	if rt.transformer == nil {
		return nil
	}
	return rt.transformer.Transform(u, src, redefining)
}

// compile checks src and indexes its functions and hooks.
func compile(u *unit.Unit, src []byte) (*unit.Code, error) {
	insp, err := instrument.Inspect(u.String(), src)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", u, err)
	}
	return &unit.Code{Source: src, Functions: insp.Functions, Hooks: insp.Hooks}, nil
}
