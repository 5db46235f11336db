// Package hooks routes calls from injected code to the usage tracking core.
//
// Injected hook statements cannot carry a reference to an object instance,
// so they call a package-level function. This package holds the single,
// process-wide target of those calls.
//
// Hot Path: Dispatch runs on every call of a still-hooked function. It does
// one atomic load, and recovers any panic raised by the target so that
// instrumentation never alters the control flow of the instrumented program.
package hooks

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// ErrAlreadyInitialized is returned by Initialize when a target is already
// installed.
var ErrAlreadyInitialized = errors.New("hooks already initialized")

// Target receives every hook invocation.
type Target interface {
	FunctionCalled(u *unit.Unit, sig unit.Signature)
}

type installed struct {
	target Target
	logger *slog.Logger
}

// current is the installed target; nil until Initialize.
var current atomic.Pointer[installed]

// Initialize installs the process-wide target. It must run once, before any
// instrumented code is executed. logger receives recovered panics; nil
// discards them.
func Initialize(target Target, logger *slog.Logger) error {
	if target == nil {
		return errors.New("hooks: nil target")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if !current.CompareAndSwap(nil, &installed{target: target, logger: logger}) {
		return ErrAlreadyInitialized
	}
	return nil
}

// Uninstall removes the target; later hook invocations are no-ops.
// Called on shutdown once the reporter has been flushed.
func Uninstall() {
	current.Store(nil)
}

// Installed reports whether a target is installed.
func Installed() bool {
	return current.Load() != nil
}

// Dispatch forwards one hook invocation to the installed target. Without a
// target it does nothing.
func Dispatch(u *unit.Unit, sig unit.Signature) {
	in := current.Load()
	if in == nil || u == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("usage hook panicked",
				slog.String("unit", u.String()),
				slog.String("signature", string(sig)),
				slog.Any("panic", r))
		}
	}()
	in.target.FunctionCalled(u, sig)
}
