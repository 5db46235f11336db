// Package report delivers usage events: one event per function, emitted the
// first time the function runs.
//
// Reporters are called synchronously from instrumented code, so they must be
// safe for concurrent use and must not block for long. FlushAndClose is
// called exactly once, at shutdown.
package report

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Reporter consumes first-use events.
type Reporter interface {
	RecordFirstUsage(t time.Time, u *unit.Unit, sig unit.Signature)
	FlushAndClose() error
}

// Event is one immutable usage event.
type Event struct {
	Time      time.Time
	Unit      string
	Domain    string
	Signature unit.Signature
	RunID     string
}

// NewEvent captures u's identity at time t.
func NewEvent(t time.Time, u *unit.Unit, sig unit.Signature, run string) Event {
	e := Event{Time: t, Signature: sig, RunID: run}
	if u != nil {
		e.Unit = u.Name()
		if d := u.Domain(); d != nil {
			e.Domain = d.Name()
		}
	}
	return e
}

// Qualified returns the package-qualified function, e.g.
// "github.com/acme/app.(*Server).Handle(context.Context) error".
func (e Event) Qualified() string {
	name := e.Unit
	if i := strings.IndexByte(name, '#'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return string(e.Signature)
	}
	return name + "." + string(e.Signature)
}

// NewRunID returns a fresh identifier for one process run.
func NewRunID() string {
	return uuid.NewString()
}

// Multi fans every event out to several reporters.
type Multi []Reporter

func (m Multi) RecordFirstUsage(t time.Time, u *unit.Unit, sig unit.Signature) {
	for _, r := range m {
		r.RecordFirstUsage(t, u, sig)
	}
}

// FlushAndClose closes every reporter, even after a failure.
func (m Multi) FlushAndClose() error {
	var errs []error
	for _, r := range m {
		if err := r.FlushAndClose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) RecordFirstUsage(time.Time, *unit.Unit, unit.Signature) {}
func (Discard) FlushAndClose() error                                   { return nil }
