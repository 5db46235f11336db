// Package state implements the per-unit usage state machine.
//
// Every loaded unit gets one State. For each function signature the state
// moves forward only:
//
//	Unseen --(call)--> SeenOnce --(call)--> SeenMultiple
//	  no event           emit usage event      request a patch (once per cycle)
//
// A pending-patch flag collapses the patch requests of many functions into a
// single re-derivation: it is raised by the first SeenOnce -> SeenMultiple
// transition and lowered when the re-derivation takes its usage snapshot.
//
// Thread Safety: One mutex per State serialises RecordCall and
// SnapshotAndClearPendingPatch, so contention is scoped to a single unit.
package state

import (
	"sync"
	"weak"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Phase is the observed call phase of one function.
type Phase uint8

const (
	// Unseen: the function has not been called (absent from the state).
	Unseen Phase = iota
	// SeenOnce: exactly one call observed; the usage event has been emitted.
	SeenOnce
	// SeenMultiple: two or more calls observed. Terminal.
	SeenMultiple
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case Unseen:
		return "unseen"
	case SeenOnce:
		return "seen-once"
	case SeenMultiple:
		return "seen-multiple"
	default:
		return "unknown"
	}
}

// Transition is the outcome of recording one call.
type Transition uint8

const (
	// NoAction: the function was already SeenMultiple.
	NoAction Transition = iota
	// FirstCall: Unseen -> SeenOnce. The caller must emit a usage event.
	FirstCall
	// PatchNeeded: SeenOnce -> SeenMultiple and no patch was pending.
	// The caller must request a re-derivation of the unit.
	PatchNeeded
	// PatchAlreadyPending: SeenOnce -> SeenMultiple while a patch was
	// already pending. The pending patch will pick this function up.
	PatchAlreadyPending
)

// String implements fmt.Stringer.
func (t Transition) String() string {
	switch t {
	case NoAction:
		return "no-action"
	case FirstCall:
		return "first-call"
	case PatchNeeded:
		return "patch-needed"
	case PatchAlreadyPending:
		return "patch-already-pending"
	default:
		return "unknown"
	}
}

// State tracks the usage of every function of one unit.
type State struct {
	// unit is held weakly so tracking state never keeps a unit (and
	// through it, its domain) alive.
	unit weak.Pointer[unit.Unit]

	mu             sync.Mutex
	phases         map[unit.Signature]Phase
	patchRequested bool
}

// New creates an empty state for u.
func New(u *unit.Unit) *State {
	return &State{
		unit:   weak.Make(u),
		phases: make(map[unit.Signature]Phase),
	}
}

// Unit returns the owning unit, or nil once it has been reclaimed.
func (s *State) Unit() *unit.Unit {
	return s.unit.Value()
}

// RecordCall records one call of sig and reports the transition taken.
//
// The whole decision is one atomic step: among any number of concurrent
// callers exactly one observes FirstCall and exactly one observes the
// SeenOnce -> SeenMultiple transition for a given signature.
func (s *State) RecordCall(sig unit.Signature) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phases[sig] {
	case Unseen:
		s.phases[sig] = SeenOnce
		return FirstCall
	case SeenOnce:
		s.phases[sig] = SeenMultiple
		if s.patchRequested {
			return PatchAlreadyPending
		}
		s.patchRequested = true
		return PatchNeeded
	default:
		return NoAction
	}
}

// SnapshotAndClearPendingPatch returns every signature observed at least
// once and lowers the pending-patch flag.
//
// The flag is cleared whether or not the patch that asked for the snapshot
// eventually succeeds.
func (s *State) SnapshotAndClearPendingPatch() unit.SignatureSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(unit.SignatureSet, len(s.phases))
	for sig := range s.phases {
		snapshot[sig] = struct{}{}
	}
	s.patchRequested = false
	return snapshot
}

// Phase returns the current phase of sig.
func (s *State) Phase(sig unit.Signature) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases[sig]
}

// PatchRequested reports whether a patch is pending.
func (s *State) PatchRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patchRequested
}

// Len returns the number of signatures observed at least once.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.phases)
}
