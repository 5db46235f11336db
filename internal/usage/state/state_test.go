package state

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/usagetrace/internal/usage/unit"
)

func newTestState(t *testing.T) (*State, *unit.Unit) {
	t.Helper()
	u, err := unit.NewDomain("test").Define("com.foo.U")
	require.NoError(t, err)
	return New(u), u
}

// TestRecordCall_TransitionTable walks every row of the transition table.
//
// Test Case:
//
//	a() called three times, then b() twice while a patch is pending.
//
// Expected:
//   - a: FirstCall, PatchNeeded, NoAction
//   - b: FirstCall, PatchAlreadyPending
func TestRecordCall_TransitionTable(t *testing.T) {
	s, u := newTestState(t)
	assert.Same(t, u, s.Unit())

	assert.Equal(t, FirstCall, s.RecordCall("a()"))
	assert.Equal(t, SeenOnce, s.Phase("a()"))
	assert.False(t, s.PatchRequested(), "first call never requests a patch")

	assert.Equal(t, PatchNeeded, s.RecordCall("a()"))
	assert.Equal(t, SeenMultiple, s.Phase("a()"))
	assert.True(t, s.PatchRequested())

	assert.Equal(t, NoAction, s.RecordCall("a()"))

	assert.Equal(t, FirstCall, s.RecordCall("b()"))
	assert.Equal(t, PatchAlreadyPending, s.RecordCall("b()"))
	assert.Equal(t, SeenMultiple, s.Phase("b()"))
	assert.Equal(t, Unseen, s.Phase("c()"))
}

func TestSnapshot_ClearsPendingPatch(t *testing.T) {
	s, _ := newTestState(t)

	s.RecordCall("a()")
	s.RecordCall("a()")
	s.RecordCall("b()")
	require.True(t, s.PatchRequested())

	snap := s.SnapshotAndClearPendingPatch()
	assert.True(t, snap.Equal(unit.NewSignatureSet("a()", "b()")))
	assert.False(t, s.PatchRequested())

	// The next second call raises the flag again.
	assert.Equal(t, PatchNeeded, s.RecordCall("b()"))
}

// TestSnapshot_Idempotent: two snapshots without an intervening call return
// the same set, and the second does not re-trigger a patch request.
func TestSnapshot_Idempotent(t *testing.T) {
	s, _ := newTestState(t)
	s.RecordCall("a()")
	s.RecordCall("a()")

	first := s.SnapshotAndClearPendingPatch()
	second := s.SnapshotAndClearPendingPatch()

	assert.True(t, first.Equal(second))
	assert.False(t, s.PatchRequested())
	assert.Equal(t, NoAction, s.RecordCall("a()"))
	assert.False(t, s.PatchRequested())
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	s, _ := newTestState(t)
	s.RecordCall("a()")

	snap := s.SnapshotAndClearPendingPatch()
	snap.Add("zzz()")
	assert.Equal(t, 1, s.Len())
}

// TestPhase_Monotonic: once SeenMultiple, a signature never regresses,
// whatever sequence of calls and snapshots follows.
func TestPhase_Monotonic(t *testing.T) {
	s, _ := newTestState(t)
	sigs := []unit.Signature{"a()", "b(int)", "(*T).c() error"}

	last := map[unit.Signature]Phase{}
	for round := 0; round < 20; round++ {
		for i, sig := range sigs {
			if (round+i)%3 != 0 {
				s.RecordCall(sig)
			}
			if round%4 == 0 {
				s.SnapshotAndClearPendingPatch()
			}
			p := s.Phase(sig)
			assert.GreaterOrEqual(t, p, last[sig], "phase regressed for %s", sig)
			last[sig] = p
		}
	}
	for _, sig := range sigs {
		assert.Equal(t, SeenMultiple, s.Phase(sig))
	}
}

// TestRecordCall_ConcurrentFirstCalls races many goroutines on the first
// call of the same function.
//
// Expected: exactly one FirstCall and exactly one PatchNeeded; every other
// caller sees NoAction.
func TestRecordCall_ConcurrentFirstCalls(t *testing.T) {
	s, _ := newTestState(t)

	const goroutines = 64
	var firstCalls, patches, others atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch s.RecordCall("hot()") {
			case FirstCall:
				firstCalls.Add(1)
			case PatchNeeded:
				patches.Add(1)
			default:
				others.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), firstCalls.Load())
	assert.Equal(t, int32(1), patches.Load())
	assert.Equal(t, int32(goroutines-2), others.Load())
}

// TestSnapshot_ConcurrentWithRecord: snapshots interleaved with calls never
// lose a transition; every signature recorded before the final snapshot is
// in it.
func TestSnapshot_ConcurrentWithRecord(t *testing.T) {
	s, _ := newTestState(t)

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			s.RecordCall(unit.Signature(string(rune('a'+i%26)) + "()"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n/10; i++ {
			s.SnapshotAndClearPendingPatch()
		}
	}()
	wg.Wait()

	assert.Equal(t, 26, s.SnapshotAndClearPendingPatch().Len())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "seen-once", SeenOnce.String())
	assert.Equal(t, "patch-already-pending", PatchAlreadyPending.String())
	assert.Equal(t, "unknown", Transition(99).String())
}
