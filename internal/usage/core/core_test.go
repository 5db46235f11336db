package core

import (
	"bytes"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/usagetrace/internal/usage/state"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

type recordedUse struct {
	at  time.Time
	u   *unit.Unit
	sig unit.Signature
}

type fakeReporter struct {
	mu     sync.Mutex
	uses   []recordedUse
	closed int
	panics bool
}

func (f *fakeReporter) RecordFirstUsage(t time.Time, u *unit.Unit, sig unit.Signature) {
	if f.panics {
		panic("reporter broke")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uses = append(f.uses, recordedUse{t, u, sig})
}

func (f *fakeReporter) FlushAndClose() error {
	f.closed++
	return nil
}

func (f *fakeReporter) signatures() []unit.Signature {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []unit.Signature
	for _, u := range f.uses {
		out = append(out, u.sig)
	}
	return out
}

// fakePatcher takes a snapshot the way a real transformer would.
type fakePatcher struct {
	core      *Core
	mu        sync.Mutex
	calls     []*unit.Unit
	snapshots []unit.SignatureSet
	err       error
}

func (f *fakePatcher) Retransform(u *unit.Unit) error {
	snap, err := f.core.Snapshot(u)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	f.snapshots = append(f.snapshots, snap)
	return f.err
}

func newTestCore(t *testing.T) (*Core, *fakeReporter, *fakePatcher, *unit.Unit) {
	t.Helper()
	rep := &fakeReporter{}
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	c := New(Options{Reporter: rep, Now: func() time.Time { return now }})
	p := &fakePatcher{core: c}
	c.SetPatcher(p)

	u, err := unit.NewDomain("d").Define("com.foo.U")
	require.NoError(t, err)
	return c, rep, p, u
}

// TestFunctionCalled_Scenario follows one unit through its first and
// second calls.
//
// Expected:
//   - first a(): one event, no patch
//   - second a(): one patch whose snapshot is {a}
//   - first b() after that: one event, no patch (flag was cleared)
func TestFunctionCalled_Scenario(t *testing.T) {
	c, rep, p, u := newTestCore(t)

	c.FunctionCalled(u, "a()")
	assert.Equal(t, []unit.Signature{"a()"}, rep.signatures())
	assert.Empty(t, p.calls)
	assert.Equal(t, time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC), rep.uses[0].at)
	assert.Same(t, u, rep.uses[0].u)

	c.FunctionCalled(u, "a()")
	require.Len(t, p.calls, 1)
	assert.Same(t, u, p.calls[0])
	assert.Equal(t, []unit.Signature{"a()"}, p.snapshots[0].Sorted())

	c.FunctionCalled(u, "b()")
	c.FunctionCalled(u, "a()")
	assert.Equal(t, []unit.Signature{"a()", "b()"}, rep.signatures())
	assert.Len(t, p.calls, 1)

	c.FunctionCalled(u, "b()")
	require.Len(t, p.calls, 2)
	assert.Equal(t, []unit.Signature{"a()", "b()"}, p.snapshots[1].Sorted())
}

// TestFunctionCalled_ExactlyOneFirstUse races many goroutines calling the
// same function for the first time.
func TestFunctionCalled_ExactlyOneFirstUse(t *testing.T) {
	c, rep, p, u := newTestCore(t)

	const goroutines = 100
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.FunctionCalled(u, "hot()")
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, []unit.Signature{"hot()"}, rep.signatures())
	assert.Len(t, p.calls, 1)
}

func TestFunctionCalled_PatchFailureIsNotFatal(t *testing.T) {
	var logs bytes.Buffer
	rep := &fakeReporter{}
	c := New(Options{Reporter: rep, Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	c.SetPatcher(&fakePatcher{core: c, err: errors.New("redefinition rejected")})
	u, err := unit.NewDomain("d").Define("com.foo.U")
	require.NoError(t, err)

	failedBefore := testutil.ToFloat64(patchTotal.WithLabelValues("failed"))
	c.FunctionCalled(u, "a()")
	c.FunctionCalled(u, "a()")

	assert.Equal(t, []unit.Signature{"a()"}, rep.signatures(), "usage recorded regardless")
	assert.Contains(t, logs.String(), "redefinition rejected")
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(patchTotal.WithLabelValues("failed")))
}

func TestFunctionCalled_NoPatcher(t *testing.T) {
	c := New(Options{})
	u, err := unit.NewDomain("d").Define("com.foo.U")
	require.NoError(t, err)

	skipped := testutil.ToFloat64(patchTotal.WithLabelValues("skipped"))
	c.FunctionCalled(u, "a()")
	c.FunctionCalled(u, "a()")
	assert.Equal(t, skipped+1, testutil.ToFloat64(patchTotal.WithLabelValues("skipped")))
}

// TestFunctionCalled_RecoversPanics: a broken reporter never escapes into
// the instrumented caller.
func TestFunctionCalled_RecoversPanics(t *testing.T) {
	c := New(Options{Reporter: &fakeReporter{panics: true}})
	u := unit.NewBootstrapUnit("runtime#x.go")

	before := testutil.ToFloat64(dispatchErrorTotal)
	assert.NotPanics(t, func() { c.FunctionCalled(u, "a()") })
	assert.Equal(t, before+1, testutil.ToFloat64(dispatchErrorTotal))
}

func TestFunctionCalled_CountsTransitions(t *testing.T) {
	c, _, _, u := newTestCore(t)
	first := testutil.ToFloat64(transitionTotal.WithLabelValues("first-call"))
	none := testutil.ToFloat64(transitionTotal.WithLabelValues("no-action"))

	c.FunctionCalled(u, "a()")
	c.FunctionCalled(u, "a()")
	c.FunctionCalled(u, "a()")

	assert.Equal(t, first+1, testutil.ToFloat64(transitionTotal.WithLabelValues("first-call")))
	assert.Equal(t, none+1, testutil.ToFloat64(transitionTotal.WithLabelValues("no-action")))
}

func TestSnapshot(t *testing.T) {
	c, _, _, u := newTestCore(t)

	empty, err := c.Snapshot(u)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	assert.Nil(t, c.Registry().Lookup(u), "snapshot must not create state")

	c.FunctionCalled(u, "a()")
	c.FunctionCalled(u, "b()")
	c.FunctionCalled(u, "b()") // patch: clears the flag

	first, err := c.Snapshot(u)
	require.NoError(t, err)
	second, err := c.Snapshot(u)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.False(t, c.Registry().Lookup(u).PatchRequested())

	_, err = c.Snapshot(nil)
	assert.Error(t, err)
}

// TestPatch_SkippedForCollectedUnit: when the unit is gone by the time a
// patch is due, the core skips it silently.
func TestPatch_SkippedForCollectedUnit(t *testing.T) {
	c := New(Options{})
	p := &fakePatcher{core: c}
	c.SetPatcher(p)

	st := func() *state.State {
		u, err := unit.NewDomain("gone").Define("com.foo.U")
		require.NoError(t, err)
		return state.New(u)
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return st.Unit() == nil
	}, 5*time.Second, 10*time.Millisecond)

	skipped := testutil.ToFloat64(patchTotal.WithLabelValues("skipped"))
	c.requestPatch(st, "a()")

	assert.Empty(t, p.calls)
	assert.Equal(t, skipped+1, testutil.ToFloat64(patchTotal.WithLabelValues("skipped")))
}

func TestClose_FlushesReporter(t *testing.T) {
	c, rep, _, _ := newTestCore(t)
	require.NoError(t, c.Close())
	assert.Equal(t, 1, rep.closed)
}
