package usage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/usagetrace/internal/usage/core"
	"github.com/kolkov/usagetrace/internal/usage/hooks"
	"github.com/kolkov/usagetrace/internal/usage/state"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

type firstUses struct {
	mu   sync.Mutex
	sigs []unit.Signature
}

func (f *firstUses) RecordFirstUsage(_ time.Time, _ *unit.Unit, sig unit.Signature) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sigs = append(f.sigs, sig)
}

func (f *firstUses) FlushAndClose() error { return nil }

func TestPackageInit_InstallsTarget(t *testing.T) {
	assert.True(t, hooks.Installed(), "hook target installed before any instrumented code runs")
}

func TestStartupTarget_HoldsCallsUntilAttach(t *testing.T) {
	st := &startupTarget{}
	d := unit.NewDomain("startup")
	u := d.DefineOrGet("example.com/app#init.go")

	for range 1000 {
		st.FunctionCalled(u, "buildTable() map[string]int")
	}
	st.FunctionCalled(u, "register()")
	assert.Equal(t, 3, st.held(), "at most two calls held per function")

	rep := &firstUses{}
	c := core.New(core.Options{Reporter: rep})
	st.attach(c)
	assert.Zero(t, st.held())
	assert.Equal(t, []unit.Signature{"buildTable() map[string]int", "register()"}, rep.sigs)

	s := c.Registry().Lookup(u)
	require.NotNil(t, s)
	assert.Equal(t, state.SeenMultiple, s.Phase("buildTable() map[string]int"))
	assert.Equal(t, state.SeenOnce, s.Phase("register()"))

	st.FunctionCalled(u, "serve()")
	assert.Equal(t, []unit.Signature{"buildTable() map[string]int", "register()", "serve()"}, rep.sigs)

	st.detach()
	st.FunctionCalled(u, "late()")
	assert.Zero(t, st.held(), "calls after detach are dropped")
	assert.Len(t, rep.sigs, 3)
}
