package usage

import (
	"sync"

	"github.com/kolkov/usagetrace/internal/usage/core"
	"github.com/kolkov/usagetrace/internal/usage/hooks"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// Every instrumented package imports this one, so this init runs before
// any instrumented package-level initializer or init function. Calls made
// that early are held until Init starts the agent.
func init() {
	if err := hooks.Initialize(target, nil); err != nil {
		panic(err) // nothing else installs the target in a compiled program
	}
}

var target = &startupTarget{state: buffering}

type startupState int

const (
	buffering startupState = iota // before the first Init
	forwarding
	stopped // after Fini; calls are dropped
)

type pendingCall struct {
	u   *unit.Unit
	sig unit.Signature
}

// startupTarget is the process-wide hook target of a compiled program. It
// forwards to the agent's core while tracking is active and holds calls
// made before the first Init.
//
// Only the first two calls of a function matter to the core, so at most two
// are held per function however often package initialization calls it.
type startupTarget struct {
	mu      sync.Mutex
	state   startupState
	core    *core.Core
	order   []pendingCall
	pending map[pendingCall]int
}

func (t *startupTarget) FunctionCalled(u *unit.Unit, sig unit.Signature) {
	t.mu.Lock()
	switch t.state {
	case forwarding:
		c := t.core
		t.mu.Unlock()
		c.FunctionCalled(u, sig)
		return
	case buffering:
		t.hold(pendingCall{u, sig})
	}
	t.mu.Unlock()
}

func (t *startupTarget) hold(call pendingCall) {
	if t.pending == nil {
		t.pending = make(map[pendingCall]int)
	}
	n := t.pending[call]
	if n == 0 {
		t.order = append(t.order, call)
	}
	if n < 2 {
		t.pending[call] = n + 1
	}
}

// attach starts forwarding to c, replaying the held calls first in the
// order the functions were first called.
func (t *startupTarget) attach(c *core.Core) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, call := range t.order {
		for range t.pending[call] {
			c.FunctionCalled(call.u, call.sig)
		}
	}
	t.order, t.pending = nil, nil
	t.core = c
	t.state = forwarding
}

// detach drops every later call.
func (t *startupTarget) detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.core = nil
	t.state = stopped
}

// held returns the number of calls waiting for Init.
func (t *startupTarget) held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.pending {
		n += c
	}
	return n
}
