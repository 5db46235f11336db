// Package usage is the runtime that instrumented programs import.
//
// See doc.go for detailed documentation and examples.
package usage

import (
	"fmt"
	"os"
	"sync"

	"github.com/kolkov/usagetrace/internal/usage/agent"
	"github.com/kolkov/usagetrace/internal/usage/config"
	"github.com/kolkov/usagetrace/internal/usage/hooks"
	"github.com/kolkov/usagetrace/internal/usage/unit"
)

// CodeUnit is one instrumented source file of the running program.
type CodeUnit = unit.Unit

var (
	// program is the domain holding every unit compiled into the binary.
	program = unit.NewDomain("program")

	mu     sync.Mutex
	active *agent.Agent
)

// Unit returns the handle of the unit called name, registering it on first
// use. The usagetrace tool emits one call per instrumented file:
//
//	var usagetraceUnit_4d8a49ee = usagetrace.Unit("github.com/acme/app#server.go")
func Unit(name string) *CodeUnit {
	return program.DefineOrGet(name)
}

// Called reports that function sig of u started executing.
//
// This function is inserted by the usagetrace tool as the first statement of
// every function not yet known to be used. Manual calls are typically not
// needed. Calls made before Init, such as those from package initializers,
// are reported once Init runs; after Fini they are dropped.
//
// Example (automatic instrumentation):
//
//	func (s *Server) Handle(ctx context.Context) error {
//		usagetrace.Called(usagetraceUnit_4d8a49ee, "(*Server).Handle(context.Context) error")
//		...
//	}
func Called(u *CodeUnit, sig string) {
	hooks.Dispatch(u, unit.Signature(sig))
}

// Init starts usage tracking with the configuration found in the
// environment (USAGETRACE_CONFIG and USAGETRACE_* variables).
//
// The usagetrace tool inserts this call at the beginning of main():
//
//	func main() {
//		usagetrace.Init()
//		defer usagetrace.Fini()
//		// ... rest of program
//	}
//
// An invalid configuration is fatal: the error is printed and the process
// exits with status 2. Init is safe to call multiple times (subsequent calls
// are no-ops).
func Init() {
	cfg, err := config.LoadFromEnvironment()
	if err == nil {
		err = InitWithConfig(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "usagetrace: %v\n", err)
		os.Exit(2)
	}
}

// InitWithConfig starts usage tracking with cfg. Calling it while tracking
// is active does nothing.
func InitWithConfig(cfg *config.Config) error {
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return nil
	}
	a, err := agent.New(cfg, agent.Options{})
	if err != nil {
		return err
	}
	target.attach(a.Core)
	active = a
	return nil
}

// Fini stops usage tracking and flushes every pending usage event.
//
// This function should be called at program exit; the usagetrace tool
// defers it at the top of main(). Fini without Init does nothing.
func Fini() {
	mu.Lock()
	a := active
	active = nil
	if a != nil {
		target.detach()
	}
	mu.Unlock()

	if a == nil {
		return
	}
	if err := a.Close(); err != nil {
		a.Logger.Error("shutting down usage tracking failed", "error", err)
	}
}

// Enabled reports whether usage tracking is active.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return active != nil
}
