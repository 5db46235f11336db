package usage_test

import (
	"fmt"

	"github.com/kolkov/usagetrace/internal/usage/config"
	usagetrace "github.com/kolkov/usagetrace/usage"
)

var exampleUnit = usagetrace.Unit("example.com/app#main.go")

func greet() string {
	usagetrace.Called(exampleUnit, "greet() string")
	return "hello"
}

// Example demonstrates the calls the usagetrace tool injects.
// Normally, instrumentation is automatic via `usagetrace build`.
func Example() {
	cfg, err := config.Parse([]byte("output: {target: stdout, buffer_size: 0}"))
	if err != nil {
		panic(err)
	}
	if err := usagetrace.InitWithConfig(cfg); err != nil {
		panic(err)
	}
	defer usagetrace.Fini()

	greet()
	greet() // second call: reported once only
	fmt.Println("done")

	// Output:
	// example.com/app.greet() string
	// done
}

// Example_automaticInstrumentation shows how the usagetrace tool works.
func Example_automaticInstrumentation() {
	// When using: usagetrace build ./cmd/server
	//
	// Original code:
	//   func handle() {}
	//
	// Becomes:
	//   var usagetraceUnit_53023e0c = usagetrace.Unit("example.com/server#main.go")
	//
	//   func handle() {
	//   	usagetrace.Called(usagetraceUnit_53023e0c, "handle()")
	//   }
	//
	// Once handle() has been seen running, the next build drops the hook.

	fmt.Println("Use: usagetrace build ./cmd/server")

	// Output:
	// Use: usagetrace build ./cmd/server
}
