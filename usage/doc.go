// Package usage records, per function, whether a Go program ever runs it.
//
// The usagetrace tool rewrites a program so that every function not yet known
// to be used starts by reporting itself. The first call of a function emits a
// usage event; the second call asks for the hook to be removed, so functions
// in steady use stop paying for it. In a compiled binary removal is deferred:
// the observed set is persisted and the next `usagetrace build` leaves those
// hooks out.
//
// # Quick Start
//
//	$ usagetrace build -o myapp ./cmd/myapp
//	$ USAGETRACE_OUTPUT_TARGET=usage.txt ./myapp
//
// The instrumented program imports this package under the name usagetrace:
//
//	import usagetrace "github.com/kolkov/usagetrace/usage"
//
//	var usagetraceUnit_ff959d22 = usagetrace.Unit("github.com/acme/myapp#main.go")
//
//	func main() {
//		usagetrace.Init()
//		defer usagetrace.Fini()
//		usagetrace.Called(usagetraceUnit_ff959d22, "main()")
//		// ... rest of program
//	}
//
// # API Overview
//
//   - Initialization and finalization: [Init], [InitWithConfig], [Fini]
//   - Unit registration: [Unit]
//   - Hook target: [Called]
//   - Version information: [GetInfo], [Version]
//
// # Configuration
//
// [Init] reads the YAML file named by USAGETRACE_CONFIG, then applies
// USAGETRACE_* overrides:
//
//	USAGETRACE_OUTPUT_TARGET       stdout | stderr | file path
//	USAGETRACE_OUTPUT_BUFFER_SIZE  bytes, 0 for unbuffered
//	USAGETRACE_FORMAT              simple | json
//	USAGETRACE_STORE_PATH          badger directory feeding the next build
//	USAGETRACE_METRICS_ADDR        serve Prometheus metrics on this address
//	USAGETRACE_LOG_LEVEL           error | warn | info | debug
//
// # Output
//
// The simple format prints one package-qualified function per line:
//
//	github.com/acme/myapp.(*Server).Handle(context.Context) error
//
// The json format prints one object per line:
//
//	{"timestamp":1760000000000,"type":"method-called","unit":"github.com/acme/myapp#server.go","signature":"(*Server).Handle(context.Context) error","run":"..."}
package usage
