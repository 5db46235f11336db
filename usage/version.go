package usage

// Version information for the usagetrace runtime.
const (
	// Version is the current version of the runtime.
	Version = "0.1.0"

	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

// Info provides runtime information about usage tracking.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Units is the number of instrumented files registered so far.
	Units int

	// Enabled indicates whether tracking is active.
	Enabled bool
}

// GetInfo returns information about the usagetrace runtime.
//
// Example:
//
//	info := usagetrace.GetInfo()
//	fmt.Printf("usagetrace %s, %d units\n", info.Version, info.Units)
func GetInfo() Info {
	return Info{
		Version: Version,
		Units:   len(program.Units()),
		Enabled: Enabled(),
	}
}
