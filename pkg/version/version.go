package version

// Current is overwritten at build time with -ldflags "-X .../pkg/version.Current=v1.2.3".
var Current = "dev"

// Commit is the VCS revision, injected the same way.
var Commit = "unknown"

const AppName = "cigraph"

// String renders the version line printed by the CLI.
func String() string {
	return AppName + " " + Current + " (" + Commit + ")"
}
