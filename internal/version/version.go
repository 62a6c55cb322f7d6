// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, without the leading v.
	Version = "dev"

	// Commit is the git commit hash
	Commit = "unknown"

	BuildTime = "unknown"
)

// String returns a formatted version string
func String() string {
	if Commit == "unknown" {
		return fmt.Sprintf("coindrop v%s", Version)
	}
	return fmt.Sprintf("coindrop v%s (commit: %s, built: %s)", Version, Commit, BuildTime)
}
