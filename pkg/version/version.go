// Package version holds the agentflow build version, set at link time:
//
//	go build -ldflags "-X agentflow/pkg/version.Version=v0.3.0 -X agentflow/pkg/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

//nolint:gochecknoglobals // ldflags targets
var (
	// Version is the release tag, or "dev".
	Version = "dev"

	// Commit is the git commit of the build.
	Commit = "none"

	// Date is the build date.
	Date = "unknown"
)

// String formats the build information for --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
