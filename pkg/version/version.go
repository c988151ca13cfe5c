// Package version carries build metadata injected with -ldflags, e.g.
// go build -ldflags "-X taskmesh/pkg/version.Version=v1.2.3".
package version

import "fmt"

//nolint:gochecknoglobals // set through ldflags
var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the source revision.
	Commit = "none"

	// Date is the build time.
	Date = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
