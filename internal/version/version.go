// Package version exposes the agent's build identity.
package version

import (
	"fmt"
	"runtime"
)

// Release and Commit are overridden at build time via
// -ldflags "-X github.com/metrixhq/metrix/internal/version.Release=...".
var (
	Release = "dev"
	Commit  = "unknown"
)

// String returns the full version line, e.g.
// "metrix/dev (commit unknown, linux/amd64, go1.24.0)".
func String() string {
	return fmt.Sprintf(
		"metrix/%s (commit %s, %s/%s, %s)",
		Release, Commit, runtime.GOOS, runtime.GOARCH, runtime.Version(),
	)
}
