// Package version holds build metadata, set at link time with
// -ldflags "-X github.com/ramiqadoumi/go-task-recycler/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("recycler %s (commit %s, built %s, %s %s/%s)",
		Version, GitCommit, BuildTime, GoVersion(), runtime.GOOS, runtime.GOARCH)
}
