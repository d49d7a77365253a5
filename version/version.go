// Package version reports a build identifier for the naming and
// storage server binaries, set at link time with -ldflags.
package version

import (
	"fmt"
	"time"
)

// GitSHA is overwritten at link time via
// -ldflags "-X github.com/branchfs/branchfs/version.GitSHA=...".
// BuildTime is a time.Time, which -X cannot set; it stays the zero
// time unless code assigns it.
var (
	BuildTime = time.Time{}
	GitSHA    = ""
)

// Version returns a newline-terminated string describing the current build.
func Version() string {
	if GitSHA == "" {
		return "devel\n"
	}
	return fmt.Sprintf("Build time: %s\nGit hash:   %s\n",
		BuildTime.In(time.UTC).Format(time.Stamp+" 2006 UTC"), GitSHA)
}
