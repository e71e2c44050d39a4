// Package build holds version information set at link time.
package build

import (
	"github.com/prometheus/common/version"
)

// Version information for the cqsmoke binaries. Set with -ldflags -X at
// build time and forwarded to the Prometheus version package so that
// version.Print and the build_info metric report it.
var (
	Version   = "dev"
	Revision  string
	Branch    string
	BuildUser string
	BuildDate string
)

func init() {
	version.Version = Version
	version.Revision = Revision
	version.Branch = Branch
	version.BuildUser = BuildUser
	version.BuildDate = BuildDate
}

// Print returns version information for the named program.
func Print(program string) string {
	return version.Print(program)
}
