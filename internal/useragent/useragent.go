// Package useragent builds the User-Agent sent with every request to an
// instance: cqsmoke/$VERSION ($GOOS; $RUNNER).
package useragent

import (
	"fmt"
	"os"
	"runtime"

	"github.com/cqsmoke/cqsmoke/pkg/build"
)

// RunnerEnv names the environment variable describing where cqsmoke runs.
const RunnerEnv = "CQSMOKE_RUNNER"

// settable by tests
var goos = runtime.GOOS

// Get returns the User-Agent header value.
func Get() string {
	return fmt.Sprintf("cqsmoke/%s (%s; %s)", build.Version, goos, runner())
}

// runner only reports known values so that arbitrary input does not end up
// in access logs.
func runner() string {
	switch r := os.Getenv(RunnerEnv); r {
	case "ci", "docker", "kubernetes":
		return r
	case "":
		return "binary"
	default:
		return "unknown"
	}
}
