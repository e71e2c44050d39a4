// Package util holds helpers shared by tests.
package util

import (
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
)

// TestLogger returns a logfmt logger writing to stderr, tagged with the name
// of the running test.
func TestLogger(t testing.TB) log.Logger {
	t.Helper()

	l := log.NewSyncLogger(log.NewLogfmtLogger(os.Stderr))
	return log.With(l,
		"test", t.Name(),
		"ts", log.Valuer(clock),
	)
}

// clock prints only the time of day to keep test output short.
func clock() interface{} {
	return time.Now().UTC().Format("15:04:05.000")
}
