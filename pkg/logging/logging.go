// Package logging builds the go-kit logger used by the cqsmoke binaries.
package logging

import (
	"flag"
	"fmt"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Supported formats.
const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// Config controls log output.
type Config struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// DefaultConfig holds default log settings.
var DefaultConfig = Config{
	Level:  "info",
	Format: FormatLogfmt,
}

// RegisterFlags registers flags for log settings, using the current values
// of c as defaults.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Level, "log.level", c.Level, "Only log messages with the given severity or above. One of: debug, info, warn, error")
	f.StringVar(&c.Format, "log.format", c.Format, "Output format of log messages. One of: logfmt, json")
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if _, err := levelOption(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case FormatLogfmt, FormatJSON:
		return nil
	}
	return fmt.Errorf("unsupported log format %q", c.Format)
}

// New returns a logger writing to w which stamps every line with a UTC
// timestamp and the caller.
func New(w io.Writer, c Config) (log.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := levelOption(c.Level)

	var l log.Logger
	if c.Format == FormatJSON {
		l = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	l = level.NewFilter(l, lvl)
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func levelOption(s string) (level.Option, error) {
	switch s {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, fmt.Errorf("unsupported log level %q", s)
}
