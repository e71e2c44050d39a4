// Package config loads the settings of a smoke test run from a YAML file and
// command line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
	"unicode"

	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/cqsmoke/cqsmoke/pkg/logging"
	"github.com/cqsmoke/cqsmoke/pkg/replication"
	"github.com/drone/envsubst/v2"
	"github.com/grafana/dskit/backoff"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Author  client.Config `yaml:"author"`
	Publish client.Config `yaml:"publish"`
	// Preview is optional. When its URL is empty, the service check does not
	// probe a preview instance.
	Preview client.Config `yaml:"preview,omitempty"`

	Replication ReplicationConfig `yaml:"replication"`
	PageCheck   PageCheckConfig   `yaml:"page_check"`
	Content     ContentConfig     `yaml:"content"`
	Checks      ChecksConfig      `yaml:"checks"`
	Log         logging.Config    `yaml:"log"`
}

// ReplicationConfig controls replication requests and their confirmation.
type ReplicationConfig struct {
	AgentsPath    string `yaml:"agents_path"`
	SnapshotDepth int    `yaml:"snapshot_depth"`
	PublishAgent  string `yaml:"publish_agent"`
	PreviewAgent  string `yaml:"preview_agent"`

	PreflightTimeout time.Duration `yaml:"preflight_timeout"`
	Timeout          time.Duration `yaml:"timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig controls how often a whole replication round trip is retried.
type RetryConfig struct {
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	MaxRetries int           `yaml:"max_retries"`
}

// Backoff converts the settings to a backoff.Config.
func (c RetryConfig) Backoff() backoff.Config {
	return backoff.Config{
		MinBackoff: c.MinBackoff,
		MaxBackoff: c.MaxBackoff,
		MaxRetries: c.MaxRetries,
	}
}

// ConfirmOptions returns the confirmation timings.
func (c ReplicationConfig) ConfirmOptions() replication.ConfirmOptions {
	return replication.ConfirmOptions{
		PreflightTimeout: c.PreflightTimeout,
		Timeout:          c.Timeout,
		PollInterval:     c.PollInterval,
	}
}

// ClientOptions returns the replication client options.
func (c ReplicationConfig) ClientOptions() replication.Options {
	return replication.Options{
		AgentsPath:    c.AgentsPath,
		SnapshotDepth: c.SnapshotDepth,
	}
}

// PageCheckConfig controls how page presence on publish is verified.
type PageCheckConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Timeout             time.Duration `yaml:"timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	SkipDispatcherCache bool          `yaml:"skip_dispatcher_cache"`
}

// ContentConfig controls where test content is created.
type ContentConfig struct {
	ParentPath string `yaml:"parent_path"`
	Template   string `yaml:"template,omitempty"`
}

// ChecksConfig selects the checks to run.
type ChecksConfig struct {
	// Enabled lists check names. Empty runs every check.
	Enabled     []string           `yaml:"enabled,omitempty"`
	Concurrency int                `yaml:"concurrency"`
	Service     ServiceCheckConfig `yaml:"service"`
}

// ServiceCheckConfig configures the reachability check.
type ServiceCheckConfig struct {
	// Strict makes an unreachable service fail the run instead of only being
	// logged.
	Strict bool `yaml:"strict"`
}

// DefaultConfig holds default settings.
var DefaultConfig = Config{
	Author:  clientDefaults("http://localhost:4502"),
	Publish: clientDefaults("http://localhost:4503"),
	Preview: client.DefaultConfig,

	Replication: ReplicationConfig{
		AgentsPath:       replication.DefaultAgentsPath,
		SnapshotDepth:    replication.DefaultSnapshotDepth,
		PublishAgent:     "publish",
		PreviewAgent:     "preview",
		PreflightTimeout: replication.DefaultConfirmOptions.PreflightTimeout,
		Timeout:          replication.DefaultConfirmOptions.Timeout,
		PollInterval:     replication.DefaultConfirmOptions.PollInterval,
		Retry: RetryConfig{
			MinBackoff: time.Second,
			MaxBackoff: 30 * time.Second,
			MaxRetries: 3,
		},
	},
	PageCheck: PageCheckConfig{
		Enabled:             true,
		Timeout:             time.Minute,
		PollInterval:        time.Second,
		SkipDispatcherCache: true,
	},
	Content: ContentConfig{
		ParentPath: "/content/test-site",
	},
	Checks: ChecksConfig{
		Concurrency: 1,
	},
	Log: logging.DefaultConfig,
}

func clientDefaults(url string) client.Config {
	c := client.DefaultConfig
	c.URL = url
	return c
}

// RegisterFlags registers flags for the settings most often overridden, using
// the current values of c as defaults.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Author.URL, "author.url", c.Author.URL, "Base URL of the author instance")
	f.StringVar(&c.Publish.URL, "publish.url", c.Publish.URL, "Base URL of the publish instance")
	f.StringVar(&c.Preview.URL, "preview.url", c.Preview.URL, "Base URL of the preview instance, probed by the service check when set")

	f.StringVar(&c.Replication.PublishAgent, "replication.publish-agent", c.Replication.PublishAgent, "Distribution agent replicating to publish")
	f.StringVar(&c.Replication.PreviewAgent, "replication.preview-agent", c.Replication.PreviewAgent, "Distribution agent replicating to preview")
	f.DurationVar(&c.Replication.Timeout, "replication.timeout", c.Replication.Timeout, "How long to wait for a replication request to leave the queue")
	f.DurationVar(&c.Replication.PollInterval, "replication.poll-interval", c.Replication.PollInterval, "How often to poll the distribution queues")

	f.BoolVar(&c.PageCheck.Enabled, "page-check.enabled", c.PageCheck.Enabled, "Verify replicated pages on the publish instance")
	f.DurationVar(&c.PageCheck.Timeout, "page-check.timeout", c.PageCheck.Timeout, "How long to wait for a page to reach the expected status on publish")

	f.StringVar(&c.Content.ParentPath, "content.parent-path", c.Content.ParentPath, "Path below which test pages are created")
	f.IntVar(&c.Checks.Concurrency, "checks.concurrency", c.Checks.Concurrency, "Number of checks to run at the same time")

	c.Log.RegisterFlags(f)
}

// Validate returns an error if c is unusable.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Author.URL == "" {
		add("author.url must not be empty")
	}
	if c.Publish.URL == "" {
		add("publish.url must not be empty")
	}
	for name, cc := range map[string]client.Config{"author": c.Author, "publish": c.Publish, "preview": c.Preview} {
		if err := cc.HTTPClientConfig.Validate(); err != nil {
			add("%s.client: %w", name, err)
		}
	}

	r := c.Replication
	if r.AgentsPath == "" {
		add("replication.agents_path must not be empty")
	}
	if r.PublishAgent == "" {
		add("replication.publish_agent must not be empty")
	}
	if c.Preview.URL != "" && r.PreviewAgent == "" {
		add("replication.preview_agent must not be empty when preview.url is set")
	}
	if r.SnapshotDepth < 1 {
		add("replication.snapshot_depth must be at least 1")
	}
	validatePolling(add, "replication", r.Timeout, r.PollInterval)
	if r.PreflightTimeout <= 0 {
		add("replication.preflight_timeout must be positive")
	}
	if r.Retry.MaxRetries < 1 {
		add("replication.retry.max_retries must be at least 1")
	}
	if r.Retry.MinBackoff > r.Retry.MaxBackoff {
		add("replication.retry.min_backoff must not exceed max_backoff")
	}

	if c.PageCheck.Enabled {
		validatePolling(add, "page_check", c.PageCheck.Timeout, c.PageCheck.PollInterval)
	}
	if c.Content.ParentPath == "" {
		add("content.parent_path must not be empty")
	}
	if c.Checks.Concurrency < 1 {
		add("checks.concurrency must be at least 1")
	}
	if err := c.Log.Validate(); err != nil {
		add("log: %w", err)
	}
	return errs
}

func validatePolling(add func(string, ...interface{}), section string, timeout, interval time.Duration) {
	switch {
	case timeout <= 0:
		add("%s.timeout must be positive", section)
	case interval <= 0:
		add("%s.poll_interval must be positive", section)
	case interval > timeout:
		add("%s.poll_interval must not exceed the timeout", section)
	}
}

// LoadFile reads a file and passes the contents to LoadBytes.
func LoadFile(filename string, expandEnvVars bool, c *Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file %w", err)
	}
	return LoadBytes(buf, expandEnvVars, c)
}

// LoadBytes unmarshals a config from a buffer. Unknown fields are rejected.
func LoadBytes(buf []byte, expandEnvVars bool, c *Config) error {
	if expandEnvVars {
		s, err := envsubst.Eval(string(buf), getenv)
		if err != nil {
			return fmt.Errorf("unable to substitute config with environment variables: %w", err)
		}
		buf = []byte(s)
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// getenv leaves numeric references such as ${1} untouched.
func getenv(name string) string {
	for _, r := range name {
		if !unicode.IsDigit(r) {
			return os.Getenv(name)
		}
	}
	return fmt.Sprintf("${%s}", name)
}

// Load registers flags on fs, parses args, loads the file given by
// -config.file (if any) and parses args again so that flags take precedence
// over the file.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	return load(fs, args, LoadFile)
}

func load(fs *flag.FlagSet, args []string, loader func(string, bool, *Config) error) (*Config, error) {
	var (
		cfg = DefaultConfig

		file            string
		configExpandEnv bool
	)

	registerLoadFlags(fs, &cfg, &file, &configExpandEnv)

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("error parsing flags: %w", err)
	}

	if file != "" {
		if err := loader(file, configExpandEnv, &cfg); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", file, err)
		}

		// Parse the flags again to override any YAML values with command line
		// flag values.
		if err := fs.Parse(args); err != nil {
			return nil, fmt.Errorf("error parsing flags: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error in config: %w", err)
	}
	return &cfg, nil
}

func registerLoadFlags(fs *flag.FlagSet, cfg *Config, file *string, expandEnv *bool) {
	fs.StringVar(file, "config.file", "", "configuration file to load")
	fs.BoolVar(expandEnv, "config.expand-env", false, "Expands ${var} in config according to the values of the environment variables.")
	cfg.RegisterFlags(fs)
}

// NewFlagSet returns a flag set holding every flag understood by Load. The
// values it parses are discarded; it lets other flag parsers expose the same
// flags and forward them to Load.
func NewFlagSet(name string) *flag.FlagSet {
	var (
		cfg       = DefaultConfig
		file      string
		expandEnv bool
	)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	registerLoadFlags(fs, &cfg, &file, &expandEnv)
	return fs
}
