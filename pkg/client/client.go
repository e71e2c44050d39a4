// Package client implements the HTTP transport used to talk to a content
// instance: JSON reads of repository resources, form posts and the page
// commands used to manage test content.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cqsmoke/cqsmoke/internal/useragent"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	prom_config "github.com/prometheus/common/config"
)

// maxBodySize limits how much of a response body is kept in memory. Settable
// by tests.
var maxBodySize = 8 << 20

// ErrResponseTooLarge is returned for response bodies larger than the
// client keeps in memory.
var ErrResponseTooLarge = errors.New("response too large")

// Config configures a Client.
type Config struct {
	// URL is the base URL of the instance, e.g. http://localhost:4502.
	URL string `yaml:"url"`

	// HTTPClientConfig holds authentication, TLS and proxy settings.
	HTTPClientConfig prom_config.HTTPClientConfig `yaml:"client,omitempty"`
}

// DefaultConfig holds default settings for a Client.
var DefaultConfig = Config{
	HTTPClientConfig: prom_config.DefaultHTTPClientConfig,
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned when an instance answers with an unexpected status
// code.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code %d", e.Method, e.Path, e.StatusCode)
}

// Client talks to a single instance.
type Client struct {
	name   string
	base   *url.URL
	http   *http.Client
	logger log.Logger
}

// New creates a new Client. name identifies the instance in logs, e.g.
// "author" or "publish".
func New(name string, cfg Config, logger log.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%s: url must not be empty", name)
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid url: %w", name, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%s: unsupported url scheme %q", name, base.Scheme)
	}

	hc, err := prom_config.NewClientFromConfig(cfg.HTTPClientConfig, "cqsmoke_"+name, prom_config.WithUserAgent(useragent.Get()))
	if err != nil {
		return nil, fmt.Errorf("%s: building http client: %w", name, err)
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{
		name:   name,
		base:   base,
		http:   hc,
		logger: log.With(logger, "instance", name),
	}, nil
}

// Name returns the name of the instance.
func (c *Client) Name() string { return c.name }

// URL returns the absolute URL of path on the instance.
func (c *Client) URL(path string) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimPrefix(path, "/")
	return u.String()
}

// Get performs a GET request against path with an optional query.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	target := c.URL(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// GetPath performs a GET request against path and returns the status code.
func (c *Client) GetPath(ctx context.Context, path string) (int, error) {
	resp, err := c.Get(ctx, path, nil)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// GetJSON reads the JSON rendering of the resource at path with the given
// depth. Any status other than 200 is returned as a *StatusError.
func (c *Client) GetJSON(ctx context.Context, path string, depth int) ([]byte, error) {
	p := strings.TrimSuffix(path, "/") + "." + strconv.Itoa(depth) + ".json"
	resp, err := c.Get(ctx, p, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(http.MethodGet, p, resp)
	}
	return resp.Body, nil
}

// PostForm posts form to path. The response is returned whatever its status
// code.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	bb, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBodySize)+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(bb) > maxBodySize {
		return nil, fmt.Errorf("%w: %s %s exceeds %d bytes", ErrResponseTooLarge, req.Method, req.URL.Path, maxBodySize)
	}

	level.Debug(c.logger).Log("msg", "request done", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       bb,
	}, nil
}

func statusError(method, path string, resp *Response) *StatusError {
	body := string(resp.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: body}
}
