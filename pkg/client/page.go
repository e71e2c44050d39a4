package client

import (
	"context"
	"net/http"
	"net/url"
	"path"
)

// CommandPath is the servlet handling page commands.
const CommandPath = "/bin/wcmcommand"

// CreatePage creates a page named name below parent and returns its path.
func (c *Client) CreatePage(ctx context.Context, parent, name, title, template string) (string, error) {
	form := url.Values{
		"cmd":        {"createPage"},
		"_charset_":  {"utf-8"},
		"parentPath": {parent},
		"label":      {name},
		"title":      {title},
	}
	if template != "" {
		form.Set("template", template)
	}

	resp, err := c.PostForm(ctx, CommandPath, form)
	if err != nil {
		return "", err
	}
	if !success(resp.StatusCode) {
		return "", statusError(http.MethodPost, CommandPath, resp)
	}
	return path.Join(parent, name), nil
}

// DeletePage deletes the page at p including its children.
func (c *Client) DeletePage(ctx context.Context, p string) error {
	form := url.Values{
		"cmd":       {"deletePage"},
		"_charset_": {"utf-8"},
		"path":      {p},
		"force":     {"true"},
		"shallow":   {"false"},
	}

	resp, err := c.PostForm(ctx, CommandPath, form)
	if err != nil {
		return err
	}
	if !success(resp.StatusCode) {
		return statusError(http.MethodPost, CommandPath, resp)
	}
	return nil
}

func success(code int) bool { return code >= 200 && code < 300 }
