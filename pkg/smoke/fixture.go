package smoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// PagePrefix prefixes the names of pages created by checks.
const PagePrefix = "testpage_"

// Fixture creates content for a single check and removes it afterwards.
type Fixture struct {
	author   *client.Client
	parent   string
	template string
	logger   log.Logger

	mut     sync.Mutex
	created []string
}

// NewFixture returns a Fixture creating pages below parent on author.
func NewFixture(author *client.Client, parent, template string, logger log.Logger) *Fixture {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Fixture{author: author, parent: parent, template: template, logger: logger}
}

// CreatePage creates a uniquely named page and records it for cleanup.
func (f *Fixture) CreatePage(ctx context.Context) (string, error) {
	name := PagePrefix + uuid.NewString()
	p, err := f.author.CreatePage(ctx, f.parent, name, "Smoke test page "+name, f.template)
	if err != nil {
		return "", fmt.Errorf("creating test page: %w", err)
	}
	f.Track(p)
	level.Debug(f.logger).Log("msg", "created test page", "path", p)
	return p, nil
}

// Track records a path to delete during Cleanup.
func (f *Fixture) Track(p string) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.created = append(f.created, p)
}

// Created returns the recorded paths in creation order.
func (f *Fixture) Created() []string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]string(nil), f.created...)
}

// Cleanup deletes the recorded paths, newest first. Paths which no longer
// exist are ignored. Every path is attempted even if some deletions fail.
func (f *Fixture) Cleanup(ctx context.Context) error {
	f.mut.Lock()
	paths := f.created
	f.created = nil
	f.mut.Unlock()

	var errs error
	for i := len(paths) - 1; i >= 0; i-- {
		err := f.author.DeletePage(ctx, paths[i])

		var se *client.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			err = nil
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("deleting %s: %w", paths[i], err))
			continue
		}
		level.Debug(f.logger).Log("msg", "deleted test page", "path", paths[i])
	}
	return errs
}
