package main

import (
	"github.com/cqsmoke/cqsmoke/pkg/client"
	"github.com/cqsmoke/cqsmoke/pkg/config"
	"github.com/cqsmoke/cqsmoke/pkg/poll"
	"github.com/cqsmoke/cqsmoke/pkg/replication"
	"github.com/cqsmoke/cqsmoke/pkg/smoke"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

func newConfirmer(cfg *config.Config, reg prometheus.Registerer, logger log.Logger) (*client.Client, *replication.Confirmer, error) {
	author, err := client.New("author", cfg.Author, logger)
	if err != nil {
		return nil, nil, err
	}

	rc := replication.NewClient(author, cfg.Replication.ClientOptions(), logger)
	return author, replication.NewConfirmer(rc, cfg.Replication.ConfirmOptions(), replication.NewMetrics(reg), logger), nil
}

func newEnv(cfg *config.Config, reg prometheus.Registerer, logger log.Logger) (*smoke.Env, error) {
	author, confirmer, err := newConfirmer(cfg, reg, logger)
	if err != nil {
		return nil, err
	}
	publish, err := client.New("publish", cfg.Publish, logger)
	if err != nil {
		return nil, err
	}

	var preview *client.Client
	if cfg.Preview.URL != "" {
		if preview, err = client.New("preview", cfg.Preview, logger); err != nil {
			return nil, err
		}
	}

	env := &smoke.Env{
		Author:          author,
		Publish:         publish,
		Preview:         preview,
		Confirmer:       confirmer,
		PublishAgent:    cfg.Replication.PublishAgent,
		PreviewAgent:    cfg.Replication.PreviewAgent,
		Retry:           poll.Retrier{Config: cfg.Replication.Retry.Backoff()},
		ContentParent:   cfg.Content.ParentPath,
		ContentTemplate: cfg.Content.Template,
		ServiceStrict:   cfg.Checks.Service.Strict,
		Logger:          logger,
	}
	if cfg.PageCheck.Enabled {
		env.Pages = &smoke.PageChecker{
			Publish:             publish,
			Timeout:             cfg.PageCheck.Timeout,
			PollInterval:        cfg.PageCheck.PollInterval,
			SkipDispatcherCache: cfg.PageCheck.SkipDispatcherCache,
			Logger:              logger,
		}
	}
	return env, nil
}
