package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stupiduntilnot/localchat/internal/config"
	ctxpkg "github.com/stupiduntilnot/localchat/internal/context"
	"github.com/stupiduntilnot/localchat/internal/db"
	"github.com/stupiduntilnot/localchat/internal/dummy"
	"github.com/stupiduntilnot/localchat/internal/model"
	"github.com/stupiduntilnot/localchat/internal/observability"
	"github.com/stupiduntilnot/localchat/internal/ollama"
	"github.com/stupiduntilnot/localchat/internal/session"
	"github.com/stupiduntilnot/localchat/internal/store"
)

// app wires the orchestrator for one process.
type app struct {
	cfg        config.Config
	store      store.MessageStore
	controller *session.Controller
	metrics    *observability.Metrics
	rootEvent  int64
}

func newApp(ctx context.Context, cfg config.Config, command string) (*app, error) {
	logger := log.Logger

	st, err := store.Open(ctx, store.Options{
		DatabaseURL: cfg.DatabaseURL,
		DBPath:      cfg.DBPath,
		Logger:      &logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("message store unavailable, continuing without durable history")
		st = &store.Unavailable{Err: err, Logger: logger}
	}

	gen, err := newGenerator(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var rootID int64
	events, _ := st.(db.EventLog)
	if events != nil {
		rootID, err = events.LogEvent(ctx, nil, db.EventProcessStarted, map[string]any{
			"command":   command,
			"pid":       os.Getpid(),
			"model":     cfg.Model,
			"generator": cfg.Generator,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to log process.started")
		}
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	opts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithDisplayLimit(cfg.HistoryLimit),
	}
	if events != nil {
		opts = append(opts, session.WithEvents(events))
	}
	controller := session.New(st, ctxpkg.NewWindowBuilder(cfg.ContextWindow), gen, opts...)

	return &app{
		cfg:        cfg,
		store:      st,
		controller: controller,
		metrics:    metrics,
		rootEvent:  rootID,
	}, nil
}

func newGenerator(cfg config.Config) (model.Generator, error) {
	switch cfg.Generator {
	case config.GeneratorDummy:
		g, err := dummy.NewGenerator(cfg.DummyScript)
		if err != nil {
			return nil, errors.Wrap(err, "init dummy generator")
		}
		return g, nil
	case config.GeneratorOllama:
		return ollama.NewClient(cfg.BackendURL, cfg.Model, cfg.Timeout, ollama.WithLogger(log.Logger)), nil
	default:
		return nil, errors.Errorf("unknown generator %q", cfg.Generator)
	}
}

// auditContext attaches the process.started event so that operations
// record their audit events beneath it.
func (a *app) auditContext(ctx context.Context) context.Context {
	return db.WithParentEvent(ctx, a.rootEvent)
}

func (a *app) Close() error {
	return a.store.Close()
}
