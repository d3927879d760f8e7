package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"kairu-assistant/internal/assistant"
	"kairu-assistant/internal/bridge"
	"kairu-assistant/internal/browser"
	"kairu-assistant/internal/config"
	"kairu-assistant/internal/mangle"
	"kairu-assistant/internal/mcp"
	"kairu-assistant/internal/planner"
	"kairu-assistant/internal/recorder"
	"kairu-assistant/internal/storage"
)

// app holds every long-lived component of one process.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	store    *storage.Store
	journal  *mangle.Journal
	recorder *recorder.Recorder
	browser  *browser.Manager
	router   *bridge.Router
	session  *assistant.Session
	server   *mcp.Server
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a.store = store

	if a.journal, err = mangle.NewJournal(cfg.Journal, log); err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize plan journal: %w", err)
	}

	if cfg.Recorder.Enable {
		if a.recorder, err = recorder.New(cfg.Recorder.Dir, cfg.Recorder.MaxSizeMB, cfg.Recorder.MaxBackups); err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize recorder: %w", err)
		}
	}

	opts := assistant.OptionsFromConfig(cfg)
	a.browser = browser.NewManager(cfg.Browser, opts.ContainerID, log)
	a.router = bridge.NewRouter(store, nil, log, bridge.WithFallback(cfg.Planner.APIKeyFromEnv))

	pl := planner.New(log,
		planner.WithHTTPClient(&http.Client{Timeout: cfg.Planner.GetTimeout()}),
		planner.WithBaseURL(cfg.Planner.BaseURL),
		planner.WithModel(cfg.Planner.Model),
		planner.WithActions(opts.Actions),
	)

	a.session = assistant.New(opts, assistant.Deps{
		Store:    store,
		Pages:    a.currentPage,
		Keys:     a.router,
		Planner:  pl,
		Journal:  a.journal,
		Recorder: a.recorder,
		Log:      log,
	})
	a.router.SetToggler(a.session)
	a.browser.OnOpen(func(ctx context.Context, d *browser.Driver) {
		a.session.Attach(ctx, d)
	})

	if err := a.session.Restore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}

	a.server, err = mcp.NewServer(cfg, mcp.Deps{
		Browser: a.browser,
		Session: a.session,
		Bridge:  a.router,
		Journal: a.journal,
		Log:     log,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize MCP server: %w", err)
	}
	return a, nil
}

func (a *app) currentPage() (assistant.Page, error) {
	d, err := a.browser.Current()
	if err != nil {
		return nil, err
	}
	return d, nil
}

// startBrowser connects and opens url, or the configured start page.
func (a *app) startBrowser(ctx context.Context, url string) error {
	if err := a.browser.Start(ctx); err != nil {
		return err
	}
	if url == "" {
		url = a.cfg.Browser.StartURL
	}
	if url == "" {
		return nil
	}
	_, err := a.browser.Open(ctx, url)
	return err
}

// Close tears everything down in reverse order.
func (a *app) Close() {
	if a.session != nil {
		_ = a.session.Close()
	}
	if a.browser != nil && a.browser.IsConnected() {
		if err := a.browser.Shutdown(context.Background()); err != nil {
			a.log.Warn("browser shutdown failed", zap.Error(err))
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Warn("recorder close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrContextInvalidated) {
			a.log.Warn("storage close failed", zap.Error(err))
		}
	}
}
