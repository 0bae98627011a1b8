// Package app wires the promise execution subsystem's components into a
// runnable process: open the document store, build the lock factory,
// fulfiller, salvager, migration coordinator and retention sweeper, then
// serve the admin HTTP front until told to stop.
package app

import (
	"context"
	"fmt"

	"github.com/valyala/fasthttp"

	"promisedb/pkg/api"
	"promisedb/pkg/apirate"
	"promisedb/pkg/banner"
	"promisedb/pkg/config"
	"promisedb/pkg/docstore"
	"promisedb/pkg/fulfill"
	"promisedb/pkg/lock"
	"promisedb/pkg/logger"
	"promisedb/pkg/migrate"
	"promisedb/pkg/retention"
	"promisedb/pkg/salvage"
)

// App encapsulates the subsystem's components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store       *docstore.Store
	lockFactory *lock.Factory
	registry    *fulfill.Registry
	fulfiller   *fulfill.Fulfiller
	salvager    *salvage.Salvager
	migrator    *migrate.Coordinator
	sweeper     *retention.Sweeper

	srv *fasthttp.Server
}

// New opens the document store and builds every component that does not
// require a running context. It does not start background workers or the
// HTTP server; call Run to start those and block until shutdown.
//
// actions registers the fulfillable action catalog; callers own what names
// exist and what each one does (spec.md §4.5's "named idempotent action").
// migrations lists the migration definitions to apply in order, run once
// at the start of Run.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string, actions func(*fulfill.Registry), migrations []migrate.Definition) (*App, error) {
	logger.InitWithLevel(eff.Config.LogLevel)

	store, err := docstore.Open(eff.Config.CoreDatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	lockFactory := lock.New(store, logger.Log)

	registry := fulfill.NewRegistry()
	if actions != nil {
		actions(registry)
	}
	fulfiller := fulfill.New(store, registry, logger.Log)
	salvager := salvage.New(store, fulfiller, logger.Log)
	migrator := migrate.New(store, lockFactory, migrations, logger.Log)

	var sweeper *retention.Sweeper
	if eff.Config.RetentionEnabled {
		sweeper, err = retention.New(store, eff.Config.RetentionCron, logger.Log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("building retention sweeper: %w", err)
		}
	}

	return &App{
		eff: eff, version: version, commit: commit, buildDate: buildDate,
		store: store, lockFactory: lockFactory, registry: registry,
		fulfiller: fulfiller, salvager: salvager, migrator: migrator, sweeper: sweeper,
	}, nil
}

// Run applies pending migrations, starts the salvager and optional
// retention sweeper, then serves the admin HTTP front until ctx is
// canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	a.salvager.Start(ctx)
	defer a.salvager.Stop()

	if a.sweeper != nil {
		go func() {
			if err := a.sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Retention sweeper stopped", "error", err)
			}
		}()
	}

	banner.Print(a.eff, a.version)

	limiter := apirate.New(apirate.Limits{RPS: 20, Burst: 40})
	front := api.New(a.store, a.salvager, limiter)
	a.srv = &fasthttp.Server{Handler: front.FastHTTPHandler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe(a.eff.Config.AdminAddr)
	}()

	select {
	case <-ctx.Done():
		_ = a.srv.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

// Registry exposes the fulfillable action registry so callers can register
// actions before Run starts the fulfiller and salvager against it.
func (a *App) Registry() *fulfill.Registry { return a.registry }

// Close releases the document store handle.
func (a *App) Close() error {
	return a.store.Close()
}
