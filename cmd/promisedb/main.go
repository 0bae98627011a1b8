// Command promisedb runs the promise execution subsystem as a standalone
// process: opens the document store, applies pending migrations, starts
// the salvager and retention sweeper, and serves the admin HTTP front
// until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"promisedb/internal/app"
	"promisedb/pkg/config"
	"promisedb/pkg/fulfill"
	"promisedb/pkg/migrate"
	"promisedb/pkg/shutdown"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")

	eff, err := config.Load(os.Getenv("PROMISEDB_CONFIG"), os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "promisedb: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(eff, version, commit, buildDate, registerActions, migrations())
	if err != nil {
		fmt.Fprintf(os.Stderr, "promisedb: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("promisedb run loop", err, eff.Config.CoreDatabasePath)
	}
}

// registerActions is the process's fulfillment action catalog. Embedders
// of this subsystem register their own named, idempotent actions here;
// none ship by default.
func registerActions(r *fulfill.Registry) {}

// migrations lists this process's migration definitions, applied in order
// at the start of every run. None ship by default.
func migrations() []migrate.Definition {
	return nil
}
