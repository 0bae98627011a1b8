// Package migrate implements the migration coordinator (spec.md §4.7): an
// ordered, idempotent catch-up mechanism that applies registered
// migrations exactly once across however many processes start
// concurrently, serialized by a momentary lock rather than a leader
// election.
package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"promisedb/pkg/docstore"
	"promisedb/pkg/lock"
	"promisedb/pkg/resilience"
)

// lockKey serializes the decision to start the next migration across
// concurrently-starting processes (spec.md §4.7).
const lockKey = "Migration.Count=0"

// Definition is one registered migration: a stable, never-renamed
// description and the deterministic mutation it applies.
type Definition struct {
	Description string
	Apply       func(ctx context.Context) error
}

// Coordinator applies a fixed, ordered list of migrations at host start.
type Coordinator struct {
	store       *docstore.Store
	lockFactory *lock.Factory
	definitions []Definition
	log         *slog.Logger
}

// New returns a Coordinator that will apply definitions, in order, the
// first time Migrate observes fewer applied migrations than len(definitions).
func New(store *docstore.Store, lockFactory *lock.Factory, definitions []Definition, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, lockFactory: lockFactory, definitions: definitions, log: log}
}

// Migrate applies every not-yet-applied migration, in order, serialized
// against other concurrently-starting processes via a momentary lock with
// a double-check after acquiring it (spec.md §4.7).
func (c *Coordinator) Migrate(ctx context.Context) error {
	c.log.Info("Migrating")
	for {
		n, err := c.countApplied(ctx)
		if err != nil {
			return err
		}
		if int(n) == len(c.definitions) {
			break
		}

		l, err := c.lockFactory.Wait(ctx, lockKey)
		if err != nil {
			return err
		}

		n, err = c.countApplied(ctx)
		if err != nil {
			_ = l.Release(ctx)
			return err
		}
		if int(n) == len(c.definitions) {
			_ = l.Release(ctx)
			break
		}

		if err := c.applyOne(ctx, int(n)); err != nil {
			_ = l.Release(ctx)
			return err
		}
		if err := l.Release(ctx); err != nil {
			return err
		}
	}
	c.log.Info("Migrated")
	return nil
}

func (c *Coordinator) countApplied(ctx context.Context) (uint64, error) {
	var token docstore.ContinuationToken
	var count uint64
	for {
		page, err := docstore.List(ctx, c.store, docstore.Query[*Migration]{
			Partition:       Migrations,
			Kind:            "Migration",
			New:             func() *Migration { return &Migration{} },
			FullyConsistent: true,
		}, &token, 100)
		if err != nil {
			return 0, err
		}
		count += uint64(len(page))
		if token.Exhausted() {
			break
		}
	}
	return count, nil
}

func (c *Coordinator) applyOne(ctx context.Context, index int) error {
	def := c.definitions[index]
	c.log.Info(fmt.Sprintf("Migrating to #%d: %s", index+1, def.Description))

	if err := resilience.Do(ctx, "migrate:apply", func(ctx context.Context) error {
		return def.Apply(ctx)
	}); err != nil {
		return err
	}

	recordCtx := context.Background()
	if err := resilience.Do(recordCtx, "migrate:record", func(ctx context.Context) error {
		record := NewRecord(uint64(index+1), def.Description)
		tx := c.store.CreateTransaction(Migrations)
		defer tx.Close()
		if err := tx.Add(record); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}); err != nil {
		return err
	}

	c.log.Info(fmt.Sprintf("Migrated to #%d: %s", index+1, def.Description))
	return nil
}
