// Package controller implements the Controller façade (spec.md §4.4): a
// stateless orchestrator that resolves names to ids and fans out to the
// Update and Index actors. It performs no I/O of its own.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/weir/pkg/events"
	"github.com/cuemby/weir/pkg/index"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/resolver"
	"github.com/cuemby/weir/pkg/types"
	"github.com/cuemby/weir/pkg/updates"
	"github.com/rs/zerolog"
)

// Config wires the three actors' own configuration together under a
// single data directory, mirroring the teacher's manager.Config shape.
type Config struct {
	DataDir             string
	MailboxCapacity     int
	ReadConcurrency     int
	StrictIndexCreation bool
	DeletionBackoff     time.Duration
}

// Controller owns the three actors and is the single entry point callers
// (an HTTP layer, a CLI, tests) use.
type Controller struct {
	resolver *resolver.Resolver
	updates  *updates.Actor
	index    *index.Actor
	broker   *events.Broker
	logger   zerolog.Logger
}

// New constructs and wires the Resolver, Update Actor and Index Actor,
// then replays any non-terminal update records recovered at boot
// (spec.md §8, property 6 "Crash safety").
func New(cfg Config) (*Controller, error) {
	broker := events.NewBroker()
	broker.Start()

	res, err := resolver.New(resolver.Config{DataDir: cfg.DataDir, MailboxCapacity: cfg.MailboxCapacity})
	if err != nil {
		return nil, fmt.Errorf("failed to start resolver: %w", err)
	}

	updateActor, err := updates.New(updates.Config{DataDir: cfg.DataDir, Broker: broker, DeletionBackoff: cfg.DeletionBackoff})
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("failed to start update actor: %w", err)
	}

	indexActor, err := index.New(index.Config{
		DataDir:             cfg.DataDir,
		MailboxCapacity:     cfg.MailboxCapacity,
		ReadConcurrency:     cfg.ReadConcurrency,
		StrictIndexCreation: cfg.StrictIndexCreation,
		DeletionBackoff:     cfg.DeletionBackoff,
		Broker:              broker,
	}, updateActor)
	if err != nil {
		updateActor.Close()
		res.Close()
		return nil, fmt.Errorf("failed to start index actor: %w", err)
	}

	c := &Controller{
		resolver: res,
		updates:  updateActor,
		index:    indexActor,
		broker:   broker,
		logger:   log.WithComponent("controller"),
	}

	if err := c.replay(); err != nil {
		c.Close()
		return nil, fmt.Errorf("crash-recovery replay failed: %w", err)
	}
	return c, nil
}

// replay recovers non-terminal update records left over from a prior
// process, then drains every index's enqueued updates. Grounded on the
// teacher's fsm.go switch-on-command-type replay idiom, repurposed here
// to replay UpdateRecords instead of Raft log entries.
func (c *Controller) replay() error {
	ids, err := c.updates.Reload()
	if err != nil {
		return err
	}
	for _, id := range ids {
		c.logger.Info().Str("index_id", id.String()).Msg("draining recovered updates")
		for {
			_, applied, err := c.index.ApplyNext(context.Background(), id)
			if err != nil {
				// The attempted update's own terminal status already
				// recorded the failure; keep draining the rest of the
				// queue rather than abandoning the index.
				c.logger.Error().Err(err).Str("index_id", id.String()).Msg("recovered update failed to apply")
			}
			if !applied {
				break
			}
		}
	}
	return nil
}

// Close shuts down all three actors and the event broker in dependency
// order: index (depends on updates), then updates, then resolver.
func (c *Controller) Close() error {
	var firstErr error
	if err := c.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.updates.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.resolver.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.broker.Stop()
	return firstErr
}

// Events returns the controller's event broker, for callers that want to
// subscribe to index/update lifecycle events.
func (c *Controller) Events() *events.Broker {
	return c.broker
}

// CreateIndex mints a new id for name then explicitly creates its index.
// It fails with NameAlreadyExists if name is already bound.
func (c *Controller) CreateIndex(name string, primaryKey *string) (*types.IndexMeta, error) {
	id, err := c.resolver.Create(name)
	if err != nil {
		return nil, err
	}
	if err := c.updates.CreateStore(id); err != nil {
		return nil, err
	}
	return c.index.CreateIndex(id, primaryKey)
}

// RegisterUpdate resolves name to an id (creating it if absent per
// spec.md §4.3's lazy-materialization rule) and registers the update,
// returning its Enqueued status. chunks and chunkErrs must be fed by a
// separately spawned producer, never inline, to avoid the deadlock
// described in spec.md §4.2.
func (c *Controller) RegisterUpdate(name string, kind types.UpdateKind, chunks <-chan []byte, chunkErrs <-chan error) (*types.UpdateStatus, error) {
	id, err := c.resolver.GetOrCreate(name)
	if err != nil {
		return nil, err
	}
	rec, err := c.updates.RegisterUpdate(id, kind, chunks, chunkErrs)
	if err != nil {
		return nil, err
	}
	status := rec.Status()
	return &status, nil
}

// ApplyNext drains and applies the next enqueued update for name, if any.
// A real deployment drives this from a loop per index; callers here are
// tests and crash-recovery replay.
func (c *Controller) ApplyNext(ctx context.Context, name string) (*types.UpdateStatus, bool, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, false, err
	}
	return c.index.ApplyNext(ctx, id)
}

// ListUpdates returns name's update history ordered by update id.
func (c *Controller) ListUpdates(name string) ([]types.UpdateStatus, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	return c.updates.ListUpdates(id)
}

// GetUpdate returns a single update's status.
func (c *Controller) GetUpdate(name string, updateID types.UpdateId) (*types.UpdateStatus, bool, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, false, err
	}
	return c.updates.GetUpdate(id, updateID)
}

// Search resolves name and performs a search.
func (c *Controller) Search(ctx context.Context, name string, query types.SearchQuery) (*types.SearchResult, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	return c.index.Search(ctx, id, query)
}

// Settings resolves name and returns its settings.
func (c *Controller) Settings(ctx context.Context, name string) (*types.SettingsPatch, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	return c.index.Settings(ctx, id)
}

// Documents resolves name and returns a page of its documents.
func (c *Controller) Documents(ctx context.Context, name string, offset, limit int, attrs []string) ([]types.Document, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	return c.index.Documents(ctx, id, offset, limit, attrs)
}

// Document resolves name and returns a single document.
func (c *Controller) Document(ctx context.Context, name string, docID string, attrs []string) (types.Document, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	return c.index.Document(ctx, id, docID, attrs)
}

// GetMeta resolves name and returns its IndexMeta, if any.
func (c *Controller) GetMeta(name string) (*types.IndexMeta, bool, error) {
	id, err := c.resolver.Resolve(name)
	if err != nil {
		return nil, false, err
	}
	return c.index.GetMeta(id)
}

// DeleteIndex removes name's binding, its index handle and metadata, and
// its update store. Idempotent: deleting an unknown name is not an error
// at the index/update layer, but the resolver itself still reports
// UnexistingIndex if name was never bound.
func (c *Controller) DeleteIndex(ctx context.Context, name string) error {
	id, err := c.resolver.Delete(name)
	if err != nil {
		return err
	}
	if err := c.index.Delete(ctx, id); err != nil {
		return err
	}
	return c.updates.DeleteStore(id)
}

// ListIndexes returns every known (name, id) pair.
func (c *Controller) ListIndexes() ([]types.NameEntry, error) {
	return c.resolver.List()
}
