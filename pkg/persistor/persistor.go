package persistor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/tailkeeper/pkg/events"
	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/cuemby/tailkeeper/pkg/registry"
	"github.com/cuemby/tailkeeper/pkg/session"
	"github.com/cuemby/tailkeeper/pkg/storage"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// PersistenceError reports a failed snapshot read or write
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store is the snapshot slot of the durable store
type Store interface {
	SaveSnapshot(snapshot *types.Snapshot) error
	LoadSnapshot() (*types.Snapshot, error)
}

// Persistor saves registry credentials and restores them at startup
type Persistor struct {
	store    Store
	registry *registry.Registry
	factory  *session.Factory
	events   *events.Broker
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// New creates a persistor
func New(store Store, reg *registry.Registry, factory *session.Factory, broker *events.Broker, clock clockwork.Clock) *Persistor {
	return &Persistor{
		store:    store,
		registry: reg,
		factory:  factory,
		events:   broker,
		clock:    clock,
		logger:   log.WithComponent("persistor"),
	}
}

// Restore registers a session for every credential in the last snapshot
// and returns how many were restored. A missing or unreadable snapshot is
// treated as no prior state. Restored sessions are not connected; the
// boot reconciliation decides whether to reuse or refresh them.
func (p *Persistor) Restore(ctx context.Context) int {
	if err := ctx.Err(); err != nil {
		p.logger.Warn().Err(err).Msg("Restore cancelled before reading state document")
		return 0
	}

	snap, err := p.store.LoadSnapshot()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p.logger.Info().Msg("No prior state document, starting fresh")
		return 0
	case err != nil:
		err = &PersistenceError{Op: "load", Err: err}
		p.logger.Error().Err(err).Msg("Failed to read state document, starting fresh")
		return 0
	}

	now := p.clock.Now()
	restored, expired := 0, 0
	for id, cred := range snap.Sessions {
		if id == "" {
			continue
		}
		if _, created := p.registry.GetOrCreate(id, func() *session.Session {
			return p.factory.New(id, cred)
		}); !created {
			continue
		}
		restored++
		if !cred.ExpiresAt.After(now) {
			expired++
		}
		p.events.Publish(&events.Event{
			Type:      events.EventSessionCreated,
			Workload:  id,
			Timestamp: now,
			Message:   "restored from snapshot",
		})
	}

	p.logger.Info().
		Int("restored", restored).
		Int("expired", expired).
		Time("saved_at", snap.SavedAt).
		Msg("Restored sessions from state document")
	return restored
}

// SnapshotNow writes the committed credential of every session. Failures
// are returned as PersistenceError; the next interval retries.
func (p *Persistor) SnapshotNow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := &types.Snapshot{
		Sessions: p.registry.Snapshot(),
		SavedAt:  p.clock.Now(),
	}
	if err := p.store.SaveSnapshot(snap); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("failed").Inc()
		return &PersistenceError{Op: "save", Err: err}
	}

	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	p.logger.Debug().Int("sessions", len(snap.Sessions)).Msg("Saved state document")
	return nil
}
