package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/tailkeeper/pkg/events"
	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/cuemby/tailkeeper/pkg/registry"
	"github.com/cuemby/tailkeeper/pkg/session"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DiscoveryError wraps a failed workload listing
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Lister returns the live set of workload identities
type Lister interface {
	ListWorkloads(ctx context.Context) ([]types.WorkloadID, error)
}

// Config tunes reconciliation
type Config struct {
	// Concurrency bounds how many sessions are ensured at once
	Concurrency int
	// RetireVanished closes sessions whose workload is no longer listed
	RetireVanished bool
}

// Reconciler brings the registry in line with the control plane
type Reconciler struct {
	lister   Lister
	registry *registry.Registry
	factory  *session.Factory
	events   *events.Broker
	clock    clockwork.Clock
	cfg      Config
	logger   zerolog.Logger

	// mu keeps cycles from overlapping
	mu sync.Mutex
}

// NewReconciler creates a new reconciler
func NewReconciler(lister Lister, reg *registry.Registry, factory *session.Factory, broker *events.Broker, clock clockwork.Clock, cfg Config) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Reconciler{
		lister:   lister,
		registry: reg,
		factory:  factory,
		events:   broker,
		clock:    clock,
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
	}
}

// Reconcile performs one discovery cycle. A failed listing is returned as
// a DiscoveryError and leaves the registry untouched.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DiscoveryDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.lister.ListWorkloads(ctx)
	if err != nil {
		metrics.DiscoveryCyclesTotal.WithLabelValues("failed").Inc()
		metrics.SetComponent(metrics.ComponentDiscovery, false, err.Error())
		r.logger.Error().Err(err).Msg("Failed to list workloads, skipping cycle")
		return &DiscoveryError{Err: err}
	}
	metrics.SetComponent(metrics.ComponentDiscovery, true, "")

	live := make(map[types.WorkloadID]struct{}, len(ids))
	created := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		live[id] = struct{}{}
		if _, ok := r.registry.GetOrCreate(id, func() *session.Session {
			return r.factory.New(id, types.Credential{})
		}); ok {
			created++
			r.publish(events.EventSessionCreated, id, "discovered")
		}
	}

	retired := 0
	if r.cfg.RetireVanished {
		retired = r.retire(ctx, live)
	}

	ensured, failed := r.ensureAll(ctx)

	metrics.DiscoveryCyclesTotal.WithLabelValues("ok").Inc()
	r.logger.Info().
		Int("workloads", len(live)).
		Int("created", created).
		Int("retired", retired).
		Int("ensured", ensured).
		Int("failed", failed).
		Msg("Discovery cycle complete")
	return nil
}

// Repair ensures every registered session that lacks a stream, without
// consulting the control plane listing
func (r *Reconciler) Repair(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ensured, failed := r.ensureAll(ctx)
	r.logger.Info().Int("ensured", ensured).Int("failed", failed).Msg("Repair pass complete")
}

// retire closes sessions whose workload is absent from live
func (r *Reconciler) retire(ctx context.Context, live map[types.WorkloadID]struct{}) int {
	retired := 0
	for id := range r.registry.IDs() {
		if _, ok := live[id]; ok {
			continue
		}
		s, ok := r.registry.Remove(id)
		if !ok {
			continue
		}
		if err := s.Close(ctx, true); err != nil {
			r.logger.Warn().Err(err).Str("workload", string(id)).Msg("Error closing retired session")
		}
		retired++
		metrics.SessionsRetiredTotal.Inc()
		r.publish(events.EventSessionRetired, id, "workload no longer listed")
	}
	return retired
}

// ensureAll connects every session without a stream, bounded by the
// configured concurrency. Per-session failures are logged and counted.
func (r *Reconciler) ensureAll(ctx context.Context) (ensured, failed int) {
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	for _, s := range r.registry.List() {
		if s.Connected() || s.State() == types.SessionStateClosed {
			continue
		}
		g.Go(func() error {
			err := s.Ensure(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ensured++
			case errors.Is(err, session.ErrClosed):
			default:
				failed++
				r.logger.Warn().Err(err).Str("workload", string(s.ID())).Msg("Failed to ensure session")
			}
			return nil
		})
	}
	_ = g.Wait()
	return ensured, failed
}

func (r *Reconciler) publish(t events.EventType, id types.WorkloadID, msg string) {
	r.events.Publish(&events.Event{
		Type:      t,
		Workload:  id,
		Timestamp: r.clock.Now(),
		Message:   msg,
	})
}
