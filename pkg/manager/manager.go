package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/tailkeeper/pkg/controlplane"
	"github.com/cuemby/tailkeeper/pkg/events"
	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/cuemby/tailkeeper/pkg/persistor"
	"github.com/cuemby/tailkeeper/pkg/provisioner"
	"github.com/cuemby/tailkeeper/pkg/reconciler"
	"github.com/cuemby/tailkeeper/pkg/registry"
	"github.com/cuemby/tailkeeper/pkg/scheduler"
	"github.com/cuemby/tailkeeper/pkg/session"
	"github.com/cuemby/tailkeeper/pkg/sink"
	"github.com/cuemby/tailkeeper/pkg/storage"
	"github.com/cuemby/tailkeeper/pkg/transport"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Manager owns every tail session of one account
type Manager struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	store      storage.Store
	broker     *events.Broker
	expiry     *scheduler.ExpiryScheduler
	registry   *registry.Registry
	factory    *session.Factory
	reconciler *reconciler.Reconciler
	persistor  *persistor.Persistor
	jobs       gocron.Scheduler
}

// Config holds configuration for creating a Manager
type Config struct {
	DataDir string

	Cloudflare controlplane.CloudflareConfig

	DiscoveryInterval    time.Duration
	DiscoveryConcurrency int
	RetireVanished       bool

	SnapshotInterval time.Duration
	MetricsInterval  time.Duration

	Session          session.Config
	HandshakeTimeout time.Duration
}

// Option overrides a collaborator built by NewManager
type Option func(*options)

type options struct {
	client controlplane.Client
	dialer transport.Dialer
	clock  clockwork.Clock
}

// WithClient replaces the Cloudflare client
func WithClient(client controlplane.Client) Option {
	return func(o *options) { o.client = client }
}

// WithDialer replaces the websocket dialer
func WithDialer(dialer transport.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithClock replaces the real clock
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config, opts ...Option) (*Manager, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.client == nil {
		client, err := controlplane.NewCloudflare(cfg.Cloudflare)
		if err != nil {
			return nil, fmt.Errorf("failed to create control plane client: %w", err)
		}
		o.client = client
	}
	if o.dialer == nil {
		o.dialer = transport.NewWebsocketDialer(cfg.HandshakeTimeout)
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.SetComponent(metrics.ComponentStore, false, err.Error())
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	metrics.SetComponent(metrics.ComponentStore, true, "")
	metrics.SetComponent(metrics.ComponentBoot, false, "boot pending")

	broker := events.NewBroker()
	broker.Start()

	ctx, cancel := context.WithCancel(context.Background())
	expiry := scheduler.New(o.clock)
	factory := session.NewFactory(ctx, session.Deps{
		Provisioner: provisioner.New(o.client),
		Dialer:      o.dialer,
		Sink:        sink.New(store, o.clock),
		Scheduler:   expiry,
		Clock:       o.clock,
		Events:      broker,
	}, cfg.Session)
	reg := registry.New()

	m := &Manager{
		cfg:      *cfg,
		clock:    o.clock,
		logger:   log.WithComponent("manager"),
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		broker:   broker,
		expiry:   expiry,
		registry: reg,
		factory:  factory,
		reconciler: reconciler.NewReconciler(o.client, reg, factory, broker, o.clock, reconciler.Config{
			Concurrency:    cfg.DiscoveryConcurrency,
			RetireVanished: cfg.RetireVanished,
		}),
		persistor: persistor.New(store, reg, factory, broker, o.clock),
	}

	go m.recordEvents(broker.Subscribe())

	return m, nil
}

// Boot restores the last snapshot and runs one discovery cycle before
// returning. If discovery fails, restored sessions are still connected.
func (m *Manager) Boot(ctx context.Context) error {
	restored := m.persistor.Restore(ctx)

	err := m.reconciler.Reconcile(ctx)
	var discoveryErr *reconciler.DiscoveryError
	switch {
	case errors.As(err, &discoveryErr):
		m.logger.Warn().Err(err).Int("restored", restored).Msg("Boot discovery failed, connecting restored sessions only")
		m.reconciler.Repair(ctx)
	case err != nil:
		return fmt.Errorf("failed to reconcile on boot: %w", err)
	}

	m.collectMetrics()
	metrics.SetComponent(metrics.ComponentBoot, true, "")
	m.logger.Info().
		Int("restored", restored).
		Int("sessions", m.registry.Len()).
		Msg("Boot complete")
	return nil
}

// Start schedules discovery, snapshots and metric collection
func (m *Manager) Start() error {
	jobs, err := gocron.NewScheduler(gocron.WithClock(m.clock))
	if err != nil {
		return fmt.Errorf("failed to create job scheduler: %w", err)
	}

	defs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"discovery", m.cfg.DiscoveryInterval, m.discover},
		{"snapshot", m.cfg.SnapshotInterval, m.snapshot},
		{"metrics", m.cfg.MetricsInterval, m.collectMetrics},
	}
	for _, def := range defs {
		if def.interval <= 0 {
			_ = jobs.Shutdown()
			return fmt.Errorf("invalid %s interval %s", def.name, def.interval)
		}
		if _, err := jobs.NewJob(
			gocron.DurationJob(def.interval),
			gocron.NewTask(def.task),
			gocron.WithName(def.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = jobs.Shutdown()
			return fmt.Errorf("failed to schedule %s job: %w", def.name, err)
		}
	}

	jobs.Start()
	m.jobs = jobs
	m.logger.Info().
		Dur("discovery_interval", m.cfg.DiscoveryInterval).
		Dur("snapshot_interval", m.cfg.SnapshotInterval).
		Msg("Periodic jobs started")
	return nil
}

// Stop halts periodic work, writes a final snapshot and closes every
// stream. Credentials are left open so a restart can reuse them.
func (m *Manager) Stop(ctx context.Context) error {
	if m.jobs != nil {
		if err := m.jobs.Shutdown(); err != nil {
			m.logger.Warn().Err(err).Msg("Error stopping periodic jobs")
		}
		m.jobs = nil
	}
	m.expiry.Stop()

	if err := m.persistor.SnapshotNow(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to write final snapshot")
	}

	m.cancel()
	for _, s := range m.registry.List() {
		if err := s.Close(ctx, false); err != nil {
			m.logger.Debug().Err(err).Str("workload", string(s.ID())).Msg("Error closing session")
		}
	}

	m.broker.Stop()
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	m.logger.Info().Msg("Manager stopped")
	return nil
}

// Reconcile runs one discovery cycle
func (m *Manager) Reconcile(ctx context.Context) error {
	return m.reconciler.Reconcile(ctx)
}

// Snapshot writes the current state document
func (m *Manager) Snapshot(ctx context.Context) error {
	return m.persistor.SnapshotNow(ctx)
}

// Registry returns the session registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Store returns the durable store
func (m *Manager) Store() storage.Store {
	return m.store
}

// Events returns the lifecycle event broker
func (m *Manager) Events() *events.Broker {
	return m.broker
}

func (m *Manager) discover() {
	// Failures are already logged and counted by the reconciler
	_ = m.reconciler.Reconcile(m.ctx)
}

func (m *Manager) snapshot() {
	if err := m.persistor.SnapshotNow(m.ctx); err != nil {
		m.logger.Error().Err(err).Msg("Failed to write snapshot, retrying next interval")
	}
}
