package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tailkeeper/pkg/events"
	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/cuemby/tailkeeper/pkg/scheduler"
	"github.com/cuemby/tailkeeper/pkg/sink"
	"github.com/cuemby/tailkeeper/pkg/transport"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a retired session
var ErrClosed = errors.New("session closed")

// Provisioner issues and revokes credentials
type Provisioner interface {
	Open(ctx context.Context, id types.WorkloadID) (types.Credential, error)
	Close(ctx context.Context, id types.WorkloadID, sessionID string) error
}

// Config tunes refresh timing
type Config struct {
	// RefreshMargin is how long before expiry a credential is replaced
	RefreshMargin time.Duration
	// RetryBackoff is the delay before retrying a failed provision or dial
	RetryBackoff time.Duration
}

// Deps are the collaborators shared by every session
type Deps struct {
	Provisioner Provisioner
	Dialer      transport.Dialer
	Sink        sink.Appender
	Scheduler   *scheduler.ExpiryScheduler
	Clock       clockwork.Clock
	Events      *events.Broker
}

// Factory builds sessions that share deps, config and a base context.
// The base context is used for work started by timers; cancelling it
// aborts in-flight refreshes during shutdown.
type Factory struct {
	ctx  context.Context
	deps Deps
	cfg  Config
}

// NewFactory creates a session factory
func NewFactory(ctx context.Context, deps Deps, cfg Config) *Factory {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.RefreshMargin < 0 {
		cfg.RefreshMargin = 0
	}
	return &Factory{ctx: ctx, deps: deps, cfg: cfg}
}

// New creates a session in the provisioning state. A non-zero cred is a
// restored credential that Ensure will try to reuse.
func (f *Factory) New(id types.WorkloadID, cred types.Credential) *Session {
	return &Session{
		id:     id,
		ctx:    f.ctx,
		deps:   f.deps,
		cfg:    f.cfg,
		logger: log.WithWorkload("session", string(id)),
		state:  types.SessionStateProvisioning,
		cred:   cred,
	}
}

// Session is the streaming state of one workload
type Session struct {
	id     types.WorkloadID
	ctx    context.Context
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	// opMu serializes Ensure, Refresh and Close
	opMu sync.Mutex

	// mu guards the committed view below. Credential and connection are
	// only ever replaced together while holding it.
	mu        sync.RWMutex
	state     types.SessionState
	cred      types.Credential
	conn      transport.Conn
	connGen   uint64
	refreshes int
	// stale marks a committed credential that must not be dialed again
	stale bool
}

// ID returns the workload identity
func (s *Session) ID() types.WorkloadID {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() types.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Credential returns the committed credential
func (s *Session) Credential() types.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// SnapshotCredential returns the credential worth persisting. It is zero
// while the session is closed or holds a revoked or undialable credential.
func (s *Session) SnapshotCredential() types.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stale || s.state == types.SessionStateClosed {
		return types.Credential{}
	}
	return s.cred
}

// Connected reports whether the session has a live stream
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == types.SessionStateConnected && s.conn != nil
}

// Refreshes returns how many times a credential was replaced
func (s *Session) Refreshes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshes
}

// Ensure brings a session without a live stream to Connected. A credential
// that is still valid outside the refresh margin is reused; otherwise the
// session refreshes immediately.
func (s *Session) Ensure(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	state, cred, conn, stale := s.state, s.cred, s.conn, s.stale
	s.mu.RUnlock()

	switch {
	case state == types.SessionStateClosed:
		return ErrClosed
	case state == types.SessionStateConnected && conn != nil:
		return nil
	}

	if stale || !cred.ValidAt(s.deps.Clock.Now(), s.cfg.RefreshMargin) {
		return s.refreshLocked(ctx)
	}

	newConn, err := s.deps.Dialer.Dial(ctx, cred.Endpoint)
	if err != nil {
		// The tail may be gone on the control plane; provision on retry
		s.mu.Lock()
		s.stale = true
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("Failed to connect with existing credential")
		s.scheduleRetry()
		return err
	}

	s.scheduleExpiry(cred)
	s.commit(cred, newConn)

	s.logger.Info().Time("expires_at", cred.ExpiresAt).Msg("Connected to existing tail")
	s.publish(events.EventSessionConnected, "reconnected to existing tail")
	return nil
}

// Refresh replaces the credential and the stream
func (s *Session) Refresh(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == types.SessionStateClosed {
		return ErrClosed
	}
	return s.refreshLocked(ctx)
}

// refreshLocked runs one refresh. Caller holds opMu.
func (s *Session) refreshLocked(ctx context.Context) error {
	s.mu.Lock()
	old := s.cred
	oldConn := s.conn
	s.conn = nil
	s.state = types.SessionStateRefreshing
	s.stale = !old.IsZero()
	s.mu.Unlock()

	s.logger.Info().Msg("Refreshing tail credential")

	if oldConn != nil {
		if err := oldConn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing previous stream")
		}
	}

	if !old.IsZero() {
		if err := s.deps.Provisioner.Close(ctx, s.id, old.SessionID); err != nil {
			s.logger.Warn().Err(err).Str("tail", old.SessionID).Msg("Failed to revoke previous tail")
		}
	}

	cred, err := s.deps.Provisioner.Open(ctx, s.id)
	if err != nil {
		s.setState(types.SessionStateProvisioning)
		s.refreshFailed(err)
		return err
	}

	if !old.IsZero() && !cred.ExpiresAt.After(old.ExpiresAt) {
		s.logger.Warn().
			Time("previous", old.ExpiresAt).
			Time("issued", cred.ExpiresAt).
			Msg("Issued credential does not extend expiry")
	}

	conn, err := s.deps.Dialer.Dial(ctx, cred.Endpoint)
	if err != nil {
		// Keep the fresh credential so the retry only has to dial
		s.mu.Lock()
		s.cred = cred
		s.stale = false
		s.state = types.SessionStateProvisioning
		s.mu.Unlock()
		s.refreshFailed(err)
		return err
	}

	// Arm before the reader starts so a drop on the new stream can
	// replace the expiry task with a retry
	refreshAt := s.scheduleExpiry(cred)
	s.commit(cred, conn)

	s.logger.Info().
		Str("tail", cred.SessionID).
		Time("expires_at", cred.ExpiresAt).
		Dur("until_refresh", refreshAt.Sub(s.deps.Clock.Now())).
		Msg("Connected to new tail")

	if old.IsZero() {
		s.publish(events.EventSessionConnected, cred.SessionID)
		return nil
	}
	s.mu.Lock()
	s.refreshes++
	s.mu.Unlock()
	metrics.RefreshesTotal.WithLabelValues("ok").Inc()
	s.publish(events.EventSessionRefreshed, cred.SessionID)
	return nil
}

// Close retires the session. The pending task is cancelled and the stream
// closed; with revoke the credential is also released on the control plane.
func (s *Session) Close(ctx context.Context, revoke bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.deps.Scheduler.Cancel(s.id)

	s.mu.Lock()
	if s.state == types.SessionStateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	cred := s.cred
	s.conn = nil
	s.state = types.SessionStateClosed
	s.mu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}

	if revoke && !cred.IsZero() && cred.ExpiresAt.After(s.deps.Clock.Now()) {
		if err := s.deps.Provisioner.Close(ctx, s.id, cred.SessionID); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to revoke tail on close")
		}
	}

	s.logger.Info().Bool("revoked", revoke).Msg("Session closed")
	return closeErr
}

// commit installs a credential and its connection in one step and starts
// the stream reader
func (s *Session) commit(cred types.Credential, conn transport.Conn) {
	s.mu.Lock()
	s.cred = cred
	s.conn = conn
	s.stale = false
	s.connGen++
	gen := s.connGen
	s.state = types.SessionStateConnected
	s.mu.Unlock()

	go s.read(conn, gen)
}

func (s *Session) setState(state types.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) refreshFailed(err error) {
	metrics.RefreshesTotal.WithLabelValues("failed").Inc()
	s.logger.Error().Err(err).Dur("retry_in", s.cfg.RetryBackoff).Msg("Refresh failed, session has no stream")
	s.publish(events.EventSessionRefreshFailed, err.Error())
	s.scheduleRetry()
}

// scheduleExpiry arms the refresh for cred. A credential issued already
// inside the margin is not refreshed before now plus the retry backoff,
// so a short-lived grant cannot spin the control plane.
func (s *Session) scheduleExpiry(cred types.Credential) time.Time {
	now := s.deps.Clock.Now()
	at := cred.ExpiresAt.Add(-s.cfg.RefreshMargin)
	if at.After(now) {
		s.deps.Scheduler.Schedule(s.id, at, s.onExpiry)
		return at
	}

	at = now.Add(s.cfg.RetryBackoff)
	if cred.ExpiresAt.After(at) {
		at = cred.ExpiresAt
	}
	s.logger.Warn().
		Time("expires_at", cred.ExpiresAt).
		Dur("margin", s.cfg.RefreshMargin).
		Time("refresh_at", at).
		Msg("Credential lifetime is inside the refresh margin, delaying refresh")
	s.deps.Scheduler.Schedule(s.id, at, s.onExpiry)
	return at
}

func (s *Session) scheduleRetry() {
	s.deps.Scheduler.Schedule(s.id, s.deps.Clock.Now().Add(s.cfg.RetryBackoff), s.onRetry)
}

func (s *Session) onExpiry() {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug().Err(err).Msg("Scheduled refresh did not complete")
	}
}

func (s *Session) onRetry() {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.Ensure(s.ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug().Err(err).Msg("Retry did not complete")
	}
}

// read pumps one connection into the sink until it ends
func (s *Session) read(conn transport.Conn, gen uint64) {
	for {
		payload, err := conn.Read()
		if err != nil {
			s.streamEnded(conn, gen, err)
			return
		}

		if err := s.deps.Sink.Append(s.id, payload); err != nil {
			var recordErr *sink.RecordError
			if !errors.As(err, &recordErr) {
				s.logger.Error().Err(err).Msg("Failed to store record")
			}
		}
	}
}

// streamEnded handles a stream that stopped while it was still the
// session's live connection
func (s *Session) streamEnded(conn transport.Conn, gen uint64, err error) {
	s.mu.Lock()
	if s.connGen != gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = types.SessionStateProvisioning
	s.mu.Unlock()

	_ = conn.Close()

	metrics.ConnectionDropsTotal.Inc()
	s.logger.Warn().Err(err).Dur("retry_in", s.cfg.RetryBackoff).Msg("Stream ended unexpectedly")
	s.publish(events.EventSessionDisconnected, err.Error())
	s.scheduleRetry()
}

func (s *Session) publish(t events.EventType, msg string) {
	s.deps.Events.Publish(&events.Event{
		Type:      t,
		Workload:  s.id,
		Timestamp: s.deps.Clock.Now(),
		Message:   msg,
	})
}

// String implements fmt.Stringer
func (s *Session) String() string {
	return fmt.Sprintf("session(%s, %s)", s.id, s.State())
}
