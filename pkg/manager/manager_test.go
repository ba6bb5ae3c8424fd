package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/tailkeeper/pkg/events"
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/cuemby/tailkeeper/pkg/session"
	"github.com/cuemby/tailkeeper/pkg/session/sessiontest"
	"github.com/cuemby/tailkeeper/pkg/storage"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tailTTL = time.Hour

type env struct {
	clock  *clockwork.FakeClock
	cp     *sessiontest.ControlPlane
	dialer *sessiontest.Dialer
	cfg    *Config
}

func newEnv(t *testing.T, workloads ...types.WorkloadID) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC))
	return &env{
		clock:  clock,
		cp:     sessiontest.NewControlPlane(clock, tailTTL, workloads...),
		dialer: sessiontest.NewDialer(),
		cfg: &Config{
			DataDir:              t.TempDir(),
			DiscoveryInterval:    10 * time.Minute,
			DiscoveryConcurrency: 4,
			RetireVanished:       true,
			SnapshotInterval:     10 * time.Second,
			Session:              session.Config{RefreshMargin: 0, RetryBackoff: 30 * time.Second},
		},
	}
}

func (e *env) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(e.cfg, WithClient(e.cp), WithDialer(e.dialer), WithClock(e.clock))
	require.NoError(t, err)
	return m
}

func (e *env) waitTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.clock.BlockUntilContext(ctx, n))
}

func TestExpiryRefreshesOnlyTheExpiredSession(t *testing.T) {
	e := newEnv(t, "A", "B")
	e.cp.SetTTL("B", 2*tailTTL)
	m := e.manager(t)
	require.NoError(t, m.Boot(context.Background()))
	defer m.Stop(context.Background())

	a, ok := m.Registry().Get("A")
	require.True(t, ok)
	b, ok := m.Registry().Get("B")
	require.True(t, ok)
	require.True(t, a.Connected())
	require.True(t, b.Connected())

	aBefore := a.Credential()
	bBefore := b.Credential()
	require.True(t, bBefore.ExpiresAt.After(aBefore.ExpiresAt))

	e.waitTimers(t, 2)
	e.clock.Advance(aBefore.ExpiresAt.Sub(e.clock.Now()) + time.Second)

	require.Eventually(t, func() bool { return a.Refreshes() == 1 && a.Connected() }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.Refreshes())
	assert.Zero(t, b.Refreshes())
	assert.Equal(t, 2, e.cp.OpenCount("A"))
	assert.Equal(t, 1, e.cp.OpenCount("B"))
	assert.True(t, a.Credential().ExpiresAt.After(aBefore.ExpiresAt))
	assert.Len(t, e.dialer.LiveFor("A"), 1)
	assert.Len(t, e.dialer.LiveFor("B"), 1)

	require.NoError(t, m.Snapshot(context.Background()))
	snap, err := m.Store().LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, a.Credential().SessionID, snap.Sessions["A"].SessionID)
	assert.NotEqual(t, aBefore.SessionID, snap.Sessions["A"].SessionID)
	assert.Equal(t, bBefore.SessionID, snap.Sessions["B"].SessionID)
	assert.True(t, snap.Sessions["B"].ExpiresAt.Equal(bBefore.ExpiresAt))
}

func TestBootRefreshesExpiredSnapshotCredential(t *testing.T) {
	e := newEnv(t, "A")

	seed, err := storage.NewBoltStore(e.cfg.DataDir)
	require.NoError(t, err)
	require.NoError(t, seed.SaveSnapshot(&types.Snapshot{
		Sessions: map[types.WorkloadID]types.Credential{
			"A": {
				SessionID: "A-expired",
				Endpoint:  "wss://tail.test/A/0/ws",
				ExpiresAt: e.clock.Now().Add(-time.Minute),
			},
		},
		SavedAt: e.clock.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, seed.Close())

	m := e.manager(t)
	require.NoError(t, m.Boot(context.Background()))
	defer m.Stop(context.Background())

	a, ok := m.Registry().Get("A")
	require.True(t, ok)
	assert.True(t, a.Connected())
	assert.Equal(t, types.SessionStateConnected, a.State())

	cred := a.Credential()
	assert.NotEqual(t, "A-expired", cred.SessionID)
	assert.True(t, cred.ExpiresAt.After(e.clock.Now()))
	assert.Equal(t, 1, e.cp.OpenCount("A"))
	assert.Contains(t, e.cp.Closed(), "A-expired")
	assert.NotContains(t, e.dialer.Dialed(), "wss://tail.test/A/0/ws")
}

func TestBootReusesValidCredentialAcrossRestart(t *testing.T) {
	e := newEnv(t, "A")

	first := e.manager(t)
	require.NoError(t, first.Boot(context.Background()))
	a, _ := first.Registry().Get("A")
	issued := a.Credential()
	require.NoError(t, first.Stop(context.Background()))
	assert.Empty(t, e.cp.Closed())
	assert.Empty(t, e.dialer.LiveConns())

	second := e.manager(t)
	require.NoError(t, second.Boot(context.Background()))
	defer second.Stop(context.Background())

	a, _ = second.Registry().Get("A")
	assert.True(t, a.Connected())
	assert.Equal(t, issued.SessionID, a.Credential().SessionID)
	assert.Equal(t, 1, e.cp.OpenCount("A"))
}

func TestBootWithFailedDiscoveryConnectsRestoredSessions(t *testing.T) {
	e := newEnv(t, "A")

	first := e.manager(t)
	require.NoError(t, first.Boot(context.Background()))
	require.NoError(t, first.Stop(context.Background()))

	e.cp.SetListErr(errors.New("api unavailable"))
	m := e.manager(t)
	require.NoError(t, m.Boot(context.Background()))
	defer m.Stop(context.Background())

	a, ok := m.Registry().Get("A")
	require.True(t, ok)
	assert.True(t, a.Connected())
}

func TestReconcileTwiceIsIdempotent(t *testing.T) {
	e := newEnv(t, "A", "B")
	m := e.manager(t)
	defer m.Stop(context.Background())

	require.NoError(t, m.Reconcile(context.Background()))
	require.NoError(t, m.Reconcile(context.Background()))

	assert.Equal(t, 2, m.Registry().Len())
	assert.Len(t, e.dialer.LiveConns(), 2)
	assert.Len(t, e.dialer.Dialed(), 2)
}

func TestRecordsReachTheStore(t *testing.T) {
	e := newEnv(t, "A")
	m := e.manager(t)
	require.NoError(t, m.Boot(context.Background()))
	defer m.Stop(context.Background())

	conns := e.dialer.LiveFor("A")
	require.Len(t, conns, 1)
	conns[0].Push([]byte(`{"eventTimestamp": 1760428800000, "outcome": "ok"}`))
	conns[0].Push([]byte(`not json`))
	conns[0].Push([]byte(`{"eventTimestamp": "2026-10-14T08:00:01Z", "outcome": "ok"}`))

	require.Eventually(t, func() bool {
		n, err := m.Store().CountRecords("A")
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)

	a, _ := m.Registry().Get("A")
	assert.True(t, a.Connected())
}

func TestStartAndStop(t *testing.T) {
	e := newEnv(t, "A")
	m := e.manager(t)
	require.NoError(t, m.Boot(context.Background()))
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop(context.Background()))

	store, err := storage.NewBoltStore(e.cfg.DataDir)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.Contains(t, snap.Sessions, types.WorkloadID("A"))
}

func TestStartRejectsInvalidInterval(t *testing.T) {
	e := newEnv(t)
	e.cfg.SnapshotInterval = 0
	m := e.manager(t)
	defer m.Stop(context.Background())

	assert.Error(t, m.Start())
}

func TestLifecycleEventsAreCounted(t *testing.T) {
	created := metrics.SessionEventsTotal.WithLabelValues(string(events.EventSessionCreated))
	connected := metrics.SessionEventsTotal.WithLabelValues(string(events.EventSessionConnected))
	createdBefore := testutil.ToFloat64(created)
	connectedBefore := testutil.ToFloat64(connected)

	e := newEnv(t, "A", "B")
	m := e.manager(t)
	require.Eventually(t, func() bool { return m.Events().SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Boot(context.Background()))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(created)-createdBefore == 2 &&
			testutil.ToFloat64(connected)-connectedBefore == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	assert.Eventually(t, func() bool { return m.Events().SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
