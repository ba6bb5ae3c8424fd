package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/tailkeeper/pkg/events"
	"github.com/cuemby/tailkeeper/pkg/provisioner"
	"github.com/cuemby/tailkeeper/pkg/scheduler"
	"github.com/cuemby/tailkeeper/pkg/session/sessiontest"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTTL     = time.Hour
	testMargin  = time.Minute
	testBackoff = 30 * time.Second
)

type harness struct {
	clock   *clockwork.FakeClock
	prov    *sessiontest.ControlPlane
	dialer  *sessiontest.Dialer
	sink    *sessiontest.MemorySink
	sched   *scheduler.ExpiryScheduler
	broker  *events.Broker
	factory *Factory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC))
	h := &harness{
		clock:  clock,
		prov:   sessiontest.NewControlPlane(clock, testTTL),
		dialer: sessiontest.NewDialer(),
		sink:   sessiontest.NewMemorySink(),
		sched:  scheduler.New(clock),
		broker: events.NewBroker(),
	}
	h.broker.Start()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		h.sched.Stop()
		h.broker.Stop()
	})
	h.factory = NewFactory(ctx, Deps{
		Provisioner: provisioner.New(h.prov),
		Dialer:      h.dialer,
		Sink:        h.sink,
		Scheduler:   h.sched,
		Clock:       clock,
		Events:      h.broker,
	}, Config{RefreshMargin: testMargin, RetryBackoff: testBackoff})
	return h
}

func (h *harness) waitTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

func TestEnsure_FreshSessionProvisionsAndConnects(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})
	assert.Equal(t, types.SessionStateProvisioning, s.State())

	require.NoError(t, s.Ensure(context.Background()))

	assert.True(t, s.Connected())
	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Len(t, h.dialer.LiveConns(), 1)

	cred := s.Credential()
	at, pending := h.sched.Pending("worker-a")
	require.True(t, pending)
	assert.True(t, at.Equal(cred.ExpiresAt.Add(-testMargin)))
}

func TestEnsure_IsIdempotentWhenConnected(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})

	require.NoError(t, s.Ensure(context.Background()))
	require.NoError(t, s.Ensure(context.Background()))

	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Len(t, h.dialer.Dialed(), 1)
	assert.Equal(t, 1, h.sched.Len())
}

func TestEnsure_ConcurrentCallsProvisionOnce(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Ensure(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Len(t, h.dialer.LiveConns(), 1)
}

func TestEnsure_RestoredValidCredentialIsReused(t *testing.T) {
	h := newHarness(t)
	restored := types.Credential{
		SessionID: "old-tail",
		Endpoint:  "wss://tail.test/old/ws",
		ExpiresAt: h.clock.Now().Add(20 * time.Minute),
	}
	s := h.factory.New("worker-a", restored)

	require.NoError(t, s.Ensure(context.Background()))

	assert.Zero(t, h.prov.OpenCount("worker-a"))
	assert.Equal(t, []string{"wss://tail.test/old/ws"}, h.dialer.Dialed())
	assert.Equal(t, restored, s.Credential())

	at, pending := h.sched.Pending("worker-a")
	require.True(t, pending)
	assert.True(t, at.Equal(restored.ExpiresAt.Add(-testMargin)))
}

func TestEnsure_RestoredExpiredCredentialRefreshesImmediately(t *testing.T) {
	h := newHarness(t)
	restored := types.Credential{
		SessionID: "old-tail",
		Endpoint:  "wss://tail.test/old/ws",
		ExpiresAt: h.clock.Now().Add(-5 * time.Minute),
	}
	s := h.factory.New("worker-a", restored)

	require.NoError(t, s.Ensure(context.Background()))

	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Equal(t, []string{"old-tail"}, h.prov.Closed())
	assert.NotContains(t, h.dialer.Dialed(), "wss://tail.test/old/ws")

	cred := s.Credential()
	assert.True(t, cred.ExpiresAt.After(h.clock.Now()))
	assert.True(t, s.Connected())
	assert.Equal(t, 1, s.Refreshes())
}

func TestEnsure_CredentialInsideMarginRefreshes(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{
		SessionID: "old-tail",
		Endpoint:  "wss://tail.test/old/ws",
		ExpiresAt: h.clock.Now().Add(testMargin / 2),
	})

	require.NoError(t, s.Ensure(context.Background()))
	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
}

func TestExpiry_TriggersExactlyOneRefresh(t *testing.T) {
	h := newHarness(t)
	sub := h.broker.Subscribe()
	s := h.factory.New("worker-a", types.Credential{})
	require.NoError(t, s.Ensure(context.Background()))

	first := s.Credential()
	firstConns := h.dialer.LiveConns()
	require.Len(t, firstConns, 1)

	h.waitTimers(t, 1)
	h.clock.Advance(testTTL - testMargin)

	require.Eventually(t, func() bool { return s.Refreshes() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := s.Credential()
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Contains(t, h.prov.Closed(), first.SessionID)

	live := h.dialer.LiveConns()
	require.Len(t, live, 1)
	assert.NotSame(t, firstConns[0], live[0])
	assert.Equal(t, second.Endpoint, live[0].Endpoint())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.Refreshes())
	assert.Equal(t, 2, h.prov.OpenCount("worker-a"))

	refreshed := 0
	timeout := time.After(time.Second)
	for refreshed == 0 {
		select {
		case e := <-sub:
			if e.Type == events.EventSessionRefreshed {
				refreshed++
			}
		case <-timeout:
			t.Fatal("no refresh event")
		}
	}
}

func TestRefresh_ProvisionFailureLeavesSessionWithoutStream(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})
	require.NoError(t, s.Ensure(context.Background()))

	h.prov.SetOpenErr(errors.New("control plane down"))
	err := s.Refresh(context.Background())
	require.Error(t, err)

	assert.False(t, s.Connected())
	assert.Equal(t, types.SessionStateProvisioning, s.State())
	assert.Empty(t, h.dialer.LiveConns())

	at, pending := h.sched.Pending("worker-a")
	require.True(t, pending)
	assert.True(t, at.Equal(h.clock.Now().Add(testBackoff)))

	h.prov.SetOpenErr(nil)
	h.waitTimers(t, 1)
	h.clock.Advance(testBackoff)

	require.Eventually(t, s.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.dialer.LiveConns(), 1)
	assert.Equal(t, 2, h.prov.OpenCount("worker-a"))
}

func TestEnsure_DialFailureOnRestoredCredentialProvisionsOnRetry(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{
		SessionID: "old-tail",
		Endpoint:  "wss://tail.test/old/ws",
		ExpiresAt: h.clock.Now().Add(20 * time.Minute),
	})

	h.dialer.SetDialErr(errors.New("tail not found"))
	require.Error(t, s.Ensure(context.Background()))
	assert.Zero(t, h.prov.OpenCount("worker-a"))

	h.dialer.SetDialErr(nil)
	require.NoError(t, s.Ensure(context.Background()))

	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Equal(t, []string{"old-tail"}, h.prov.Closed())
	assert.NotEqual(t, "old-tail", s.Credential().SessionID)
}

func TestRefresh_DialFailureKeepsNewCredential(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})

	h.dialer.SetDialErr(errors.New("handshake rejected"))
	require.Error(t, s.Ensure(context.Background()))

	cred := s.Credential()
	assert.False(t, cred.IsZero())
	assert.False(t, s.Connected())

	h.dialer.SetDialErr(nil)
	require.NoError(t, s.Ensure(context.Background()))

	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Equal(t, cred, s.Credential())
	assert.True(t, s.Connected())
}

func TestStreamDrop_ReconnectsAfterBackoff(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})
	require.NoError(t, s.Ensure(context.Background()))

	conns := h.dialer.LiveConns()
	require.Len(t, conns, 1)
	conns[0].Drop(errors.New("reset by peer"))

	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		at, ok := h.sched.Pending("worker-a")
		return ok && at.Equal(h.clock.Now().Add(testBackoff))
	}, 2*time.Second, 5*time.Millisecond)

	h.clock.Advance(testBackoff)
	require.Eventually(t, s.Connected, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Len(t, h.dialer.Dialed(), 2)
	assert.Len(t, h.dialer.LiveConns(), 1)
}

func TestRead_MalformedRecordKeepsSessionAlive(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})
	require.NoError(t, s.Ensure(context.Background()))

	conn := h.dialer.LiveConns()[0]
	conn.Push([]byte(`{"n":1}`))
	conn.Push([]byte(sessiontest.Rejected))
	conn.Push([]byte(`{"n":2}`))

	require.Eventually(t, func() bool { return len(h.sink.Received("worker-a")) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, h.sink.Received("worker-a"))
	assert.True(t, s.Connected())
}

func TestClose_ReleasesEverything(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})
	require.NoError(t, s.Ensure(context.Background()))
	cred := s.Credential()

	require.NoError(t, s.Close(context.Background(), true))
	require.NoError(t, s.Close(context.Background(), true))

	assert.Equal(t, types.SessionStateClosed, s.State())
	assert.Empty(t, h.dialer.LiveConns())
	assert.Zero(t, h.sched.Len())
	assert.Equal(t, []string{cred.SessionID}, h.prov.Closed())

	assert.ErrorIs(t, s.Ensure(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrClosed)
}

func TestClose_WithoutRevoke(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})
	require.NoError(t, s.Ensure(context.Background()))

	require.NoError(t, s.Close(context.Background(), false))
	assert.Empty(t, h.prov.Closed())
	assert.Equal(t, "worker-a-tail-1", s.Credential().SessionID)
}

func TestRefresh_ShortLivedCredentialWaitsForBackoff(t *testing.T) {
	h := newHarness(t)
	h.prov.SetTTL("worker-a", 10*time.Second)
	s := h.factory.New("worker-a", types.Credential{})

	require.NoError(t, s.Ensure(context.Background()))

	at, pending := h.sched.Pending("worker-a")
	require.True(t, pending)
	assert.True(t, at.Equal(h.clock.Now().Add(testBackoff)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
	assert.Zero(t, s.Refreshes())

	h.waitTimers(t, 1)
	h.clock.Advance(testBackoff)
	require.Eventually(t, func() bool { return s.Refreshes() == 1 && s.Connected() }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, h.prov.OpenCount("worker-a"))
	assert.Equal(t, 1, s.Refreshes())
}

func TestRefresh_LongerThanBackoffInsideMarginWaitsForExpiry(t *testing.T) {
	h := newHarness(t)
	h.prov.SetTTL("worker-a", 45*time.Second)
	s := h.factory.New("worker-a", types.Credential{})

	require.NoError(t, s.Ensure(context.Background()))

	at, pending := h.sched.Pending("worker-a")
	require.True(t, pending)
	assert.True(t, at.Equal(s.Credential().ExpiresAt))
	assert.Equal(t, 1, h.prov.OpenCount("worker-a"))
}

func TestSnapshotCredential_OmitsRevokedCredential(t *testing.T) {
	h := newHarness(t)
	s := h.factory.New("worker-a", types.Credential{})
	require.NoError(t, s.Ensure(context.Background()))
	assert.Equal(t, s.Credential(), s.SnapshotCredential())

	h.prov.SetOpenErr(errors.New("control plane down"))
	require.Error(t, s.Refresh(context.Background()))

	assert.False(t, s.Credential().IsZero())
	assert.True(t, s.SnapshotCredential().IsZero())

	h.prov.SetOpenErr(nil)
	require.NoError(t, s.Ensure(context.Background()))
	assert.Equal(t, s.Credential(), s.SnapshotCredential())

	require.NoError(t, s.Close(context.Background(), false))
	assert.True(t, s.SnapshotCredential().IsZero())
}
