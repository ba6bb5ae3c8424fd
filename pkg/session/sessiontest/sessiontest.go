// Package sessiontest provides in-memory doubles for the control plane,
// the stream transport and the log sink.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tailkeeper/pkg/controlplane"
	"github.com/cuemby/tailkeeper/pkg/sink"
	"github.com/cuemby/tailkeeper/pkg/transport"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/jonboulle/clockwork"
)

// ControlPlane issues tails that live TTL from the clock's now
type ControlPlane struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	ttl       time.Duration
	ttls      map[types.WorkloadID]time.Duration
	workloads []types.WorkloadID
	listErr   error
	openErr   error
	closeErr  error
	lists     int
	opens     map[types.WorkloadID]int
	closes    []string
	seq       int
}

var _ controlplane.Client = (*ControlPlane)(nil)

// NewControlPlane creates a control plane listing workloads
func NewControlPlane(clock clockwork.Clock, ttl time.Duration, workloads ...types.WorkloadID) *ControlPlane {
	return &ControlPlane{
		clock:     clock,
		ttl:       ttl,
		ttls:      make(map[types.WorkloadID]time.Duration),
		workloads: workloads,
		opens:     make(map[types.WorkloadID]int),
	}
}

func (c *ControlPlane) ListWorkloads(ctx context.Context) ([]types.WorkloadID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists++
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]types.WorkloadID(nil), c.workloads...), nil
}

func (c *ControlPlane) OpenTail(ctx context.Context, id types.WorkloadID) (*controlplane.Tail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.seq++
	c.opens[id]++
	ttl, ok := c.ttls[id]
	if !ok {
		ttl = c.ttl
	}
	return &controlplane.Tail{
		ID:        fmt.Sprintf("%s-tail-%d", id, c.seq),
		Endpoint:  fmt.Sprintf("wss://tail.test/%s/%d/ws", id, c.seq),
		ExpiresAt: c.clock.Now().Add(ttl),
	}, nil
}

func (c *ControlPlane) CloseTail(ctx context.Context, id types.WorkloadID, tailID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, tailID)
	return c.closeErr
}

// SetWorkloads replaces the listed workloads
func (c *ControlPlane) SetWorkloads(ids ...types.WorkloadID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workloads = ids
}

// SetTTL overrides the lifetime of tails issued for id
func (c *ControlPlane) SetTTL(id types.WorkloadID, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls[id] = ttl
}

// SetListErr makes ListWorkloads fail with err until reset with nil
func (c *ControlPlane) SetListErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// SetOpenErr makes OpenTail fail with err until reset with nil
func (c *ControlPlane) SetOpenErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

// SetCloseErr makes CloseTail fail with err
func (c *ControlPlane) SetCloseErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeErr = err
}

// Lists returns how many times ListWorkloads was called
func (c *ControlPlane) Lists() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

// OpenCount returns how many tails were issued for id
func (c *ControlPlane) OpenCount(id types.WorkloadID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[id]
}

// Closed returns the revoked tail ids in call order
func (c *ControlPlane) Closed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closes...)
}

// Conn delivers messages pushed by the test
type Conn struct {
	endpoint string
	messages chan []byte
	dropped  chan error
	done     chan struct{}
	once     sync.Once
	dialer   *Dialer
}

// Endpoint returns the address the connection was dialed with
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// Push queues a message for Read
func (c *Conn) Push(payload []byte) {
	c.messages <- payload
}

// Drop makes the next Read fail with err as if the remote went away
func (c *Conn) Drop(err error) {
	select {
	case c.dropped <- err:
	default:
	}
}

func (c *Conn) Read() ([]byte, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	case err := <-c.dropped:
		return nil, err
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.dialer.release(c)
	})
	return nil
}

// Dialer tracks every connection it hands out and which are still open
type Dialer struct {
	mu      sync.Mutex
	live    map[*Conn]bool
	dials   []string
	dialErr error
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer
func NewDialer() *Dialer {
	return &Dialer{live: make(map[*Conn]bool)}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, endpoint)
	if d.dialErr != nil {
		return nil, &transport.ConnectionError{Endpoint: endpoint, Err: d.dialErr}
	}
	conn := &Conn{
		endpoint: endpoint,
		messages: make(chan []byte, 16),
		dropped:  make(chan error, 1),
		done:     make(chan struct{}),
		dialer:   d,
	}
	d.live[conn] = true
	return conn, nil
}

func (d *Dialer) release(c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, c)
}

// LiveConns returns connections that have not been closed
func (d *Dialer) LiveConns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := make([]*Conn, 0, len(d.live))
	for c := range d.live {
		conns = append(conns, c)
	}
	return conns
}

// LiveFor returns the open connections dialed with an endpoint for id
func (d *Dialer) LiveFor(id types.WorkloadID) []*Conn {
	prefix := fmt.Sprintf("wss://tail.test/%s/", id)
	var out []*Conn
	for _, c := range d.LiveConns() {
		if len(c.endpoint) >= len(prefix) && c.endpoint[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

// Dialed returns every endpoint passed to Dial in call order
func (d *Dialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

// SetDialErr makes Dial fail with err until reset with nil
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Rejected is the payload MemorySink refuses as malformed
const Rejected = "bad"

// MemorySink keeps accepted payloads per workload
type MemorySink struct {
	mu       sync.Mutex
	payloads map[types.WorkloadID][]string
}

var _ sink.Appender = (*MemorySink)(nil)

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{payloads: make(map[types.WorkloadID][]string)}
}

func (m *MemorySink) Append(id types.WorkloadID, raw []byte) error {
	if string(raw) == Rejected {
		return &sink.RecordError{Workload: id, Reason: "rejected by test sink"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[id] = append(m.payloads[id], string(raw))
	return nil
}

// Received returns the accepted payloads for id
func (m *MemorySink) Received(id types.WorkloadID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.payloads[id]...)
}
