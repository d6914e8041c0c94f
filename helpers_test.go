package deskline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Manual clock
// ============================================================================

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock hands out timers that only fire when the test advances time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Delays returns the delay of every timer scheduled so far, in order.
func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.delay)
	}
	return out
}

// Pending counts timers that are neither stopped nor fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	inbound chan []byte
	drops   chan error
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	hold     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		drops:   make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case err := <-t.drops:
		return nil, err
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	hold := t.hold
	t.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, append([]byte(nil), frame...))
	return nil
}

func (t *fakeTransport) Ping(context.Context) error { return nil }

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(frame string) { t.inbound <- []byte(frame) }

func (t *fakeTransport) drop(err error) { t.drops <- err }

func (t *fakeTransport) failWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// holdWrites blocks every Write until the returned release func is called or
// the write's context ends.
func (t *fakeTransport) holdWrites() (release func()) {
	hold := make(chan struct{})
	t.mu.Lock()
	t.hold = hold
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.hold = nil
			t.mu.Unlock()
			close(hold)
		})
	}
}

// sent decodes every written frame.
func (t *fakeTransport) sent(tb testing.TB) []Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, 0, len(t.written))
	for _, frame := range t.written {
		env, err := DecodeEnvelope(frame)
		require.NoError(tb, err)
		out = append(out, env)
	}
	return out
}

// ============================================================================
// Fake dialer
// ============================================================================

type fakeDialer struct {
	mu         sync.Mutex
	failures   []error
	handshakes []Handshake
	transports []*fakeTransport
	// gate, when set, holds every dial until it is closed. Dials held by the
	// gate do not observe context cancellation.
	gate chan struct{}
}

func newFakeDialer() *fakeDialer { return &fakeDialer{} }

// failNext makes the next len(errs) dials fail with errs, in order.
func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errs...)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, hs Handshake) (Transport, error) {
	d.mu.Lock()
	d.handshakes = append(d.handshakes, hs)
	var err error
	if len(d.failures) > 0 {
		err, d.failures = d.failures[0], d.failures[1:]
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil && gate == nil {
		return nil, ctx.Err()
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handshakes)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.transports)
	}
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

// ============================================================================
// Helpers
// ============================================================================

// sync waits until every callback posted before it has run. Must not be
// called from the delivery goroutine.
func (l *loop) sync() {
	done := make(chan struct{})
	if !l.post(func() { close(done) }) {
		return
	}
	<-done
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func recordStates(m *Manager) *stateRecorder {
	r := &stateRecorder{}
	m.OnStateChange(func(sc StateChange) {
		r.mu.Lock()
		r.changes = append(r.changes, sc)
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) all() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *stateRecorder) states() []ConnectionState {
	var out []ConnectionState
	for _, sc := range r.all() {
		out = append(out, sc.To)
	}
	return out
}

func wireFrame(t testing.TB, category Category, payload any) string {
	t.Helper()
	env, err := NewEnvelope(category, payload)
	require.NoError(t, err)
	b, err := env.Encode()
	require.NoError(t, err)
	return string(b)
}

func decodePayload[T any](t testing.TB, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestManager(t *testing.T, cfg RealtimeConfig) (*Manager, *fakeDialer, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	dialer := newFakeDialer()
	cfg.Dialer = dialer
	if cfg.PingInterval == 0 {
		cfg.PingInterval = -1
	}
	m := newManager(cfg, clock.AfterFunc)
	m.backoff.jitter = 0
	t.Cleanup(m.Close)
	return m, dialer, clock
}

func newTestGateway(t *testing.T, cfg Config) (*Gateway, *fakeDialer, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	dialer := newFakeDialer()
	cfg.Realtime.Dialer = dialer
	if cfg.Realtime.PingInterval == 0 {
		cfg.Realtime.PingInterval = -1
	}
	g, err := newGateway(cfg, clock.AfterFunc, clock.Now)
	require.NoError(t, err)
	g.manager.backoff.jitter = 0
	t.Cleanup(g.Close)
	return g, dialer, clock
}

// waitDrained waits until the writer goroutine has written everything g
// accepted.
func waitDrained(t *testing.T, g *Gateway) {
	t.Helper()
	require.Eventually(t, func() bool { return g.QueueLen() == 0 }, waitFor, tick)
}

// connectGateway connects g and waits until the Connected notification has
// been delivered.
func connectGateway(t *testing.T, g *Gateway, d *fakeDialer) *fakeTransport {
	t.Helper()
	require.NoError(t, g.Connect("agent-7", "tok"))
	require.Eventually(t, g.IsConnected, waitFor, tick)
	tr := d.transport(-1)
	require.NotNil(t, tr)
	return tr
}
