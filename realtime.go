package deskline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Manager.
type RealtimeConfig struct {
	// Dialer opens transports. Required.
	Dialer Dialer

	// MaxReconnectAttempts is the number of scheduled retries after which the
	// Manager gives up and reports connection_failed.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// PingInterval is the keepalive period. A failed ping counts as a drop.
	// Negative disables keepalive.
	PingInterval time.Duration

	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ConnectionState is the lifecycle state of a Manager.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

// StateChange describes one transition of the connection state machine.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	// Attempt is the number of consecutive failures so far. Set when To is
	// StateReconnecting, and on the final transition when Failed is true.
	Attempt int
	// Delay is the wait before the next retry when To is StateReconnecting.
	Delay time.Duration
	// Failed is true when reconnection attempts are exhausted.
	Failed bool
	// Err is the transport error that caused the transition, if any.
	Err error
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns the realtime connection: it dials, detects drops, reconnects
// with backoff and delivers inbound envelopes and state changes, in order, on
// a single delivery goroutine. Transport errors never surface to callers;
// they only move the state machine.
type Manager struct {
	cfg     RealtimeConfig
	logger  zerolog.Logger
	metrics *Metrics
	backoff backoff
	after   afterFunc
	loop    *loop

	mu        sync.Mutex
	state     ConnectionState
	handshake Handshake
	// epoch changes on every Connect and Disconnect; callbacks carrying an
	// older epoch are stale and ignored.
	epoch           uint64
	failures        int
	session         context.Context
	cancelSession   context.CancelFunc
	transport       Transport
	cancelTransport context.CancelFunc
	retry           stopper
	closed          bool

	writeMu sync.Mutex

	handlersMu    sync.RWMutex
	onEnvelope    []func(Envelope)
	onStateChange []func(StateChange)
}

// NewManager creates a Manager in StateIdle.
func NewManager(cfg RealtimeConfig) *Manager {
	return newManager(cfg, realAfterFunc)
}

func newManager(cfg RealtimeConfig, after afterFunc) *Manager {
	cfg.defaults()
	logger := cfg.Logger.With().Str("component", "realtime").Logger()
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		backoff: newBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
		after:   after,
		loop:    newLoop(logger),
		state:   StateIdle,
	}
}

// OnEnvelope registers fn for every inbound envelope, including envelopes of
// unknown categories. Malformed frames are never delivered.
func (m *Manager) OnEnvelope(fn func(Envelope)) {
	m.handlersMu.Lock()
	m.onEnvelope = append(m.onEnvelope, fn)
	m.handlersMu.Unlock()
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.handlersMu.Lock()
	m.onStateChange = append(m.onStateChange, fn)
	m.handlersMu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts connecting as identity. It returns immediately; progress is
// reported through OnStateChange. Calling Connect while Connecting, Connected
// or Reconnecting does nothing.
func (m *Manager) Connect(identity, token string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrEmptyIdentity
	}
	if m.cfg.Dialer == nil {
		return errors.New("realtime: no dialer configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		return nil
	}

	m.epoch++
	m.failures = 0
	m.handshake = Handshake{UserID: identity, Token: token}
	m.session, m.cancelSession = context.WithCancel(context.Background())

	m.logger.Info().Str("user_id", identity).Msg("connecting")
	m.transitionLocked(StateChange{To: StateConnecting})
	go m.dial(m.session, m.epoch, m.handshake)
	return nil
}

// Identity returns the user id the current or most recent session was
// started with.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handshake.UserID
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// valid in every state and always leaves the Manager in StateDisconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.epoch++
	m.teardownLocked()
	if m.state != StateDisconnected {
		m.logger.Info().Msg("disconnected")
		m.transitionLocked(StateChange{To: StateDisconnected})
	}
}

// Close disconnects and stops the delivery goroutine once pending
// notifications have run. The Manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.disconnectLocked()
	m.closed = true
	m.mu.Unlock()
	m.loop.close()
}

// Send writes env to the live transport. It fails with ErrNotConnected unless
// the Manager is Connected. A failed write is treated as a connection drop.
func (m *Manager) Send(env Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateConnected || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t, epoch, ctx := m.transport, m.epoch, m.session
	m.mu.Unlock()

	m.writeMu.Lock()
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	err = t.Write(wctx, frame)
	cancel()
	m.writeMu.Unlock()

	if err != nil {
		m.dropped(epoch, t, errors.Wrap(err, "write"))
		return errors.Wrap(ErrNotConnected, err.Error())
	}
	m.metrics.sent(env.Type)
	return nil
}

// post runs fn on the delivery goroutine after every notification queued so far.
func (m *Manager) post(fn func()) bool {
	return m.loop.post(fn)
}

// ============================================================================
// State machine
// ============================================================================

// transitionLocked records the new state and queues the notification. Holding
// m.mu while posting keeps notifications in transition order.
func (m *Manager) transitionLocked(sc StateChange) {
	sc.From = m.state
	m.state = sc.To
	m.metrics.setState(sc.To)
	m.loop.post(func() { m.emitStateChange(sc) })
}

func (m *Manager) teardownLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.closeTransportLocked()
	if m.cancelSession != nil {
		m.cancelSession()
		m.cancelSession = nil
	}
}

func (m *Manager) closeTransportLocked() {
	if m.cancelTransport != nil {
		m.cancelTransport()
		m.cancelTransport = nil
	}
	if m.transport != nil {
		t := m.transport
		m.transport = nil
		go func() { _ = t.Close() }()
	}
}

// failLocked handles a failed dial or a dropped transport: it either
// schedules the next retry or, once retries are exhausted, gives up.
func (m *Manager) failLocked(cause error) {
	if m.failures >= m.cfg.MaxReconnectAttempts {
		attempts := m.failures
		m.teardownLocked()
		m.logger.Error().Err(cause).Int("attempts", attempts).Msg("reconnect attempts exhausted")
		m.transitionLocked(StateChange{To: StateDisconnected, Attempt: attempts, Failed: true, Err: cause})
		return
	}

	delay := m.backoff.delay(m.failures)
	m.failures++
	m.metrics.reconnectScheduled()

	epoch := m.epoch
	m.retry = m.after(delay, func() { m.retryFired(epoch) })
	m.logger.Warn().Err(cause).Int("attempt", m.failures).Dur("delay", delay).Msg("reconnecting")
	m.transitionLocked(StateChange{To: StateReconnecting, Attempt: m.failures, Delay: delay, Err: cause})
}

func (m *Manager) retryFired(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.state != StateReconnecting {
		return
	}
	m.retry = nil
	go m.dial(m.session, epoch, m.handshake)
}

func (m *Manager) dial(ctx context.Context, epoch uint64, hs Handshake) {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	t, err := m.cfg.Dialer.Dial(dctx, hs)
	cancel()
	m.metrics.dialObserved(time.Since(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || (m.state != StateConnecting && m.state != StateReconnecting) {
		if err == nil {
			go func() { _ = t.Close() }()
		}
		m.logger.Debug().Msg("discarding stale dial result")
		return
	}
	if err != nil {
		m.failLocked(errors.Wrap(err, "dial"))
		return
	}

	tctx, tcancel := context.WithCancel(ctx)
	m.transport = t
	m.cancelTransport = tcancel
	m.failures = 0
	m.logger.Info().Msg("connected")
	m.transitionLocked(StateChange{To: StateConnected})

	go m.readLoop(tctx, epoch, t)
	if m.cfg.PingInterval > 0 {
		go m.heartbeatLoop(tctx, epoch, t)
	}
}

// dropped moves a live transport into reconnection. Reports about a transport
// that is no longer current are ignored.
func (m *Manager) dropped(epoch uint64, t Transport, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.transport != t {
		return
	}
	m.closeTransportLocked()
	m.failLocked(cause)
}

// ============================================================================
// Transport loops
// ============================================================================

func (m *Manager) readLoop(ctx context.Context, epoch uint64, t Transport) {
	for {
		frame, err := t.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.dropped(epoch, t, errors.Wrap(err, "read"))
			}
			return
		}
		m.receive(frame)
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, epoch uint64, t Transport) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err := t.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.dropped(epoch, t, errors.Wrap(err, "heartbeat"))
				}
				return
			}
		}
	}
}

func (m *Manager) receive(frame []byte) {
	env, err := DecodeEnvelope(frame)
	switch {
	case env.Malformed():
		m.metrics.invalid("malformed")
		m.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("malformed envelope, offering to wildcard subscribers only")
	case errors.Is(err, ErrUnknownCategory):
		m.metrics.invalid("unknown_category")
		m.metrics.received(env.Type)
		m.logger.Warn().Str("type", string(env.Type)).Msg("envelope of unknown category")
	case err != nil:
		m.metrics.invalid("malformed")
		m.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping malformed frame")
		return
	default:
		m.metrics.received(env.Type)
	}
	m.loop.post(func() { m.emitEnvelope(env) })
}

func (m *Manager) emitEnvelope(env Envelope) {
	m.handlersMu.RLock()
	handlers := append([]func(Envelope){}, m.onEnvelope...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (m *Manager) emitStateChange(sc StateChange) {
	m.handlersMu.RLock()
	handlers := append([]func(StateChange){}, m.onStateChange...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(sc)
	}
}
