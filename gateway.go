package deskline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Gateway.
type Config struct {
	// URL is the realtime endpoint. It is used when Realtime.Dialer is nil.
	URL string
	// UserName is the display name sent with typing and message envelopes.
	UserName string

	Realtime RealtimeConfig

	// QueueSize bounds the outbound queue; the oldest entry is dropped when full.
	QueueSize int
	// QueueTTL is how long an envelope may wait for a connection.
	QueueTTL time.Duration
	// TypingDebounce is the quiet period after which typing_stop is sent.
	TypingDebounce time.Duration
	// TypingExpiry removes inbound typing indicators whose typing_stop never came.
	TypingExpiry time.Duration

	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *Config) defaults() error {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = 2 * time.Minute
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = 2 * time.Second
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 10 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
	if c.Realtime.Dialer == nil {
		if c.URL == "" {
			return errors.New("deskline: either URL or Realtime.Dialer is required")
		}
		c.Realtime.Dialer = &WebSocketDialer{URL: c.URL, ReadLimit: 1 << 20}
	}
	return nil
}

// ============================================================================
// Gateway
// ============================================================================

// Gateway is the session object UI code talks to. It owns one Manager, routes
// inbound envelopes to subscribers by category and conversation, queues
// outbound envelopes while offline and keeps the derived typing and presence
// state.
type Gateway struct {
	cfg      Config
	logger   zerolog.Logger
	metrics  *Metrics
	manager  *Manager
	registry *registry
	after    afterFunc
	now      func() time.Time

	stateMu sync.RWMutex
	state   ConnectionState

	outMu     sync.Mutex
	queue     *outbox
	inflight  int
	drops     []DroppedSend
	closed    bool
	expiry    stopper
	expiryGen uint64

	wake      chan struct{}
	stop      chan struct{}
	writerEnd chan struct{}
	closeOnce sync.Once

	typing   *typingDebouncer
	tracker  *typingTracker
	presence *presenceSet
}

// NewGateway creates an idle Gateway.
func NewGateway(cfg Config) (*Gateway, error) {
	return newGateway(cfg, realAfterFunc, time.Now)
}

func newGateway(cfg Config, after afterFunc, now func() time.Time) (*Gateway, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		manager:  newManager(cfg.Realtime, after),
		registry: newRegistry(logger, cfg.Metrics),
		after:    after,
		now:      now,
		state:    StateIdle,
		queue:    newOutbox(cfg.QueueSize, cfg.QueueTTL),
		tracker:  newTypingTracker(cfg.TypingExpiry, after),
		presence: newPresenceSet(),

		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		writerEnd: make(chan struct{}),
	}
	g.typing = newTypingDebouncer(cfg.TypingDebounce, after, now, g.emitTyping)
	g.manager.OnStateChange(g.handleStateChange)
	g.manager.OnEnvelope(g.handleEnvelope)
	go g.writeLoop()
	return g, nil
}

// Connect starts connecting as identity with an opaque token. While a
// session is Connecting, Connected or Reconnecting it does nothing, and the
// session keeps the identity it was started with.
func (g *Gateway) Connect(identity, token string) error {
	return g.manager.Connect(identity, token)
}

// Disconnect closes the connection. Queued envelopes stay queued until they
// are flushed by a later Connect or expire.
func (g *Gateway) Disconnect() {
	g.manager.Disconnect()
}

// Close disconnects, cancels every timer and stops delivery. A write in
// progress is cancelled, envelopes still queued are never written and later
// sends fail with ErrClosed.
func (g *Gateway) Close() {
	g.outMu.Lock()
	g.closed = true
	g.stopExpiryLocked()
	g.outMu.Unlock()

	g.manager.Close()
	g.closeOnce.Do(func() { close(g.stop) })
	<-g.writerEnd

	g.typing.reset()
	g.tracker.reset()
}

func (g *Gateway) isClosed() bool {
	g.outMu.Lock()
	defer g.outMu.Unlock()
	return g.closed
}

// ============================================================================
// Subscriptions
// ============================================================================

// On registers cb for envelopes of category. CategoryAny receives everything,
// including unknown categories. With a conversationID, only envelopes whose
// data.conversationId matches are delivered; connection lifecycle envelopes
// ignore the scope. Callbacks run on the session's delivery goroutine in
// registration order and may call any Gateway method.
func (g *Gateway) On(category Category, cb Callback, conversationID ...string) Handle {
	scope := ""
	if len(conversationID) > 0 {
		scope = conversationID[0]
	}
	return g.registry.add(category, scope, cb)
}

// Off cancels a registration made with On or OnDropped. It is idempotent.
func (g *Gateway) Off(h Handle) {
	g.registry.remove(h)
}

// OnDropped registers fn for envelopes discarded from the outbound queue.
func (g *Gateway) OnDropped(fn func(DroppedSend)) Handle {
	return g.registry.addDropListener(fn)
}

// ============================================================================
// Derived state
// ============================================================================

// State returns the connection state as of the last delivered state change.
func (g *Gateway) State() ConnectionState {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

// IsConnected reports whether the session is Connected.
func (g *Gateway) IsConnected() bool {
	return g.State() == StateConnected
}

// IsConnecting reports whether a connection attempt is in progress, including
// waiting for a retry.
func (g *Gateway) IsConnecting() bool {
	s := g.State()
	return s == StateConnecting || s == StateReconnecting
}

// TypingUsers lists the names currently typing in conversationID, sorted.
// An empty conversationID lists everyone typing in any conversation.
func (g *Gateway) TypingUsers(conversationID string) []string {
	return g.tracker.users(conversationID)
}

// OnlineAgents lists the agents reported online, sorted by name.
func (g *Gateway) OnlineAgents() []string {
	return g.presence.list()
}

// QueueLen returns the number of envelopes accepted by Send that are not yet
// written, including one being written right now.
func (g *Gateway) QueueLen() int {
	g.outMu.Lock()
	defer g.outMu.Unlock()
	return g.queue.len() + g.inflight
}

// ReleaseConversation ends the local typing state of conversationID: an
// outbound typing indicator still running is stopped and inbound indicators
// are cleared.
func (g *Gateway) ReleaseConversation(conversationID string) {
	g.typing.release(conversationID)
	g.tracker.release(conversationID)
}

// ============================================================================
// Outbound
// ============================================================================

// Send appends env to the outbound queue and returns without waiting for the
// network. The queue is written in order by the Gateway's writer goroutine
// whenever the session is Connected, so while offline envelopes wait for the
// next Connected. Queuing is not an error; envelopes lost to overflow or
// expiry are reported through OnDropped. After Close, Send fails with
// ErrClosed.
func (g *Gateway) Send(env Envelope) error {
	if !env.Type.Known() {
		return errors.Wrapf(ErrUnknownCategory, "send %q", env.Type)
	}
	if env.Type.Lifecycle() {
		return errors.Wrapf(ErrInvalidEnvelope, "%s envelopes are emitted locally", env.Type)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = g.now().UTC()
	}
	if _, err := env.Encode(); err != nil {
		return err
	}

	g.outMu.Lock()
	if g.closed {
		g.outMu.Unlock()
		return ErrClosed
	}
	g.enqueueLocked(env)
	g.unlockOut()

	g.kick()
	return nil
}

// SendMessage sends a new_message envelope with a client generated id.
func (g *Gateway) SendMessage(conversationID, content string) (MessagePayload, error) {
	if conversationID == "" {
		return MessagePayload{}, errors.New("deskline: conversation id is required")
	}
	sender := g.manager.Identity()

	now := g.now().UTC()
	msg := MessagePayload{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Content:        content,
		SenderID:       sender,
		SenderName:     g.cfg.UserName,
		Type:           "text",
		CreatedAt:      &now,
	}
	env, err := NewEnvelope(CategoryNewMessage, msg)
	if err != nil {
		return MessagePayload{}, err
	}
	return msg, g.Send(env)
}

// UpdateStatus sends a status_update envelope for conversationID.
func (g *Gateway) UpdateStatus(conversationID, status, updatedBy string) error {
	if conversationID == "" || status == "" {
		return errors.New("deskline: conversation id and status are required")
	}
	env, err := NewEnvelope(CategoryStatusUpdate, StatusUpdatePayload{
		ConversationID: conversationID,
		Status:         status,
		UpdatedBy:      updatedBy,
	})
	if err != nil {
		return err
	}
	return g.Send(env)
}

// SendTyping reports that userID is or stopped typing in conversationID.
// Only the first signal of a burst sends typing_start; typing_stop follows an
// explicit false or TypingDebounce without further signals.
func (g *Gateway) SendTyping(conversationID, userID string, isTyping bool) error {
	if conversationID == "" || userID == "" {
		return errors.New("deskline: conversation id and user id are required")
	}
	if g.isClosed() {
		return ErrClosed
	}
	g.typing.signal(typingKey{conversationID: conversationID, userID: userID}, isTyping)
	return nil
}

func (g *Gateway) emitTyping(key typingKey, typing bool) {
	category := CategoryTypingStop
	if typing {
		category = CategoryTypingStart
	}
	env, err := NewEnvelope(category, TypingPayload{
		ConversationID: key.conversationID,
		UserID:         key.userID,
		UserName:       g.cfg.UserName,
	})
	if err == nil {
		err = g.Send(env)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		g.logger.Warn().Err(err).Str("category", string(category)).Msg("typing signal not sent")
	}
}

func (g *Gateway) enqueueLocked(env Envelope) {
	now := g.now()
	for _, e := range g.queue.expire(now) {
		g.droppedLocked(e, DropExpired)
	}
	if evicted, full := g.queue.push(env, now); full {
		g.droppedLocked(evicted, DropQueueFull)
	}
	g.metrics.queueDepth(g.queue.len())
	g.logger.Debug().Str("category", string(env.Type)).Int("depth", g.queue.len()).Msg("queued outbound envelope")
	g.armExpiryLocked()
}

// droppedLocked records e for unlockOut to report, so listeners never run
// while the outbound mutex is held.
func (g *Gateway) droppedLocked(e outboxEntry, reason DropReason) {
	g.metrics.dropped(reason)
	g.logger.Warn().Str("category", string(e.envelope.Type)).Str("reason", string(reason)).Msg("dropping queued envelope")
	g.drops = append(g.drops, DroppedSend{Envelope: e.envelope, Reason: reason, EnqueuedAt: e.enqueuedAt})
}

// unlockOut releases the outbound mutex, then hands the drops recorded under
// it to the delivery goroutine. Once delivery has stopped, listeners run on
// the calling goroutine.
func (g *Gateway) unlockOut() {
	drops := g.drops
	g.drops = nil
	g.outMu.Unlock()

	for _, d := range drops {
		d := d
		if !g.manager.post(func() { g.registry.notifyDropped(d) }) {
			g.registry.notifyDropped(d)
		}
	}
}

func (g *Gateway) armExpiryLocked() {
	if g.expiry != nil {
		return
	}
	at, ok := g.queue.nextExpiry()
	if !ok {
		return
	}
	g.expiryGen++
	gen := g.expiryGen
	d := at.Sub(g.now())
	if d < 0 {
		d = 0
	}
	g.expiry = g.after(d, func() { g.expiryFired(gen) })
}

func (g *Gateway) stopExpiryLocked() {
	if g.expiry != nil {
		g.expiry.Stop()
		g.expiry = nil
	}
}

func (g *Gateway) expiryFired(gen uint64) {
	g.outMu.Lock()
	defer g.unlockOut()
	if gen != g.expiryGen || g.closed {
		return
	}
	g.expiry = nil
	for _, e := range g.queue.expire(g.now()) {
		g.droppedLocked(e, DropExpired)
	}
	g.metrics.queueDepth(g.queue.len())
	g.armExpiryLocked()
}

// ============================================================================
// Writer
// ============================================================================

// kick wakes the writer goroutine without blocking.
func (g *Gateway) kick() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine that writes queued envelopes, which keeps
// them in FIFO order without holding the outbound mutex across network I/O.
func (g *Gateway) writeLoop() {
	defer close(g.writerEnd)
	for {
		select {
		case <-g.stop:
			return
		case <-g.wake:
		}
		g.flush()
	}
}

// flush writes queued envelopes in FIFO order until the queue is empty or the
// Manager refuses one because the connection went away. The envelope being
// written is taken off the queue for the duration of the write and put back
// at the head if the connection is lost.
func (g *Gateway) flush() {
	sent := 0
	defer func() {
		if sent > 0 {
			g.logger.Debug().Int("sent", sent).Msg("flushed outbound queue")
		}
	}()

	for {
		g.outMu.Lock()
		if g.closed {
			g.unlockOut()
			return
		}
		for _, e := range g.queue.expire(g.now()) {
			g.droppedLocked(e, DropExpired)
		}
		e, ok := g.queue.peek()
		if !ok || g.manager.State() != StateConnected {
			g.metrics.queueDepth(g.queue.len())
			g.unlockOut()
			return
		}
		g.queue.pop()
		g.inflight++
		g.metrics.queueDepth(g.queue.len())
		g.unlockOut()

		err := g.manager.Send(e.envelope)

		g.outMu.Lock()
		g.inflight--
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrNotConnected):
			if !g.closed {
				if evicted, full := g.queue.pushFront(e); full {
					g.droppedLocked(evicted, DropQueueFull)
				}
				g.metrics.queueDepth(g.queue.len())
				g.stopExpiryLocked()
				g.armExpiryLocked()
			}
			g.unlockOut()
			return
		default:
			g.logger.Error().Err(err).Str("category", string(e.envelope.Type)).Msg("discarding unsendable envelope")
		}
		g.unlockOut()
	}
}

// ============================================================================
// Inbound
// ============================================================================

func (g *Gateway) handleStateChange(sc StateChange) {
	g.stateMu.Lock()
	g.state = sc.To
	g.stateMu.Unlock()

	switch sc.To {
	case StateConnected:
		g.kick()
	case StateDisconnected:
		g.tracker.reset()
		g.presence.reset()
	}

	payload := ConnectionPayload{Status: sc.To, Attempt: sc.Attempt, DelayMS: sc.Delay.Milliseconds()}
	if sc.Err != nil {
		payload.Error = sc.Err.Error()
	}
	g.dispatchLocal(CategoryConnection, payload)

	if sc.Failed {
		failed := ConnectionFailedPayload{Attempts: sc.Attempt}
		if sc.Err != nil {
			failed.Reason = sc.Err.Error()
		}
		g.dispatchLocal(CategoryConnectionFailed, failed)
	}
}

func (g *Gateway) dispatchLocal(category Category, payload any) {
	env, err := NewEnvelope(category, payload)
	if err != nil {
		g.logger.Error().Err(err).Msg("building lifecycle envelope")
		return
	}
	env.Timestamp = g.now().UTC()
	g.registry.dispatch(env)
}

func (g *Gateway) handleEnvelope(env Envelope) {
	if env.Malformed() && !env.Type.Lifecycle() {
		g.registry.dispatch(env)
		return
	}
	switch env.Type {
	case CategoryTypingStart, CategoryTypingStop:
		var p TypingPayload
		if err := env.Decode(&p); err != nil || p.displayName() == "" {
			g.logger.Warn().Err(err).Str("category", string(env.Type)).Msg("typing envelope without user")
			break
		}
		if env.Type == CategoryTypingStart {
			g.tracker.start(p.ConversationID, p.displayName())
		} else {
			g.tracker.stop(p.ConversationID, p.displayName())
		}
	case CategoryAgentOnline:
		var p AgentOnlinePayload
		if err := env.Decode(&p); err != nil {
			g.logger.Warn().Err(err).Msg("malformed agent_online payload")
			break
		}
		g.presence.apply(p)
	case CategoryConnection, CategoryConnectionFailed:
		// Lifecycle envelopes are only synthesized locally.
		g.logger.Warn().Str("category", string(env.Type)).Msg("ignoring lifecycle envelope from server")
		return
	}
	g.registry.dispatch(env)
}
