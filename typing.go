package deskline

import (
	"sort"
	"sync"
	"time"
)

type typingKey struct {
	conversationID string
	userID         string
}

// ============================================================================
// Outbound debounce
// ============================================================================

type typingAggregate struct {
	lastSignalAt time.Time
	stop         stopper
	gen          uint64
}

// typingDebouncer collapses repeated "is typing" signals into one
// typing_start on the rising edge and one typing_stop, sent either when the
// caller says so or when no signal arrived for window.
type typingDebouncer struct {
	mu         sync.Mutex
	window     time.Duration
	after      afterFunc
	now        func() time.Time
	emit       func(key typingKey, typing bool)
	aggregates map[typingKey]*typingAggregate
	gen        uint64
}

func newTypingDebouncer(window time.Duration, after afterFunc, now func() time.Time, emit func(typingKey, bool)) *typingDebouncer {
	return &typingDebouncer{
		window:     window,
		after:      after,
		now:        now,
		emit:       emit,
		aggregates: make(map[typingKey]*typingAggregate),
	}
}

// signal records one typing signal. emit runs under the debouncer lock so
// start and stop for the same key cannot be reordered.
func (d *typingDebouncer) signal(key typingKey, typing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	agg := d.aggregates[key]
	if !typing {
		if agg == nil {
			return
		}
		agg.stop.Stop()
		delete(d.aggregates, key)
		d.emit(key, false)
		return
	}

	rising := agg == nil
	if rising {
		agg = &typingAggregate{}
		d.aggregates[key] = agg
	} else {
		agg.stop.Stop()
	}
	d.gen++
	gen := d.gen
	agg.gen = gen
	agg.lastSignalAt = d.now()
	agg.stop = d.after(d.window, func() { d.expire(key, gen) })
	if rising {
		d.emit(key, true)
	}
}

func (d *typingDebouncer) expire(key typingKey, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agg := d.aggregates[key]
	if agg == nil || agg.gen != gen {
		return
	}
	delete(d.aggregates, key)
	d.emit(key, false)
}

// release ends every aggregate of conversationID, sending typing_stop for each.
func (d *typingDebouncer) release(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, agg := range d.aggregates {
		if key.conversationID != conversationID {
			continue
		}
		agg.stop.Stop()
		delete(d.aggregates, key)
		d.emit(key, false)
	}
}

// reset drops every aggregate without emitting.
func (d *typingDebouncer) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, agg := range d.aggregates {
		agg.stop.Stop()
		delete(d.aggregates, key)
	}
}

func (d *typingDebouncer) active(key typingKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.aggregates[key]
	return ok
}

// ============================================================================
// Inbound typing indicators
// ============================================================================

type typingEntry struct {
	expiry stopper
	gen    uint64
}

// typingTracker holds who is typing in each conversation, as reported by
// inbound typing_start/typing_stop envelopes. An entry whose typing_stop never
// arrives is removed after window.
type typingTracker struct {
	mu      sync.Mutex
	window  time.Duration
	after   afterFunc
	entries map[string]map[string]*typingEntry
	gen     uint64
}

func newTypingTracker(window time.Duration, after afterFunc) *typingTracker {
	return &typingTracker{
		window:  window,
		after:   after,
		entries: make(map[string]map[string]*typingEntry),
	}
}

func (t *typingTracker) start(conversationID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[conversationID]
	if users == nil {
		users = make(map[string]*typingEntry)
		t.entries[conversationID] = users
	}
	if e := users[name]; e != nil {
		e.expiry.Stop()
	}
	t.gen++
	gen := t.gen
	users[name] = &typingEntry{
		gen:    gen,
		expiry: t.after(t.window, func() { t.expired(conversationID, name, gen) }),
	}
}

func (t *typingTracker) stop(conversationID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conversationID, name, 0)
}

func (t *typingTracker) expired(conversationID, name string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conversationID, name, gen)
}

// removeLocked deletes the entry; a non-zero gen must match the entry's.
func (t *typingTracker) removeLocked(conversationID, name string, gen uint64) {
	users := t.entries[conversationID]
	e := users[name]
	if e == nil || (gen != 0 && e.gen != gen) {
		return
	}
	e.expiry.Stop()
	delete(users, name)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
}

// users lists the names typing in conversationID, sorted. An empty
// conversationID lists everyone typing anywhere.
func (t *typingTracker) users(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{})
	for conv, users := range t.entries {
		if conversationID != "" && conv != conversationID {
			continue
		}
		for name := range users {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (t *typingTracker) release(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries[conversationID] {
		e.expiry.Stop()
	}
	delete(t.entries, conversationID)
}

func (t *typingTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.entries {
		for _, e := range users {
			e.expiry.Stop()
		}
	}
	t.entries = make(map[string]map[string]*typingEntry)
}

// ============================================================================
// Presence
// ============================================================================

// presenceSet is the set of agents reported online by agent_online envelopes.
type presenceSet struct {
	mu     sync.RWMutex
	agents map[string]struct{}
}

func newPresenceSet() *presenceSet {
	return &presenceSet{agents: make(map[string]struct{})}
}

func (p *presenceSet) apply(payload AgentOnlinePayload) {
	name := payload.displayName()
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if payload.Status == AgentStatusOffline {
		delete(p.agents, name)
		return
	}
	p.agents[name] = struct{}{}
}

func (p *presenceSet) list() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.agents))
	for name := range p.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *presenceSet) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = make(map[string]struct{})
}
