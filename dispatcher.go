package deskline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handle identifies a registration made with On or OnDropped.
type Handle string

// Callback receives dispatched envelopes.
type Callback func(Envelope)

type subscription struct {
	id       Handle
	seq      uint64
	category Category
	scope    string
	callback Callback
}

type dropListener struct {
	id       Handle
	callback func(DroppedSend)
}

// registry fans envelopes out to subscribers by category and conversation
// scope. Dispatch iterates a snapshot, so registrations made or removed by a
// callback take effect from the next envelope on.
type registry struct {
	mu         sync.RWMutex
	seq        uint64
	byCategory map[Category][]*subscription
	byHandle   map[Handle]*subscription
	drops      []*dropListener

	logger  zerolog.Logger
	metrics *Metrics
}

func newRegistry(logger zerolog.Logger, metrics *Metrics) *registry {
	return &registry{
		byCategory: make(map[Category][]*subscription),
		byHandle:   make(map[Handle]*subscription),
		logger:     logger,
		metrics:    metrics,
	}
}

func (r *registry) add(category Category, scope string, cb Callback) Handle {
	if category != CategoryAny && !category.Known() {
		r.logger.Warn().Str("category", string(category)).Msg("subscribing to unknown category; only wildcard subscribers receive unknown envelopes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	sub := &subscription{
		id:       Handle(uuid.New().String()),
		seq:      r.seq,
		category: category,
		scope:    scope,
		callback: cb,
	}
	r.byCategory[category] = append(r.byCategory[category], sub)
	r.byHandle[sub.id] = sub
	return sub.id
}

func (r *registry) addDropListener(cb func(DroppedSend)) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := &dropListener{id: Handle(uuid.New().String()), callback: cb}
	r.drops = append(r.drops, l)
	return l.id
}

// remove forgets h. Unknown handles are ignored.
func (r *registry) remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.byHandle[h]; ok {
		delete(r.byHandle, h)
		subs := r.byCategory[sub.category]
		for i, s := range subs {
			if s == sub {
				// Copy so snapshots taken by in-flight dispatches stay intact.
				next := make([]*subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				next = append(next, subs[i+1:]...)
				if len(next) == 0 {
					delete(r.byCategory, sub.category)
				} else {
					r.byCategory[sub.category] = next
				}
				break
			}
		}
		return
	}

	for i, l := range r.drops {
		if l.id == h {
			next := make([]*dropListener, 0, len(r.drops)-1)
			next = append(next, r.drops[:i]...)
			r.drops = append(next, r.drops[i+1:]...)
			return
		}
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// matching returns the subscribers for env's category merged with the
// wildcard subscribers, in registration order. Malformed envelopes match the
// wildcard subscribers only.
func (r *registry) matching(env Envelope) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specific []*subscription
	if category := env.Type; category.Known() && !env.Malformed() {
		specific = r.byCategory[category]
	}
	wildcard := r.byCategory[CategoryAny]

	out := make([]*subscription, 0, len(specific)+len(wildcard))
	i, j := 0, 0
	for i < len(specific) || j < len(wildcard) {
		if j >= len(wildcard) || (i < len(specific) && specific[i].seq < wildcard[j].seq) {
			out = append(out, specific[i])
			i++
		} else {
			out = append(out, wildcard[j])
			j++
		}
	}
	return out
}

func (r *registry) dispatch(env Envelope) {
	subs := r.matching(env)
	if len(subs) == 0 {
		return
	}

	var (
		conversationID string
		resolved       bool
	)
	for _, sub := range subs {
		if sub.scope != "" && !env.Type.Lifecycle() {
			if !resolved {
				conversationID = env.ConversationID()
				resolved = true
			}
			if conversationID != sub.scope {
				continue
			}
		}
		r.invoke(sub, env)
	}
}

func (r *registry) invoke(sub *subscription, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.subscriberPanic()
			r.logger.Error().
				Str("panic", fmt.Sprint(p)).
				Str("category", string(env.Type)).
				Str("subscription", string(sub.id)).
				Msg("subscriber panicked")
		}
	}()
	sub.callback(env)
}

func (r *registry) notifyDropped(d DroppedSend) {
	r.mu.RLock()
	listeners := append([]*dropListener{}, r.drops...)
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.metrics.subscriberPanic()
					r.logger.Error().Str("panic", fmt.Sprint(p)).Msg("drop listener panicked")
				}
			}()
			l.callback(d)
		}()
	}
}
