package deskline

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageEnvelope(t *testing.T, conversationID string) Envelope {
	t.Helper()
	env, err := NewEnvelope(CategoryNewMessage, MessagePayload{ConversationID: conversationID, Content: "hello"})
	require.NoError(t, err)
	return env
}

func TestRegistry_CategoryAndScope(t *testing.T) {
	r := newRegistry(zerolog.Nop(), nil)

	var all, scoped, other []string
	r.add(CategoryNewMessage, "", func(env Envelope) { all = append(all, env.ConversationID()) })
	r.add(CategoryNewMessage, "c1", func(env Envelope) { scoped = append(scoped, env.ConversationID()) })
	r.add(CategoryStatusUpdate, "", func(env Envelope) { other = append(other, env.ConversationID()) })

	r.dispatch(messageEnvelope(t, "c1"))
	r.dispatch(messageEnvelope(t, "c2"))
	r.dispatch(Envelope{Type: CategoryNewMessage})

	assert.Equal(t, []string{"c1", "c2", ""}, all)
	assert.Equal(t, []string{"c1"}, scoped)
	assert.Empty(t, other)
}

func TestRegistry_LifecycleIgnoresScope(t *testing.T) {
	r := newRegistry(zerolog.Nop(), nil)

	calls := 0
	r.add(CategoryConnection, "c1", func(Envelope) { calls++ })
	env, err := NewEnvelope(CategoryConnection, ConnectionPayload{Status: StateConnected})
	require.NoError(t, err)

	r.dispatch(env)
	assert.Equal(t, 1, calls)
}

func TestRegistry_WildcardAndUnknownCategories(t *testing.T) {
	r := newRegistry(zerolog.Nop(), nil)

	var order []string
	r.add(CategoryNewMessage, "", func(Envelope) { order = append(order, "specific-1") })
	r.add(CategoryAny, "", func(env Envelope) { order = append(order, "any:"+string(env.Type)) })
	r.add(CategoryNewMessage, "", func(Envelope) { order = append(order, "specific-2") })
	r.add(Category("sla_breach"), "", func(Envelope) { order = append(order, "never") })

	r.dispatch(messageEnvelope(t, "c1"))
	r.dispatch(Envelope{Type: "sla_breach", Data: []byte(`{"conversationId":"c1"}`)})

	assert.Equal(t, []string{"specific-1", "any:new_message", "specific-2", "any:sla_breach"}, order)
}

func TestRegistry_PanickingSubscriberIsIsolated(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	r := newRegistry(zerolog.Nop(), metrics)

	reached := false
	r.add(CategoryNewMessage, "", func(Envelope) { panic("bad subscriber") })
	r.add(CategoryNewMessage, "", func(Envelope) { reached = true })

	require.NotPanics(t, func() { r.dispatch(messageEnvelope(t, "c1")) })
	assert.True(t, reached)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SubscriberPanics))
}

func TestRegistry_ChangesDuringDispatchApplyToNextEnvelope(t *testing.T) {
	r := newRegistry(zerolog.Nop(), nil)

	var (
		log    []string
		second Handle
	)
	r.add(CategoryNewMessage, "", func(Envelope) {
		log = append(log, "first")
		r.remove(second)
		r.add(CategoryNewMessage, "", func(Envelope) { log = append(log, "added") })
	})
	second = r.add(CategoryNewMessage, "", func(Envelope) { log = append(log, "second") })

	r.dispatch(messageEnvelope(t, "c1"))
	assert.Equal(t, []string{"first", "second"}, log)

	log = nil
	r.dispatch(messageEnvelope(t, "c1"))
	assert.Equal(t, []string{"first", "added"}, log)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := newRegistry(zerolog.Nop(), nil)

	calls := 0
	h := r.add(CategoryNewMessage, "", func(Envelope) { calls++ })
	require.Equal(t, 1, r.len())

	r.remove(h)
	r.remove(h)
	r.remove("no-such-handle")
	r.dispatch(messageEnvelope(t, "c1"))

	assert.Zero(t, calls)
	assert.Zero(t, r.len())
}

func TestRegistry_DropListeners(t *testing.T) {
	r := newRegistry(zerolog.Nop(), nil)

	var got []DropReason
	h := r.addDropListener(func(d DroppedSend) { got = append(got, d.Reason) })
	r.addDropListener(func(DroppedSend) { panic("listener") })

	r.notifyDropped(DroppedSend{Reason: DropExpired})
	r.remove(h)
	r.notifyDropped(DroppedSend{Reason: DropQueueFull})

	assert.Equal(t, []DropReason{DropExpired}, got)
}
