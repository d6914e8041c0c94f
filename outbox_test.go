package deskline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(id int) Envelope {
	return Envelope{Type: CategoryNewMessage, Data: []byte(fmt.Sprintf(`{"id":"%d","conversationId":"c1"}`, id))}
}

func TestOutbox_DropsOldestWhenFull(t *testing.T) {
	o := newOutbox(3, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, full := o.push(testEnvelope(i), now)
		assert.False(t, full)
	}
	evicted, full := o.push(testEnvelope(3), now)
	require.True(t, full)
	assert.Equal(t, testEnvelope(0), evicted.envelope)
	assert.Equal(t, 3, o.len())

	var ids []string
	for o.len() > 0 {
		e, ok := o.peek()
		require.True(t, ok)
		ids = append(ids, string(e.envelope.Data))
		o.pop()
	}
	assert.Equal(t, []string{
		string(testEnvelope(1).Data),
		string(testEnvelope(2).Data),
		string(testEnvelope(3).Data),
	}, ids)

	_, ok := o.peek()
	assert.False(t, ok)
	o.pop()
}

func TestOutbox_Expire(t *testing.T) {
	o := newOutbox(10, time.Minute)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	o.push(testEnvelope(0), start)
	o.push(testEnvelope(1), start.Add(30*time.Second))
	o.push(testEnvelope(2), start.Add(45*time.Second))

	at, ok := o.nextExpiry()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), at)

	assert.Empty(t, o.expire(start.Add(59*time.Second)))

	expired := o.expire(start.Add(90 * time.Second))
	require.Len(t, expired, 2)
	assert.Equal(t, testEnvelope(0), expired[0].envelope)
	assert.Equal(t, start.Add(30*time.Second), expired[1].enqueuedAt)
	assert.Equal(t, 1, o.len())

	at, ok = o.nextExpiry()
	require.True(t, ok)
	assert.Equal(t, start.Add(105*time.Second), at)

	o.expire(start.Add(time.Hour))
	_, ok = o.nextExpiry()
	assert.False(t, ok)
}

func TestOutbox_NoTTL(t *testing.T) {
	o := newOutbox(2, 0)
	o.push(testEnvelope(0), time.Time{})
	assert.Empty(t, o.expire(time.Now()))
	_, ok := o.nextExpiry()
	assert.False(t, ok)
}

func TestOutbox_PushFront(t *testing.T) {
	o := newOutbox(2, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	o.push(testEnvelope(0), now)
	head, _ := o.peek()
	o.pop()
	o.push(testEnvelope(1), now.Add(time.Second))

	_, full := o.pushFront(head)
	require.False(t, full)
	e, _ := o.peek()
	assert.Equal(t, testEnvelope(0), e.envelope)
	assert.Equal(t, now, e.enqueuedAt)
	assert.Equal(t, 2, o.len())

	evicted, full := o.pushFront(outboxEntry{envelope: testEnvelope(9), enqueuedAt: now})
	require.True(t, full)
	assert.Equal(t, testEnvelope(9), evicted.envelope)
	assert.Equal(t, 2, o.len())
}
