package deskline

import "time"

// DropReason explains why a queued envelope was discarded.
type DropReason string

const (
	DropQueueFull DropReason = "queue_full"
	DropExpired   DropReason = "expired"
)

// DroppedSend is delivered to OnDropped listeners when an envelope accepted
// by Send will never be written.
type DroppedSend struct {
	Envelope   Envelope
	Reason     DropReason
	EnqueuedAt time.Time
}

type outboxEntry struct {
	envelope   Envelope
	enqueuedAt time.Time
}

// outbox is the bounded FIFO of envelopes waiting for a connection. When full,
// the oldest entry is evicted. It is not safe for concurrent use; the Gateway
// guards it with its outbound mutex.
type outbox struct {
	entries []outboxEntry
	limit   int
	ttl     time.Duration
}

func newOutbox(limit int, ttl time.Duration) *outbox {
	return &outbox{limit: limit, ttl: ttl}
}

func (o *outbox) len() int { return len(o.entries) }

// push appends env. The entry evicted to make room, if any, is returned.
func (o *outbox) push(env Envelope, now time.Time) (outboxEntry, bool) {
	var (
		evicted outboxEntry
		full    bool
	)
	if o.limit > 0 && len(o.entries) >= o.limit {
		evicted, full = o.entries[0], true
		o.entries[0] = outboxEntry{}
		o.entries = o.entries[1:]
	}
	o.entries = append(o.entries, outboxEntry{envelope: env, enqueuedAt: now})
	return evicted, full
}

// pushFront puts e back at the head of the queue. A full queue has no room
// for it, and e is returned as evicted instead.
func (o *outbox) pushFront(e outboxEntry) (outboxEntry, bool) {
	if o.limit > 0 && len(o.entries) >= o.limit {
		return e, true
	}
	o.entries = append([]outboxEntry{e}, o.entries...)
	return outboxEntry{}, false
}

func (o *outbox) peek() (outboxEntry, bool) {
	if len(o.entries) == 0 {
		return outboxEntry{}, false
	}
	return o.entries[0], true
}

func (o *outbox) pop() {
	if len(o.entries) == 0 {
		return
	}
	o.entries[0] = outboxEntry{}
	o.entries = o.entries[1:]
	if len(o.entries) == 0 {
		o.entries = nil
	}
}

// expire removes and returns the entries older than the TTL at now.
func (o *outbox) expire(now time.Time) []outboxEntry {
	if o.ttl <= 0 {
		return nil
	}
	n := 0
	for n < len(o.entries) && !now.Before(o.entries[n].enqueuedAt.Add(o.ttl)) {
		n++
	}
	if n == 0 {
		return nil
	}
	expired := append([]outboxEntry(nil), o.entries[:n]...)
	for i := 0; i < n; i++ {
		o.entries[i] = outboxEntry{}
	}
	o.entries = o.entries[n:]
	if len(o.entries) == 0 {
		o.entries = nil
	}
	return expired
}

// nextExpiry is when the oldest entry expires.
func (o *outbox) nextExpiry() (time.Time, bool) {
	if o.ttl <= 0 || len(o.entries) == 0 {
		return time.Time{}, false
	}
	return o.entries[0].enqueuedAt.Add(o.ttl), true
}
