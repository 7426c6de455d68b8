package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBusClosed is returned by [Bus.Publish] after [Bus.Close] has been called.
var ErrBusClosed = errors.New("event: bus closed")

// defaultBusCapacity is the pending-event threshold above which coalescing
// kicks in.
const defaultBusCapacity = 256

// Bus is the per-session ordered event channel. Producers publish with
// [Bus.Publish]; the single consumer (the session controller) reads from
// [Bus.Events].
//
// Delivery is at-least-once. Ordering within one producer follows submission
// order; across producers, pending events are merged by session timestamp
// with ties broken by producer rank. Under backpressure the oldest
// CODE_CHANGED events are coalesced away — their payloads are superseded by
// newer snapshots — while every other kind is retained unconditionally.
//
// All methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	seqs   map[Producer]uint64
	lastT  time.Time
	closed bool

	capacity  int
	coalesced uint64
	now       func() time.Time

	out    chan Event
	notify chan struct{}
}

// BusOption configures a [Bus] during construction.
type BusOption func(*Bus)

// WithBusCapacity sets the pending-event threshold above which CODE_CHANGED
// coalescing starts. The default is 256.
func WithBusCapacity(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithClock overrides the bus clock. Intended for tests.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates a Bus and starts its dispatch goroutine. The caller must
// call [Bus.Close] when the session ends.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		seqs:     make(map[Producer]uint64),
		capacity: defaultBusCapacity,
		now:      time.Now,
		out:      make(chan Event),
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatch()
	return b
}

// Publish stamps payload with the producer's next sequence number and the
// current session timestamp, then enqueues it for delivery. The payload is
// marshalled to JSON at publish time so later mutation by the producer cannot
// leak into the event stream.
//
// Returns the stamped event, or an error if the payload cannot be marshalled
// or the bus is closed.
func (b *Bus) Publish(producer Producer, kind Kind, payload any) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("event: marshal %s payload: %w", kind, err)
		}
		raw = data
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrBusClosed
	}

	// Session timestamps are non-decreasing even if the wall clock steps back.
	t := b.now().UTC()
	if t.Before(b.lastT) {
		t = b.lastT
	}
	b.lastT = t

	b.seqs[producer]++
	ev := Event{
		T:        t,
		Producer: producer,
		Seq:      b.seqs[producer],
		Kind:     kind,
		Payload:  raw,
	}

	b.insertLocked(ev)
	if len(b.queue) > b.capacity {
		b.coalesceLocked()
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return ev, nil
}

// Events returns the delivery channel. It is closed after [Bus.Close] once
// all pending events have been drained.
func (b *Bus) Events() <-chan Event {
	return b.out
}

// Coalesced returns how many CODE_CHANGED events were dropped under
// backpressure so far.
func (b *Bus) Coalesced() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coalesced
}

// Close stops accepting publishes. Pending events are still delivered; the
// channel returned by [Bus.Events] is closed once the queue is drained.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// insertLocked places ev into the pending queue keeping it sorted by
// (timestamp, producer rank). Events normally arrive in timestamp order, so
// the scan starts from the back. Must be called with b.mu held.
func (b *Bus) insertLocked(ev Event) {
	i := len(b.queue)
	for i > 0 {
		prev := b.queue[i-1]
		if prev.T.Before(ev.T) {
			break
		}
		if prev.T.Equal(ev.T) && prev.Producer.Rank() <= ev.Producer.Rank() {
			break
		}
		i--
	}
	b.queue = append(b.queue, Event{})
	copy(b.queue[i+1:], b.queue[i:])
	b.queue[i] = ev
}

// coalesceLocked drops the oldest CODE_CHANGED event from the pending queue.
// Critical kinds are never dropped: when no CODE_CHANGED is pending the queue
// simply grows past capacity. Must be called with b.mu held.
func (b *Bus) coalesceLocked() {
	for i, ev := range b.queue {
		if ev.Kind == KindCodeChanged {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.coalesced++
			return
		}
	}
}

// dispatch delivers queued events to the consumer in merge order. The head
// is re-evaluated whenever a new event is published, so an event that sorts
// earlier than the currently offered one still wins if the consumer has not
// received yet.
func (b *Bus) dispatch() {
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.notify
			continue
		}
		ev := b.queue[0]
		b.mu.Unlock()

		select {
		case b.out <- ev:
			b.removeDelivered(ev)
		case <-b.notify:
			// Re-evaluate the head.
		}
	}
}

// removeDelivered drops the delivered event from the pending queue. The
// event may have shifted position (or been coalesced away) while the send
// was in flight, so it is located by (producer, seq).
func (b *Bus) removeDelivered(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.queue {
		if b.queue[i].Producer == ev.Producer && b.queue[i].Seq == ev.Seq {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}
