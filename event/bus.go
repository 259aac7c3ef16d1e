package event

import (
	"sync"

	"github.com/harrisyn/LabAnalyzer/pkg/buffer"
)

// DefaultBufferSize bounds the central event ring; the oldest events are
// dropped when consumers fall behind.
const DefaultBufferSize = 1024

// subscriberQueueSize bounds each subscriber's delivery channel.
const subscriberQueueSize = 256

// Bus fans observer events out to subscribers. Publish never blocks the
// caller: events land in a bounded ring and a dispatcher goroutine delivers
// them. Slow subscribers lose their oldest undelivered events.
type Bus struct {
	ring   *buffer.CircularBuffer[Event]
	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus with the given ring capacity (DefaultBufferSize if
// size <= 0) and starts its dispatcher.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	ring, _ := buffer.NewCircularBuffer[Event](size)

	b := &Bus{
		ring:   ring,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[int]chan Event),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish enqueues an event without blocking. Events published after Close
// are discarded.
func (b *Bus) Publish(e Event) {
	if err := b.ring.Write(e); err != nil {
		return
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Subscribe registers a consumer. The returned cancel function must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberQueueSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Dropped returns the number of events lost to ring overflow.
func (b *Bus) Dropped() int64 {
	return b.ring.Stats().Dropped
}

// Close stops the dispatcher and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.ring.Close()
	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// dispatch drains the ring and delivers to subscribers, dropping each
// subscriber's oldest undelivered event when its queue is full.
func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			b.deliverPending()
			return
		case <-b.notify:
			b.deliverPending()
		}
	}
}

func (b *Bus) deliverPending() {
	for {
		batch := b.ring.ReadBatch(64)
		if len(batch) == 0 {
			return
		}

		b.mu.Lock()
		for _, e := range batch {
			for _, ch := range b.subs {
				select {
				case ch <- e:
				default:
					// Evict the oldest queued event, then retry once
					select {
					case <-ch:
					default:
					}
					select {
					case ch <- e:
					default:
					}
				}
			}
		}
		b.mu.Unlock()
	}
}
