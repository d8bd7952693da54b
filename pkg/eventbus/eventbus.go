// Package eventbus implements Fae's Event Bus: a broadcast channel with N
// concurrent subscribers, bounded per-subscriber queues, and the per-kind
// coalescing policy that keeps high-frequency event kinds (audio level
// meters, partial transcriptions, progress updates) from overrunning a slow
// subscriber.
//
// Publish never blocks on a subscriber. A subscriber whose queue saturates
// on a non-coalescing event has its entire backlog dropped (never the
// publishing event itself) and a diagnostic is logged; the bus keeps
// running for every other subscriber.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fae-run/fae-core/pkg/events"
)

// DefaultQueueCapacity is the per-subscriber backlog size used when
// Subscribe is called with capacity <= 0.
const DefaultQueueCapacity = 256

// Bus fans out RuntimeEvents to every live subscriber. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	dropped     atomic.Uint64
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[uint64]*subscriber)}
}

// Subscription is a live handle to the bus returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  uint64
	sub *subscriber
}

// Events returns the channel of delivered RuntimeEvents. It is closed after
// Close is called and the subscriber's backlog has drained.
func (s *Subscription) Events() <-chan events.RuntimeEvent {
	return s.sub.out
}

// Close unsubscribes and releases the subscriber's resources. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
	s.sub.close()
}

// Subscribe registers a new subscriber with the given backlog capacity
// (DefaultQueueCapacity if capacity <= 0) and returns a handle to its event
// stream.
func (b *Bus) Subscribe(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	sub := newSubscriber(capacity)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	return &Subscription{bus: b, id: id, sub: sub}
}

// Publish delivers event to every live subscriber. Non-blocking: a full,
// non-coalescible subscriber queue has its backlog dropped rather than
// stalling the publisher.
func (b *Bus) Publish(event events.RuntimeEvent) {
	key := coalesceKey(event)

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if dropped := sub.enqueue(event, key); dropped {
			b.dropped.Add(1)
			slog.Warn("eventbus: subscriber queue saturated, backlog dropped",
				"event_kind", event.Kind())
		}
	}
}

// DroppedBacklogs returns the cumulative number of times a subscriber's
// backlog was dropped due to saturation, across all subscribers.
func (b *Bus) DroppedBacklogs() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of currently live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// coalesceKey returns the coalescing key for event, or "" if event must
// never be coalesced and is always delivered in full, in order. Mirrors the
// Event Bus coalescing policy table: AssistantAudioLevel collapses to a
// single slot, partial Transcription collapses to a single slot, and
// RuntimeProgress collapses per stage.
func coalesceKey(event events.RuntimeEvent) string {
	switch ev := event.(type) {
	case events.AssistantAudioLevelEvent:
		return "audio_level"
	case events.TranscriptionEvent:
		if !ev.IsFinal {
			return "transcription_partial"
		}
		return ""
	case events.RuntimeProgressEvent:
		return "runtime_progress:" + ev.Stage
	default:
		return ""
	}
}

// subscriber holds one subscriber's bounded backlog and pumps it to an
// output channel at the consumer's own pace, decoupling a slow reader from
// the publisher.
type subscriber struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []events.RuntimeEvent
	capacity int
	closed   bool
	out      chan events.RuntimeEvent
}

func newSubscriber(capacity int) *subscriber {
	s := &subscriber{capacity: capacity, out: make(chan events.RuntimeEvent)}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- ev
	}
}

// enqueue adds event to the backlog, replacing any existing entry that
// shares coalesceKey (when non-empty) in place. When the backlog is full
// and event cannot be coalesced, the entire backlog is dropped and event
// becomes the sole entry; enqueue reports whether that happened.
func (s *subscriber) enqueue(event events.RuntimeEvent, coalesceKeyStr string) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	if coalesceKeyStr != "" {
		for i, q := range s.queue {
			if coalesceKey(q) == coalesceKeyStr {
				s.queue[i] = event
				s.cond.Signal()
				return false
			}
		}
	}

	if len(s.queue) >= s.capacity {
		s.queue = s.queue[:0]
		dropped = true
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
	return dropped
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}
