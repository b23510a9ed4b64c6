package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultKeepaliveInterval is how often idle subscribers receive a
// keepalive event.
const DefaultKeepaliveInterval = 30 * time.Second

// Broadcaster fans events out to subscribers keyed by execution ID.
// Publishing never blocks: a subscriber whose buffer is full loses the
// event, and the loss is surfaced on its next keepalive.
type Broadcaster struct {
	logger *slog.Logger

	mutex       sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{} // executionID → subscriber set
	closed      bool

	seq            atomic.Uint64
	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize        int
	keepaliveInterval time.Duration
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BroadcasterOption {
	return func(b *Broadcaster) { b.bufferSize = size }
}

// WithKeepaliveInterval sets the keepalive period. Zero disables
// broadcaster-driven keepalives.
func WithKeepaliveInterval(interval time.Duration) BroadcasterOption {
	return func(b *Broadcaster) { b.keepaliveInterval = interval }
}

// NewBroadcaster creates an event broadcaster.
func NewBroadcaster(logger *slog.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		logger:            logger,
		subscribers:       map[string]map[*Subscriber]struct{}{},
		bufferSize:        DefaultBufferSize,
		keepaliveInterval: DefaultKeepaliveInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers an observer for one execution's events. The
// returned subscriber immediately receives a connected event and then
// everything published for that execution until Unsubscribe or Close.
func (b *Broadcaster) Subscribe(executionID string) *Subscriber {
	sub := newSubscriber(executionID, b.bufferSize)

	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		sub.close()
		return sub
	}
	set, ok := b.subscribers[executionID]
	if !ok {
		set = map[*Subscriber]struct{}{}
		b.subscribers[executionID] = set
	}
	set[sub] = struct{}{}
	b.mutex.Unlock()

	connected := NewConnected(executionID)
	connected.Seq = b.seq.Add(1)
	sub.send(connected)

	if b.keepaliveInterval > 0 {
		go b.keepaliveLoop(sub)
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mutex.Lock()
	if set, ok := b.subscribers[sub.executionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subscribers, sub.executionID)
		}
	}
	b.mutex.Unlock()
	sub.close()
}

// Publish delivers an event to every subscriber of its execution. It
// assigns the event's sequence number and returns without waiting on any
// subscriber.
func (b *Broadcaster) Publish(event *Event) {
	event.Seq = b.seq.Add(1)

	b.mutex.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers[event.ExecutionID]))
	for sub := range b.subscribers[event.ExecutionID] {
		subs = append(subs, sub)
	}
	b.mutex.RUnlock()

	for _, sub := range subs {
		if sub.send(event) {
			b.totalPublished.Add(1)
		} else {
			b.totalDropped.Add(1)
		}
	}
}

// Close shuts down all subscribers. Publish becomes a no-op.
func (b *Broadcaster) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	var all []*Subscriber
	for _, set := range b.subscribers {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subscribers = map[string]map[*Subscriber]struct{}{}
	b.mutex.Unlock()

	for _, sub := range all {
		sub.close()
	}
	b.logger.Debug("event broadcaster closed",
		"published", b.totalPublished.Load(),
		"dropped", b.totalDropped.Load())
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mutex.RLock()
	count := 0
	for _, set := range b.subscribers {
		count += len(set)
	}
	b.mutex.RUnlock()
	return Stats{
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// Stats contains broadcaster counters.
type Stats struct {
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

func (b *Broadcaster) keepaliveLoop(sub *Subscriber) {
	ticker := time.NewTicker(b.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			keepalive := NewKeepalive(sub.executionID, sub.takeDropped())
			keepalive.Seq = b.seq.Add(1)
			if !sub.send(keepalive) {
				b.totalDropped.Add(1)
			}
		}
	}
}

// Subscriber receives one execution's events on a buffered channel.
type Subscriber struct {
	executionID string
	ch          chan *Event
	done        chan struct{}
	dropped     atomic.Int64

	// mu guards ch against a send racing the close.
	mu     sync.RWMutex
	closed bool
}

func newSubscriber(executionID string, bufferSize int) *Subscriber {
	return &Subscriber{
		executionID: executionID,
		ch:          make(chan *Event, bufferSize),
		done:        make(chan struct{}),
	}
}

// ExecutionID returns the execution this subscriber observes.
func (s *Subscriber) ExecutionID() string { return s.executionID }

// C returns the read-only event channel. It is closed when the
// subscriber is removed or the broadcaster shuts down.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Done is closed when the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped returns how many events this subscriber has lost since the
// counter was last drained by a keepalive.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// send attempts a non-blocking delivery. A full buffer or a closed
// subscriber counts as a drop.
func (s *Subscriber) send(event *Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscriber) takeDropped() int64 {
	return s.dropped.Swap(0)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}
