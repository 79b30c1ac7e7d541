package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Type      string            `json:"type"`
	Message   string            `json:"msg"`
	Queue     string            `json:"queue,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Event types emitted by workers.
const (
	TypeClaimed   = "task_claimed"
	TypeFinished  = "task_finished"
	TypeRetried   = "task_retried"
	TypeCanceled  = "task_canceled"
	TypeReclaimed = "task_reclaimed"
	TypeFault     = "task_fault"
	TypeLostRace  = "finalize_lost"
	TypeCorrupt   = "task_corrupt"
	TypeWorker    = "worker"
)

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Fanout delivers every event to each publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(event Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(event)
		}
	}
}

// Broker keeps the most recent events in a ring and pushes new ones to
// in-process subscribers. A subscriber that falls behind loses events rather
// than stalling publishers.
type Broker struct {
	mu   sync.Mutex
	ring []Event
	next int
	full bool
	subs map[*Subscription]struct{}
}

// Subscription receives matching events on C. Backlog holds the matching
// buffered events from before Subscribe returned, oldest first.
type Subscription struct {
	C       <-chan Event
	Backlog []Event

	ch      chan Event
	match   func(Event) bool
	dropped atomic.Int64
	broker  *Broker
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		ring: make([]Event, bufferSize),
		subs: make(map[*Subscription]struct{}),
	}
}

func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.next] = event
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	for sub := range b.subs {
		if sub.match != nil && !sub.match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers for events accepted by match; nil accepts all.
func (b *Broker) Subscribe(match func(Event) bool) *Subscription {
	if b == nil {
		return &Subscription{}
	}
	ch := make(chan Event, defaultSubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, match: match, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range b.buffered() {
		if match == nil || match(event) {
			sub.Backlog = append(sub.Backlog, event)
		}
	}
	b.subs[sub] = struct{}{}
	return sub
}

// buffered returns the ring contents oldest first. Callers hold mu.
func (b *Broker) buffered() []Event {
	if !b.full {
		return append([]Event(nil), b.ring[:b.next]...)
	}
	return append(append([]Event(nil), b.ring[b.next:]...), b.ring[:b.next]...)
}

// Dropped counts events this subscriber missed because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	if s.broker == nil {
		return
	}
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
}
