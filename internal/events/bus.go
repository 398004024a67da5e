// Package events provides the typed publish/subscribe hub at the center of
// the warden runtime. Every significant state change flows through the Bus;
// the event store, the provider health tracker, and external subscribers all
// attach here.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrOnceTimeout is returned by Once when no matching event arrives in time.
	ErrOnceTimeout = errors.New("timed out waiting for event")
)

// DefaultPauseBuffer bounds the number of events held while the bus is paused.
const DefaultPauseBuffer = 1000

// Event is an immutable record published on the bus.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionKey string         `json:"session_key,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Handler receives events. Handlers run inline on the publisher: Publish
// returns only after every matching handler has returned. A panicking
// handler is recovered and logged; it never aborts other handlers.
type Handler func(Event)

// FilterFunc restricts which events a subscription sees.
type FilterFunc func(Event) bool

// Meta carries the optional context attached to a published event.
type Meta struct {
	SessionKey string
	Channel    string
}

type subscription struct {
	id      int
	typ     EventType // "" = all types
	handler Handler
	filter  FilterFunc
}

// Bus is the process-wide event hub.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscription
	nextID  int
	paused  bool
	buffer  *RingBuffer
	lastTS  time.Time
	history *RingBuffer
}

var eventIDCounter uint64

// NewBus creates a bus with the default pause buffer size.
func NewBus() *Bus {
	return NewBusBuffered(DefaultPauseBuffer)
}

// NewBusBuffered creates a bus whose pause buffer holds at most size events.
func NewBusBuffered(size int) *Bus {
	if size <= 0 {
		size = DefaultPauseBuffer
	}
	return &Bus{
		subs:    make(map[int]*subscription),
		buffer:  NewRingBuffer(size),
		history: NewRingBuffer(size),
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscribe registers a handler for one event type, with optional filters.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(t EventType, h Handler, filters ...FilterFunc) func() {
	return b.add(t, h, composeFilters(filters))
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler, filters ...FilterFunc) func() {
	return b.add("", h, composeFilters(filters))
}

func (b *Bus) add(t EventType, h Handler, filter FilterFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{id: id, typ: t, handler: h, filter: filter}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish materializes an event (fresh id, monotonic timestamp) and
// dispatches it to every matching subscriber in registration order. While
// the bus is paused the event is buffered instead, oldest dropped first.
// The materialized event is returned either way.
func (b *Bus) Publish(t EventType, payload map[string]any, meta ...Meta) Event {
	var m Meta
	if len(meta) > 0 {
		m = meta[0]
	}

	b.mu.Lock()
	ts := time.Now()
	if !ts.After(b.lastTS) {
		ts = b.lastTS.Add(time.Nanosecond)
	}
	b.lastTS = ts

	e := Event{
		ID:         generateEventID(),
		Type:       t,
		Timestamp:  ts,
		SessionKey: m.SessionKey,
		Channel:    m.Channel,
		Payload:    payload,
	}
	b.history.Add(e)

	if b.paused {
		b.buffer.Add(e)
		b.mu.Unlock()
		return e
	}
	targets := b.matching(e)
	b.mu.Unlock()

	dispatch(e, targets)
	return e
}

// PublishTyped publishes a typed payload under its own event type.
func (b *Bus) PublishTyped(p EventPayload, meta ...Meta) Event {
	return b.Publish(p.EventType(), toMap(p), meta...)
}

// matching returns matching subscriptions in registration order.
// Caller must hold b.mu.
func (b *Bus) matching(e Event) []*subscription {
	var targets []*subscription
	for id := 0; id < b.nextID; id++ {
		sub, ok := b.subs[id]
		if !ok {
			continue
		}
		if sub.typ != "" && sub.typ != e.Type {
			continue
		}
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		targets = append(targets, sub)
	}
	return targets
}

func dispatch(e Event, targets []*subscription) {
	for _, sub := range targets {
		invoke(sub, e)
	}
}

func invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", e.Type, "event_id", e.ID, "panic", r)
		}
	}()
	sub.handler(e)
}

// Pause buffers subsequent publishes until Resume.
func (b *Bus) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// Resume flushes buffered events in publish order and re-enables dispatch.
func (b *Bus) Resume() {
	b.mu.Lock()
	b.paused = false
	buffered := b.buffer.Drain()

	type flushItem struct {
		e       Event
		targets []*subscription
	}
	items := make([]flushItem, 0, len(buffered))
	for _, e := range buffered {
		items = append(items, flushItem{e: e, targets: b.matching(e)})
	}
	b.mu.Unlock()

	for _, it := range items {
		dispatch(it.e, it.targets)
	}
}

// Once blocks until the next event of type t matching filter arrives, or
// fails with ErrOnceTimeout after timeout. A zero or negative timeout waits
// forever. A nil filter matches every event of the type.
func (b *Bus) Once(t EventType, filter FilterFunc, timeout time.Duration) (Event, error) {
	ch := make(chan Event, 1)
	var once sync.Once
	unsub := b.Subscribe(t, func(e Event) {
		once.Do(func() { ch <- e })
	}, composeFilters([]FilterFunc{filter}))
	defer unsub()

	if timeout <= 0 {
		return <-ch, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-ch:
		return e, nil
	case <-timer.C:
		return Event{}, ErrOnceTimeout
	}
}

// Filter returns a view of the bus restricted by pred; subscriptions made
// through the view compose pred with their own filters.
func (b *Bus) Filter(pred FilterFunc) *View {
	return &View{bus: b, pred: pred}
}

// History returns up to limit recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Get(limit)
}

// View is a filtered window onto a Bus.
type View struct {
	bus  *Bus
	pred FilterFunc
}

// Subscribe registers a handler for one type; the view predicate applies
// before any additional filters.
func (v *View) Subscribe(t EventType, h Handler, filters ...FilterFunc) func() {
	all := append([]FilterFunc{v.pred}, filters...)
	return v.bus.Subscribe(t, h, all...)
}

// SubscribeAll registers a handler for every type passing the view predicate.
func (v *View) SubscribeAll(h Handler, filters ...FilterFunc) func() {
	all := append([]FilterFunc{v.pred}, filters...)
	return v.bus.SubscribeAll(h, all...)
}

func composeFilters(filters []FilterFunc) FilterFunc {
	var active []FilterFunc
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}
	if len(active) == 1 {
		return active[0]
	}
	return func(e Event) bool {
		for _, f := range active {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// RingBuffer is a bounded circular buffer; when full the oldest entry is
// dropped on Add.
type RingBuffer struct {
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a ring buffer holding at most size events.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{events: make([]Event, size), size: size}
}

// Add appends an event, evicting the oldest when full.
func (r *RingBuffer) Add(e Event) {
	r.events[r.pos] = e
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// Get returns up to n of the most recent events, oldest first.
func (r *RingBuffer) Get(n int) []Event {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}

// Drain returns all buffered events oldest first and empties the buffer.
func (r *RingBuffer) Drain() []Event {
	out := r.Get(r.count)
	r.pos = 0
	r.count = 0
	return out
}
