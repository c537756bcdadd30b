// Package streaming provides in-memory pub/sub for research pipeline events,
// with per-trace replay buffers and an optional Redis Streams mirror.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fathomlab/fathom/internal/models"
)

// Event is one streamed research event plus delivery bookkeeping. Seq is
// assigned at publish time and is the SSE Last-Event-ID replay cursor.
type Event struct {
	TraceID   string      `json:"trace_id"`
	Type      string      `json:"type"`
	Step      string      `json:"step"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
}

// Marshal returns the event JSON for SSE data lines.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Research converts to the wire-level research event shape.
func (e Event) Research() models.ResearchEvent {
	return models.ResearchEvent{Type: e.Type, Step: e.Step, Data: e.Data, Timestamp: e.Timestamp}
}

// Manager fans events out to subscribers keyed by trace ID.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	retention   time.Duration
	mirror      Mirror
}

var (
	defaultMgr       *Manager
	once             sync.Once
	defaultCapacity  = 256
	defaultRetention = 5 * time.Minute
)

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity)
	})
	return defaultMgr
}

// NewManager builds a manager with the given replay buffer capacity per trace.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retention:   defaultRetention,
	}
}

// SetRetention sets how long a finished trace's replay buffer survives after
// its terminal event before being released.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// SetMirror attaches a best-effort external mirror for published events.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for a trace. The caller must drain the
// channel and call Unsubscribe when done.
func (m *Manager) Subscribe(traceID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[traceID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[traceID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(traceID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[traceID]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, traceID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, and fans
// it out without blocking. Slow subscribers lose progress events; error and
// final_report events evict the oldest queued event instead of being dropped,
// so every stream terminates.
func (m *Manager) Publish(traceID string, evt models.ResearchEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	event := Event{
		TraceID:   traceID,
		Type:      evt.Type,
		Step:      evt.Step,
		Data:      evt.Data,
		Timestamp: evt.Timestamp,
	}

	m.mu.Lock()
	rg := m.history[traceID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[traceID] = rg
	}
	event.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(event)
	subs := m.subscribers[traceID]
	mirror := m.mirror
	retention := m.retention
	m.mu.Unlock()

	// The run is over once a terminal event lands. Keep the buffer around
	// briefly for reconnect replay, then let it go.
	if isTerminal(event.Type) {
		time.AfterFunc(retention, func() { m.Release(traceID) })
	}

	for ch := range subs {
		select {
		case ch <- event:
		default:
			if isTerminal(event.Type) {
				// Make room; the terminal event must arrive.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- event:
				default:
				}
			}
		}
	}
	if mirror != nil {
		mirror.Append(traceID, event)
	}
}

func isTerminal(eventType string) bool {
	return eventType == models.EventError || eventType == models.EventFinalReport
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// the ring capacity.
func (m *Manager) ReplaySince(traceID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[traceID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Release drops the replay buffer for a finished trace.
func (m *Manager) Release(traceID string) {
	m.mu.Lock()
	delete(m.history, traceID)
	m.mu.Unlock()
}

// ring is a fixed-capacity replay buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
