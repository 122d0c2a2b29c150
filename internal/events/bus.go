// Package events broadcasts turn progress to live observers such as the
// /v1/events WebSocket. Publishing never blocks: a subscriber whose
// buffer is full misses events. A nil *Bus accepts every call and does
// nothing, so components publish without guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent   = "agent"
	SourceLeads   = "leads"
	SourceProfile = "profile"
	SourceBackend = "backend"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// KindTurnStart: turn_id, session_id, recruiter_intent.
	KindTurnStart = "turn_start"
	// KindLLMCall: turn_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse: turn_id, iter, model, tokens_in, tokens_out,
	// action.
	KindLLMResponse = "llm_response"
	// KindToolCall: turn_id, iter, tool.
	KindToolCall = "tool_call"
	// KindToolDone: turn_id, tool, ok, duration_ms, error_kind.
	KindToolDone = "tool_done"
	// KindLeadLogged: turn_id, lead_id, company, role.
	KindLeadLogged = "lead_logged"
	// KindTurnComplete: turn_id, outcome, iterations, lead_logged,
	// elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindProfileReloaded: path, reason.
	KindProfileReloaded = "profile_reloaded"
	// KindBackendStatus: service, ready, error.
	KindBackendStatus = "backend_status"
)

// DefaultHistory is how many recent events a new subscriber can replay.
const DefaultHistory = 32

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a broadcast bus with a small replay ring.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event

	ring []Event
	next int
	full bool

	now func() time.Time
}

// New creates a bus that remembers the last history events. A history of
// zero disables replay.
func New(history int) *Bus {
	if history < 0 {
		history = 0
	}
	return &Bus{
		subs: make(map[<-chan Event]chan Event),
		ring: make([]Event, history),
		now:  time.Now,
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: b.now().UTC(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber that has room and records it in
// the replay ring.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) > 0 {
		b.ring[b.next] = e
		b.next = (b.next + 1) % len(b.ring)
		if b.next == 0 {
			b.full = true
		}
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns the remembered events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked()
}

func (b *Bus) recentLocked() []Event {
	if !b.full {
		return append([]Event(nil), b.ring[:b.next]...)
	}
	out := make([]Event, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	return append(out, b.ring[:b.next]...)
}

// Subscribe returns a channel of future events. When replay is true the
// channel is primed with recent events that fit in bufSize. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, replay bool) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if replay {
		recent := b.recentLocked()
		if len(recent) > bufSize {
			recent = recent[len(recent)-bufSize:]
		}
		for _, e := range recent {
			ch <- e
		}
	}
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Repeat
// calls are no-ops.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
