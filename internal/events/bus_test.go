package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceAgent, KindTurnStart, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Recent(); got != nil {
		t.Errorf("Recent() on nil bus = %v, want nil", got)
	}
}

func TestEmitStampsUTC(t *testing.T) {
	b := New(0)
	fixed := time.Date(2026, 5, 6, 7, 8, 9, 0, time.FixedZone("X", -7200))
	b.now = func() time.Time { return fixed }
	ch := b.Subscribe(1, false)
	defer b.Unsubscribe(ch)

	b.Emit(SourceLeads, KindLeadLogged, map[string]any{"lead_id": "l1"})

	select {
	case got := <-ch:
		if !got.Timestamp.Equal(fixed) || got.Timestamp.Location() != time.UTC {
			t.Errorf("timestamp = %v, want %v in UTC", got.Timestamp, fixed)
		}
		if got.Source != SourceLeads || got.Kind != KindLeadLogged || got.Data["lead_id"] != "l1" {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New(0)
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8, false)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	b.Publish(Event{Source: SourceAgent, Kind: KindToolCall})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindToolCall {
				t.Errorf("subscriber %d: got %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New(0)
	ch := b.Subscribe(1, false)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got %v", evt)
	default:
	}
}

func TestRecentWrapsOldestFirst(t *testing.T) {
	b := New(3)
	for _, k := range []string{"a", "b"} {
		b.Publish(Event{Kind: k})
	}
	if got := kinds(b.Recent()); got != "ab" {
		t.Errorf("Recent before wrap = %q, want ab", got)
	}
	for _, k := range []string{"c", "d", "e"} {
		b.Publish(Event{Kind: k})
	}
	if got := kinds(b.Recent()); got != "cde" {
		t.Errorf("Recent after wrap = %q, want cde", got)
	}
}

func TestSubscribeReplay(t *testing.T) {
	b := New(4)
	for _, k := range []string{"a", "b", "c"} {
		b.Publish(Event{Kind: k})
	}

	ch := b.Subscribe(2, true)
	defer b.Unsubscribe(ch)
	b.Publish(Event{Kind: "live"})

	// Only the newest two replayed events fit; the live one is dropped.
	got := kinds([]Event{<-ch, <-ch})
	if got != "bc" {
		t.Errorf("replay = %q, want bc", got)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event %v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(0)
	ch := b.Subscribe(8, false)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	b.Unsubscribe(ch)
	if b.SubscriberCount() != 0 {
		t.Errorf("count = %d, want 0", b.SubscriberCount())
	}
	b.Publish(Event{Kind: KindTurnComplete})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New(DefaultHistory)
	const publishers = 10
	const eventsPerPublisher = 100

	ch := b.Subscribe(64, false)
	var drain sync.WaitGroup
	drain.Add(1)
	go func() {
		defer drain.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range publishers {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range eventsPerPublisher {
				b.Emit(SourceAgent, KindLLMCall, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	pubWg.Wait()
	b.Unsubscribe(ch)
	drain.Wait()

	if got := len(b.Recent()); got != DefaultHistory {
		t.Errorf("Recent len = %d, want %d", got, DefaultHistory)
	}
}

func kinds(es []Event) string {
	var s string
	for _, e := range es {
		s += e.Kind
	}
	return s
}
