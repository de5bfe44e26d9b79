package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/safeguardhq/safeguard/internal/event"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drain(s *Subscription) []event.Event {
	var out []event.Event
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	alice := b.Subscribe(event.UserTopic("alice"), event.BuildingTopic("b1"))
	bob := b.Subscribe(event.UserTopic("bob"), event.BuildingTopic("b1"))
	guard := b.Subscribe(event.RoleTopic("security", "b1"))

	b.Publish(event.Event{Type: event.TypeVisitCreated, Topics: []string{event.UserTopic("alice"), event.BuildingTopic("b1")}})
	b.Publish(event.Event{Type: event.TypeVisitorBanned, Topics: []string{event.RoleTopic("security", "b1")}})

	if got := drain(alice); len(got) != 1 || got[0].Type != event.TypeVisitCreated {
		t.Fatalf("alice: %+v", got)
	}
	if got := drain(bob); len(got) != 1 {
		t.Fatalf("bob should see the building event once: %+v", got)
	}
	if got := drain(guard); len(got) != 1 || got[0].Type != event.TypeVisitorBanned {
		t.Fatalf("guard: %+v", got)
	}
}

func TestPublishDedupesAcrossTopics(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	s := b.Subscribe(event.UserTopic("alice"), event.BuildingTopic("b1"))
	b.Publish(event.Event{Type: event.TypeVisitCreated, Topics: []string{event.UserTopic("alice"), event.BuildingTopic("b1")}})

	if got := drain(s); len(got) != 1 {
		t.Fatalf("want exactly one delivery, got %d", len(got))
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	s := b.Subscribe("t")
	for i := 0; i < inboxSize+5; i++ {
		b.Publish(event.Event{Type: event.TypeVisitCreated, Topics: []string{"t"}, Payload: i})
	}

	if !s.TookOverflow() {
		t.Fatal("overflow flag should be set")
	}
	if s.TookOverflow() {
		t.Fatal("TookOverflow must clear the flag")
	}

	got := drain(s)
	if len(got) != inboxSize {
		t.Fatalf("inbox should hold %d events, got %d", inboxSize, len(got))
	}
	// The oldest events were evicted; the newest survived.
	if last := got[len(got)-1].Payload.(int); last != inboxSize+4 {
		t.Fatalf("newest event should survive, tail payload %v", last)
	}
	if first := got[0].Payload.(int); first == 0 {
		t.Fatal("oldest event should have been evicted")
	}
}

func TestPublishWaitsForSlowConsumer(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	s := b.Subscribe("t")
	for i := 0; i < inboxSize; i++ {
		b.Publish(event.Event{Type: event.TypeVisitCreated, Topics: []string{"t"}, Payload: i})
	}

	done := make(chan struct{})
	go func() {
		b.Publish(event.Event{Type: event.TypeVisitCreated, Topics: []string{"t"}, Payload: inboxSize})
		close(done)
	}()

	// Free one slot while the publisher is inside its grace window; nothing
	// should be dropped.
	time.Sleep(20 * time.Millisecond)
	<-s.Events()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not complete after the inbox drained")
	}
	if s.TookOverflow() {
		t.Fatal("no overflow expected when the consumer drains in time")
	}
	got := drain(s)
	if len(got) != inboxSize {
		t.Fatalf("want %d queued events, got %d", inboxSize, len(got))
	}
	if last := got[len(got)-1].Payload.(int); last != inboxSize {
		t.Fatalf("waited publish should land last, tail payload %v", last)
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	s := b.Subscribe("t")
	s.Close()
	s.Close() // idempotent

	// Publishing after close must not panic or deliver.
	b.Publish(event.Event{Type: event.TypeVisitCreated, Topics: []string{"t"}})
	if _, ok := <-s.Events(); ok {
		t.Fatal("channel should be closed and empty")
	}
}

func TestBusCloseClosesInboxes(t *testing.T) {
	b := newTestBus()
	s := b.Subscribe("t")
	b.Close()
	b.Close() // idempotent

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("inbox not closed")
	}

	// Subscribing after close yields an already-closed inbox.
	late := b.Subscribe("t")
	if _, ok := <-late.Events(); ok {
		t.Fatal("late subscription should be closed")
	}
	b.Publish(event.Event{Type: event.TypeVisitCreated, Topics: []string{"t"}})
}

func TestNotificationFor(t *testing.T) {
	now := time.Now().UTC()
	ev := event.Event{
		Type:      event.TypeVisitCreated,
		Occurred:  now,
		Durable:   true,
		Recipient: "u1",
		Building:  "b1",
		Title:     "Visit created",
		Body:      "Your visit is ready",
		Priority:  event.PriorityMedium,
		Payload:   map[string]string{"visit_id": "v1"},
	}
	n := NotificationFor(ev, 30*24*time.Hour)
	if n.UserID != "u1" || n.BuildingID != "b1" || n.Type != "visit.created" {
		t.Fatalf("notification: %+v", n)
	}
	if n.ExpiresAt == nil || !n.ExpiresAt.Equal(now.Add(30*24*time.Hour)) {
		t.Fatalf("expires_at: %v", n.ExpiresAt)
	}
	if string(n.Payload) != `{"visit_id":"v1"}` {
		t.Fatalf("payload: %s", n.Payload)
	}
}
