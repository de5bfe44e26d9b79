// Package bus is the in-process event fan-out. Every subscriber owns a
// bounded inbox; when one is full the publisher waits briefly for the
// subscriber to drain, then the subscriber loses its oldest event rather than
// stalling the publisher any longer.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/safeguardhq/safeguard/internal/event"
	"github.com/safeguardhq/safeguard/internal/metrics"
	"github.com/safeguardhq/safeguard/internal/store"
)

const (
	inboxSize = 1024

	// How long a publisher waits on a full inbox before evicting, and how
	// often it re-checks while waiting.
	fullInboxWait = 100 * time.Millisecond
	fullInboxPoll = 5 * time.Millisecond
)

// Bus routes events to subscriptions by topic.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	log    *slog.Logger
}

func New(log *slog.Logger) *Bus {
	return &Bus{
		subs: make(map[string]map[*Subscription]struct{}),
		log:  log.With("component", "bus"),
	}
}

// Subscription is one subscriber's bounded inbox.
type Subscription struct {
	bus        *Bus
	topics     []string
	overflowed atomic.Bool

	mu     sync.Mutex // guards ch close against concurrent deliver
	ch     chan event.Event
	closed bool
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Subscribe registers an inbox for the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	s := &Subscription{
		bus:    b,
		topics: topics,
		ch:     make(chan event.Event, inboxSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.shutdown()
		return s
	}
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[*Subscription]struct{})
		}
		b.subs[t][s] = struct{}{}
	}
	return s
}

// Events is the subscriber's receive channel. It is closed when the
// subscription or the bus closes.
func (s *Subscription) Events() <-chan event.Event { return s.ch }

// TookOverflow reports and clears the overflow flag. A subscriber that sees
// true has lost events since it last checked and should tell its client.
func (s *Subscription) TookOverflow() bool {
	return s.overflowed.Swap(false)
}

// Close unsubscribes and closes the inbox.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	for _, t := range s.topics {
		delete(b.subs[t], s)
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
	b.mu.Unlock()
	s.shutdown()
}

// Publish fans ev out to every subscription matching any of its topics. A
// subscription matching several topics receives the event once.
func (b *Bus) Publish(ev event.Event) {
	if ev.Occurred.IsZero() {
		ev.Occurred = time.Now().UTC()
	}
	metrics.BusPublished.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make(map[*Subscription]string)
	for _, t := range ev.Topics {
		for s := range b.subs[t] {
			if _, seen := targets[s]; !seen {
				targets[s] = t
			}
		}
	}
	b.mu.RUnlock()

	for s, topic := range targets {
		s.deliver(ev, topic)
	}
}

// deliver enqueues ev, giving a full inbox a short grace to drain before
// evicting the oldest queued event. The wait polls under the lock so a close
// cannot race the send.
func (s *Subscription) deliver(ev event.Event, topic string) {
	deadline := time.Now().Add(fullInboxWait)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		select {
		case s.ch <- ev:
			s.mu.Unlock()
			return
		default:
		}
		if time.Now().After(deadline) {
			break
		}
		s.mu.Unlock()
		time.Sleep(fullInboxPoll)
	}

	// Still full: make room, then retry once. Losing the retry race just
	// means the newest event is the one dropped.
	select {
	case <-s.ch:
	default:
	}
	s.overflowed.Store(true)
	metrics.BusDropped.WithLabelValues(topic).Inc()
	select {
	case s.ch <- ev:
	default:
	}
	s.mu.Unlock()
}

// Close shuts the bus down and closes all inboxes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*Subscription]struct{})
	for _, set := range b.subs {
		for s := range set {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			s.shutdown()
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}

// NotificationFor builds the durable row for a user-targeted event. Engines
// insert it in the same transaction as the state change, then publish the
// event after commit.
func NotificationFor(ev event.Event, retention time.Duration) *store.Notification {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	now := ev.Occurred
	if now.IsZero() {
		now = time.Now().UTC()
	}
	expires := now.Add(retention)
	return &store.Notification{
		ID:         uuid.NewString(),
		UserID:     ev.Recipient,
		BuildingID: ev.Building,
		Type:       string(ev.Type),
		Title:      ev.Title,
		Body:       ev.Body,
		Payload:    payload,
		Priority:   string(ev.Priority),
		CreatedAt:  now,
		ExpiresAt:  &expires,
	}
}
