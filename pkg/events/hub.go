// Package events fans out robot events to in-process subscribers, which the
// daemon streams to clients as server-sent events.
package events

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// subscription matches events by name. An empty filter matches everything.
// A filter ending in "." matches every event of that family, so "program."
// selects program.state, program.obstacle and program.maneuver.
type subscription struct {
	names   []string
	dropped int
}

func (s *subscription) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	for _, n := range s.names {
		if n == name || (strings.HasSuffix(n, ".") && strings.HasPrefix(name, n)) {
			return true
		}
	}
	return false
}

type EventHub struct {
	mu   sync.RWMutex
	subs map[chan Event]*subscription
}

func NewEventHub() *EventHub { return &EventHub{subs: make(map[chan Event]*subscription)} }

// Subscribe returns a buffered channel receiving the events matching names,
// or every event when names is empty.
func (h *EventHub) Subscribe(names ...string) chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = &subscription{names: names}
	h.mu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[ch]
	if !ok {
		return
	}
	if sub.dropped > 0 {
		logrus.WithField("dropped", sub.dropped).Debug("subscriber missed events")
	}
	delete(h.subs, ch)
	close(ch)
}

// Subscribers returns the number of live subscriptions.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish encodes payload once and offers it to every matching subscriber.
// A subscriber whose buffer is full misses the event. Publish is safe on a
// nil hub.
func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("event", name).Warn("failed to encode event")
		return
	}
	msg := Event{Name: name, Data: b}

	// dropped is written under the write lock.
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for ch, sub := range h.subs {
		if !sub.wants(name) {
			continue
		}
		select {
		case ch <- msg:
			delivered++
		default:
			sub.dropped++
		}
	}
	logrus.WithFields(logrus.Fields{
		"event":     name,
		"delivered": delivered,
	}).Trace("event published")
}
