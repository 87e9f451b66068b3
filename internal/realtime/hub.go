// Package realtime fans appointment changes out to live WebSocket subscribers.
// Delivery is best-effort: a subscriber whose buffer is full misses the
// message and is expected to re-sync through the list endpoint.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mosabry99/ClinicWave/internal/metrics"
)

// Event types pushed to subscribers.
const (
	EventCreated       = "created"
	EventUpdated       = "updated"
	EventStatusChanged = "statusChanged"
)

// Event is the message written to subscribers. AppointmentID is repeated
// outside Data so clients can route without decoding the payload.
type Event struct {
	Type          string          `json:"type"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	ClinicID      uuid.UUID       `json:"clinic_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Scope selects subscribers. On a subscription, empty DoctorIDs means the
// whole clinic. On a publish, DoctorIDs lists every doctor the change
// touches, so a doctor move reaches both the old and the new doctor.
type Scope struct {
	ClinicID  uuid.UUID   `json:"clinic_id"`
	DoctorIDs []uuid.UUID `json:"doctor_ids,omitempty"`
}

// receives reports whether a subscription with scope s gets a message
// published to target.
func (s Scope) receives(target Scope) bool {
	if s.ClinicID != target.ClinicID {
		return false
	}
	if len(s.DoctorIDs) == 0 {
		return true
	}
	for _, mine := range s.DoctorIDs {
		for _, theirs := range target.DoctorIDs {
			if mine == theirs {
				return true
			}
		}
	}
	return false
}

// Publisher delivers an event to every subscriber in scope.
type Publisher interface {
	Publish(ctx context.Context, scope Scope, ev Event) error
}

type Subscription struct {
	ID    string
	Scope Scope

	send chan []byte
	hub  *Hub
	once sync.Once
}

// C yields encoded events. It is closed when the subscription is released.
func (s *Subscription) C() <-chan []byte {
	return s.send
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is the per-instance subscription registry, keyed by clinic.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	total  int
	buffer int

	metrics *metrics.Scheduling
}

func NewHub(buffer int, m *metrics.Scheduling) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:    make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: m,
	}
}

func (h *Hub) Subscribe(scope Scope) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Scope: scope,
		send:  make(chan []byte, h.buffer),
		hub:   h,
	}

	h.mu.Lock()
	if h.subs[scope.ClinicID] == nil {
		h.subs[scope.ClinicID] = make(map[*Subscription]struct{})
	}
	h.subs[scope.ClinicID][sub] = struct{}{}
	h.total++
	n := h.total
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.Scope.ClinicID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			h.total--
			if len(set) == 0 {
				delete(h.subs, sub.Scope.ClinicID)
			}
		}
	}
	// Closed under the write lock so Publish never sends on a closed channel.
	close(sub.send)
	n := h.total
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
}

// Publish never blocks on a slow subscriber.
func (h *Hub) Publish(_ context.Context, scope Scope, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[scope.ClinicID] {
		if !sub.Scope.receives(scope) {
			continue
		}
		select {
		case sub.send <- data:
			h.metrics.ObserveBroadcast(ev.Type, "delivered")
		default:
			h.metrics.ObserveBroadcast(ev.Type, "dropped")
		}
	}
	return nil
}

// SubscriberCount returns the number of open subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// ClinicCount returns the number of subscriptions for one clinic.
func (h *Hub) ClinicCount(clinicID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[clinicID])
}
