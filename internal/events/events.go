// Package events fans observable engine events out to monitoring sinks:
// an in-memory recorder, a WebSocket hub and a NATS JetStream stream.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/dual-engine/internal/model"
)

// Publisher receives engine events. Publish must not block the caller on
// a slow sink; sinks drop or log on failure rather than return errors.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// Stamp fills in the id and timestamp of ev when they are unset.
func Stamp(ev model.Event, now time.Time) model.Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	return ev
}

// Multi publishes to every sink in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev model.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, model.Event) {}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
