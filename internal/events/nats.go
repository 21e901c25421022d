package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/dual-engine/internal/model"
)

const (
	// StreamName is the JetStream stream holding engine events.
	StreamName = "DUAL_ENGINE_EVENTS"

	// SubjectPrefix is followed by the event type and, when known, the
	// market address: dual.events.{type}[.{market}].
	SubjectPrefix = "dual.events"
)

// NATSPublisher forwards events to JetStream. Publish only enqueues; Run
// drains the queue so a slow broker never stalls the engine.
type NATSPublisher struct {
	js     jetstream.JetStream
	queue  chan model.Event
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher with a queue of size buffer.
func NewNATSPublisher(js jetstream.JetStream, buffer int, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, queue: make(chan model.Event, buffer), logger: logger}
}

func (p *NATSPublisher) Publish(_ context.Context, ev model.Event) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("nats event queue full, dropping event", "type", ev.Type, "event_id", ev.ID)
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				// Non-fatal: events are also retained by the store and hub.
				p.logger.Warn("nats publish failed", "type", ev.Type, "event_id", ev.ID, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(ev), data)
	return err
}

// Subject returns the JetStream subject for ev.
func Subject(ev model.Event) string {
	subject := SubjectPrefix + "." + string(ev.Type)
	if ev.Market != nil {
		subject += "." + strings.ToLower(ev.Market.Hex())
	}
	return subject
}

// EnsureStream creates or updates the engine event stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}
