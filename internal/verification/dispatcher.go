package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/concent-network/concent/internal/queue"
)

// Dispatcher publishes verification orders for the rendering workers, keyed
// by subtask id.
type Dispatcher struct {
	producer queue.Producer
	topic    string
	log      *slog.Logger
}

func NewDispatcher(p queue.Producer, topic string, log *slog.Logger) (*Dispatcher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if topic = strings.TrimSpace(topic); topic == "" {
		topic = TopicOrders
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{producer: p, topic: topic, log: log}, nil
}

func (d *Dispatcher) OrderVerification(ctx context.Context, o Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("verification: marshal order: %w", err)
	}
	if err := d.producer.Publish(ctx, d.topic, []byte(o.SubtaskID), b); err != nil {
		return fmt.Errorf("verification: publish order %s: %w", o.SubtaskID, err)
	}
	d.log.Info("verification ordered", "subtask_id", o.SubtaskID, "frames", len(o.Frames), "deadline", o.Deadline)
	return nil
}

// Publisher writes callback events. Rendering workers report verdicts with
// it; the storage side reports finished uploads.
type Publisher struct {
	producer queue.Producer
	topic    string
}

func NewPublisher(p queue.Producer, topic string) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	if topic = strings.TrimSpace(topic); topic == "" {
		topic = TopicCallbacks
	}
	return &Publisher{producer: p, topic: topic}, nil
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("verification: marshal event: %w", err)
	}
	return p.producer.Publish(ctx, p.topic, []byte(e.SubtaskID), b)
}

func (p *Publisher) UploadFinished(ctx context.Context, subtaskID string, kind UploadKind) error {
	return p.Publish(ctx, Event{Type: EventUploadFinished, SubtaskID: subtaskID, Upload: kind})
}

func (p *Publisher) ReportResult(ctx context.Context, r Result) error {
	return p.Publish(ctx, Event{Type: EventVerificationResult, SubtaskID: r.SubtaskID, Result: &r})
}
