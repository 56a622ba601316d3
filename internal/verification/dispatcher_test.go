package verification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type published struct {
	topic   string
	key     string
	payload []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: string(key), payload: append([]byte(nil), payload...)})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func testOrder() Order {
	return Order{
		SubtaskID:      "sub-1",
		SourceLocation: "blender/source/task/task.sub-1.zip",
		SourceSize:     10,
		SourceHash:     "sha3:aa",
		ResultLocation: "blender/result/task/task.sub-1.zip",
		ResultSize:     20,
		ResultHash:     "sha3:bb",
		OutputFormat:   "PNG",
		SceneFile:      "/golem/resources/scene.blend",
		Deadline:       1770638400,
		Frames:         []int{1, 2},
	}
}

func TestDispatcher_PublishesKeyedOrder(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{}
	d, err := NewDispatcher(p, "", nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if err := d.OrderVerification(context.Background(), testOrder()); err != nil {
		t.Fatalf("OrderVerification: %v", err)
	}
	if len(p.msgs) != 1 {
		t.Fatalf("published %d records", len(p.msgs))
	}
	got := p.msgs[0]
	if got.topic != TopicOrders || got.key != "sub-1" {
		t.Fatalf("topic/key: %s %s", got.topic, got.key)
	}
	var o Order
	if err := json.Unmarshal(got.payload, &o); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if o.SceneFile != "/golem/resources/scene.blend" || len(o.Frames) != 2 || o.Deadline != 1770638400 {
		t.Fatalf("order: %+v", o)
	}
}

func TestDispatcher_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewDispatcher(nil, "", nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	p := &fakeProducer{}
	d, err := NewDispatcher(p, "orders", nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	bad := testOrder()
	bad.Frames = nil
	if err := d.OrderVerification(context.Background(), bad); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if len(p.msgs) != 0 {
		t.Fatalf("invalid order published")
	}

	p.err = errors.New("broker down")
	if err := d.OrderVerification(context.Background(), testOrder()); !errors.Is(err, p.err) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestPublisher_Events(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{}
	pub, err := NewPublisher(p, "")
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	ctx := context.Background()
	if err := pub.UploadFinished(ctx, "sub-1", UploadVerification); err != nil {
		t.Fatalf("UploadFinished: %v", err)
	}
	if err := pub.ReportResult(ctx, Result{SubtaskID: "sub-1", Verdict: VerdictMismatch}); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if err := pub.ReportResult(ctx, Result{SubtaskID: "sub-1", Verdict: "?"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if len(p.msgs) != 2 {
		t.Fatalf("published %d records", len(p.msgs))
	}
	for _, m := range p.msgs {
		if m.topic != TopicCallbacks || m.key != "sub-1" {
			t.Fatalf("topic/key: %s %s", m.topic, m.key)
		}
		if _, err := ParseEvent(m.payload); err != nil {
			t.Fatalf("published event does not parse: %v", err)
		}
	}
}
