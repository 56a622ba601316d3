// Package verification carries disputed results to the rendering worker and
// brings its verdicts and upload notices back to the arbiter.
package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("verification: invalid config")
	ErrInvalidEvent  = errors.New("verification: invalid event")
)

const (
	TopicOrders    = "concent.verification.orders"
	TopicCallbacks = "concent.verification.callbacks"
)

type Verdict string

const (
	VerdictMatch    Verdict = "MATCH"
	VerdictMismatch Verdict = "MISMATCH"
	VerdictError    Verdict = "ERROR"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictMatch, VerdictMismatch, VerdictError:
		return true
	default:
		return false
	}
}

// Order asks the worker to render the disputed frames and compare them with
// the provider's result.
type Order struct {
	SubtaskID      string `json:"subtask_id"`
	SourceLocation string `json:"source_location"`
	SourceSize     uint64 `json:"source_size"`
	SourceHash     string `json:"source_hash"`
	ResultLocation string `json:"result_location"`
	ResultSize     uint64 `json:"result_size"`
	ResultHash     string `json:"result_hash"`
	OutputFormat   string `json:"output_format"`
	SceneFile      string `json:"scene_file"`
	// Deadline is unix seconds.
	Deadline int64 `json:"deadline"`
	Frames   []int `json:"frames"`
}

func (o Order) Validate() error {
	if strings.TrimSpace(o.SubtaskID) == "" {
		return fmt.Errorf("%w: order without subtask id", ErrInvalidEvent)
	}
	if o.SourceLocation == "" || o.ResultLocation == "" {
		return fmt.Errorf("%w: order %s without package locations", ErrInvalidEvent, o.SubtaskID)
	}
	if o.Deadline <= 0 {
		return fmt.Errorf("%w: order %s without deadline", ErrInvalidEvent, o.SubtaskID)
	}
	if len(o.Frames) == 0 {
		return fmt.Errorf("%w: order %s without frames", ErrInvalidEvent, o.SubtaskID)
	}
	return nil
}

// Result is the worker's verdict for one order.
type Result struct {
	SubtaskID    string  `json:"subtask_id"`
	Verdict      Verdict `json:"result"`
	ErrorMessage string  `json:"error_message,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
}

func (r Result) Validate() error {
	if strings.TrimSpace(r.SubtaskID) == "" {
		return fmt.Errorf("%w: result without subtask id", ErrInvalidEvent)
	}
	if !r.Verdict.Valid() {
		return fmt.Errorf("%w: result %s: unknown verdict %q", ErrInvalidEvent, r.SubtaskID, r.Verdict)
	}
	return nil
}

// UploadKind tells which transfer an upload notice completes.
type UploadKind string

const (
	// UploadResult completes a forced result transfer.
	UploadResult UploadKind = "result"
	// UploadVerification completes the file transfer for additional verification.
	UploadVerification UploadKind = "verification"
)

// EventType discriminates callback envelopes.
type EventType string

const (
	EventUploadFinished     EventType = "upload_finished"
	EventVerificationResult EventType = "verification_result"
)

// Event is one record on the callback topic.
type Event struct {
	Type      EventType  `json:"type"`
	SubtaskID string     `json:"subtask_id"`
	Upload    UploadKind `json:"upload,omitempty"`
	Result    *Result    `json:"result,omitempty"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.SubtaskID) == "" {
		return fmt.Errorf("%w: event without subtask id", ErrInvalidEvent)
	}
	switch e.Type {
	case EventUploadFinished:
		if e.Upload != UploadResult && e.Upload != UploadVerification {
			return fmt.Errorf("%w: unknown upload kind %q", ErrInvalidEvent, e.Upload)
		}
		if e.Result != nil {
			return fmt.Errorf("%w: upload event carries a result", ErrInvalidEvent)
		}
		return nil
	case EventVerificationResult:
		if e.Result == nil {
			return fmt.Errorf("%w: verification event without result", ErrInvalidEvent)
		}
		if e.Result.SubtaskID != e.SubtaskID {
			return fmt.Errorf("%w: result for %s in event for %s", ErrInvalidEvent, e.Result.SubtaskID, e.SubtaskID)
		}
		return e.Result.Validate()
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
}

// ParseEvent decodes and validates a callback record. Unknown fields are rejected.
func ParseEvent(b []byte) (Event, error) {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	var e Event
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
