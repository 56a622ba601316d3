package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/concent-network/concent/internal/queue"
	"github.com/concent-network/concent/internal/verification"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var eventFiles stringListFlag
	fs := flag.NewFlagSet("verification-callback", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", verification.TopicCallbacks, "callback topic")

	subtaskID := fs.String("subtask-id", "", "subtask the event is about")
	upload := fs.String("upload-finished", "", "report a finished upload: result|verification")
	verdict := fs.String("verdict", "", "report a verification verdict: MATCH|MISMATCH|ERROR")
	errorMessage := fs.String("error-message", "", "worker error message for an ERROR verdict")
	errorCode := fs.String("error-code", "", "worker error code for an ERROR verdict")
	fs.Var(&eventFiles, "event-file", "JSON event file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	events, err := collectEvents(eventOptions{
		SubtaskID:    strings.TrimSpace(*subtaskID),
		Upload:       strings.TrimSpace(*upload),
		Verdict:      strings.TrimSpace(*verdict),
		ErrorMessage: *errorMessage,
		ErrorCode:    *errorCode,
	}, eventFiles, stdin)
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	pub, err := verification.NewPublisher(producer, *topic)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, e := range events {
		if err := pub.Publish(ctx, e); err != nil {
			return fmt.Errorf("publish %s for %s: %w", e.Type, e.SubtaskID, err)
		}
	}
	return nil
}

type eventOptions struct {
	SubtaskID    string
	Upload       string
	Verdict      string
	ErrorMessage string
	ErrorCode    string
}

// collectEvents builds the event named by flags, or reads JSON events from
// files or stdin, one per file or line.
func collectEvents(o eventOptions, files []string, stdin io.Reader) ([]verification.Event, error) {
	if o.Upload != "" && o.Verdict != "" {
		return nil, errors.New("use only one of --upload-finished or --verdict")
	}
	if o.Upload != "" || o.Verdict != "" {
		if len(files) > 0 {
			return nil, errors.New("--event-file cannot be combined with --upload-finished or --verdict")
		}
		if o.SubtaskID == "" {
			return nil, errors.New("--subtask-id is required")
		}
		var e verification.Event
		if o.Upload != "" {
			e = verification.Event{Type: verification.EventUploadFinished, SubtaskID: o.SubtaskID, Upload: verification.UploadKind(o.Upload)}
		} else {
			r := verification.Result{
				SubtaskID:    o.SubtaskID,
				Verdict:      verification.Verdict(strings.ToUpper(o.Verdict)),
				ErrorMessage: o.ErrorMessage,
				ErrorCode:    o.ErrorCode,
			}
			e = verification.Event{Type: verification.EventVerificationResult, SubtaskID: o.SubtaskID, Result: &r}
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		return []verification.Event{e}, nil
	}

	payloads, err := loadPayloads(files, stdin)
	if err != nil {
		return nil, err
	}
	events := make([]verification.Event, 0, len(payloads))
	for _, p := range payloads {
		e, err := verification.ParseEvent(p)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func loadPayloads(files []string, stdin io.Reader) ([][]byte, error) {
	var payloads [][]byte
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read event file %q: %w", path, err)
		}
		if len(bytes.TrimSpace(b)) > 0 {
			payloads = append(payloads, b)
		}
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("an event is required via flags, --event-file, or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin events: %w", err)
	}
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			payloads = append(payloads, line)
		}
	}
	if len(payloads) == 0 {
		return nil, errors.New("an event is required via flags, --event-file, or stdin")
	}
	return payloads, nil
}
