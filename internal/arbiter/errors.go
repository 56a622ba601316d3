package arbiter

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("arbiter: invalid config")
	// ErrMaxRetries is returned when a row stayed locked through every retry.
	ErrMaxRetries = errors.New("arbiter: max retries exceeded")
	// ErrSettling means another session holds the subtask's settle claim.
	ErrSettling = errors.New("arbiter: settlement in progress")
)

// Code is a stable machine-readable error code returned to clients.
type Code string

const (
	CodeMessageInvalid       Code = "message.invalid"
	CodeMessageUnknown       Code = "message.unknown"
	CodeMessageUnexpected    Code = "message.unexpected"
	CodeSignatureWrong       Code = "message.signature_wrong"
	CodeMessagesNotIdentical Code = "messages.not_identical"
	CodeSubtaskNotFound      Code = "subtask.not_found"
	CodeSubtaskStateError    Code = "subtask.state_error"
	CodeTimeExceeded         Code = "time.exceeded"
	CodePaymentInvalid       Code = "payment.invalid"
	CodeSoftShutdown         Code = "concent.soft_shutdown"
)

// Error is a validation failure reported to the sending client. Nothing was
// persisted when a handler returns one.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("arbiter: %s", e.Code)
	}
	return fmt.Sprintf("arbiter: %s: %s", e.Code, e.Detail)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf returns the client-facing code of err, or "" for internal errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
