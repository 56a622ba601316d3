package subtask

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/concent-network/concent/internal/message"
)

var (
	ErrInvalidSubtask    = errors.New("subtask: invalid subtask")
	ErrInvalidTransition = errors.New("subtask: invalid transition")
)

// Role names one stored message slot of a subtask.
type Role uint8

const (
	RoleTaskToCompute Role = iota + 1
	RoleReportComputedTask
	RoleAckReportComputedTask
	RoleRejectReportComputedTask
	RoleSubtaskResultsAccepted
	RoleSubtaskResultsRejected
	RoleForceGetTaskResult
)

var AllRoles = []Role{
	RoleTaskToCompute,
	RoleReportComputedTask,
	RoleAckReportComputedTask,
	RoleRejectReportComputedTask,
	RoleSubtaskResultsAccepted,
	RoleSubtaskResultsRejected,
	RoleForceGetTaskResult,
}

func (r Role) String() string {
	switch r {
	case RoleTaskToCompute:
		return "task_to_compute"
	case RoleReportComputedTask:
		return "report_computed_task"
	case RoleAckReportComputedTask:
		return "ack_report_computed_task"
	case RoleRejectReportComputedTask:
		return "reject_report_computed_task"
	case RoleSubtaskResultsAccepted:
		return "subtask_results_accepted"
	case RoleSubtaskResultsRejected:
		return "subtask_results_rejected"
	case RoleForceGetTaskResult:
		return "force_get_task_result"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Kind is the message kind stored under r.
func (r Role) Kind() message.Kind {
	switch r {
	case RoleTaskToCompute:
		return message.KindTaskToCompute
	case RoleReportComputedTask:
		return message.KindReportComputedTask
	case RoleAckReportComputedTask:
		return message.KindAckReportComputedTask
	case RoleRejectReportComputedTask:
		return message.KindRejectReportComputedTask
	case RoleSubtaskResultsAccepted:
		return message.KindSubtaskResultsAccepted
	case RoleSubtaskResultsRejected:
		return message.KindSubtaskResultsRejected
	case RoleForceGetTaskResult:
		return message.KindForceGetTaskResult
	default:
		return message.KindUnknown
	}
}

// MessageRefs holds stored message ids per role. Zero means unset.
type MessageRefs struct {
	TaskToCompute            int64
	ReportComputedTask       int64
	AckReportComputedTask    int64
	RejectReportComputedTask int64
	SubtaskResultsAccepted   int64
	SubtaskResultsRejected   int64
	ForceGetTaskResult       int64
}

func (r MessageRefs) Get(role Role) int64 {
	switch role {
	case RoleTaskToCompute:
		return r.TaskToCompute
	case RoleReportComputedTask:
		return r.ReportComputedTask
	case RoleAckReportComputedTask:
		return r.AckReportComputedTask
	case RoleRejectReportComputedTask:
		return r.RejectReportComputedTask
	case RoleSubtaskResultsAccepted:
		return r.SubtaskResultsAccepted
	case RoleSubtaskResultsRejected:
		return r.SubtaskResultsRejected
	case RoleForceGetTaskResult:
		return r.ForceGetTaskResult
	default:
		return 0
	}
}

func (r *MessageRefs) Set(role Role, id int64) {
	switch role {
	case RoleTaskToCompute:
		r.TaskToCompute = id
	case RoleReportComputedTask:
		r.ReportComputedTask = id
	case RoleAckReportComputedTask:
		r.AckReportComputedTask = id
	case RoleRejectReportComputedTask:
		r.RejectReportComputedTask = id
	case RoleSubtaskResultsAccepted:
		r.SubtaskResultsAccepted = id
	case RoleSubtaskResultsRejected:
		r.SubtaskResultsRejected = id
	case RoleForceGetTaskResult:
		r.ForceGetTaskResult = id
	}
}

// Subtask is one unit of computation tracked through dispute and settlement.
type Subtask struct {
	TaskID    string
	SubtaskID string

	Provider  message.PublicKey
	Requestor message.PublicKey

	State State
	// NextDeadline is zero exactly when State is passive.
	NextDeadline time.Time

	ComputationDeadline time.Time
	ResultPackageSize   uint64

	Messages MessageRefs

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Transition moves s to state to, checking the transition table and the
// deadline invariant. Stored messages are checked by Validate.
func (s *Subtask) Transition(to State, deadline time.Time) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s (subtask %s)", ErrInvalidTransition, s.State, to, s.SubtaskID)
	}
	if to.IsActive() && deadline.IsZero() {
		return fmt.Errorf("%w: %s requires a deadline (subtask %s)", ErrInvalidTransition, to, s.SubtaskID)
	}
	if to.IsPassive() {
		deadline = time.Time{}
	}
	s.State = to
	s.NextDeadline = deadline.UTC()
	if deadline.IsZero() {
		s.NextDeadline = time.Time{}
	}
	return nil
}

func (s Subtask) Validate() error {
	if strings.TrimSpace(s.TaskID) == "" || strings.TrimSpace(s.SubtaskID) == "" {
		return fmt.Errorf("%w: missing task or subtask id", ErrInvalidSubtask)
	}
	if s.Provider.IsZero() || s.Requestor.IsZero() {
		return fmt.Errorf("%w: missing client", ErrInvalidSubtask)
	}
	if s.Provider == s.Requestor {
		return fmt.Errorf("%w: provider and requestor are the same client", ErrInvalidSubtask)
	}
	if !s.State.IsActive() && !s.State.IsPassive() {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidSubtask, s.State)
	}
	if s.State.IsActive() == s.NextDeadline.IsZero() {
		return fmt.Errorf("%w: state %s with next deadline %v", ErrInvalidSubtask, s.State, s.NextDeadline)
	}
	for _, role := range requiredRoles[s.State] {
		if s.Messages.Get(role) == 0 {
			return fmt.Errorf("%w: state %s requires %s", ErrInvalidSubtask, s.State, role)
		}
	}
	for _, role := range forbiddenRoles[s.State] {
		if s.Messages.Get(role) != 0 {
			return fmt.Errorf("%w: state %s forbids %s", ErrInvalidSubtask, s.State, role)
		}
	}
	if s.Messages.AckReportComputedTask != 0 && s.Messages.RejectReportComputedTask != 0 {
		return fmt.Errorf("%w: both ack and reject of the report are stored", ErrInvalidSubtask)
	}
	return nil
}

// Expired reports whether an active subtask's deadline has passed at now.
func (s Subtask) Expired(now time.Time) bool {
	return s.State.IsActive() && !s.NextDeadline.IsZero() && now.After(s.NextDeadline)
}
