package subtask

import "fmt"

type State uint8

const (
	// StateNone is the synthetic source state of a subtask that does not exist yet.
	StateNone State = iota
	StateForcingReport
	StateReported
	StateForcingResultTransfer
	StateResultUploaded
	StateForcingAcceptance
	StateRejected
	StateVerificationFileTransfer
	StateAdditionalVerification
	StateAccepted
	StateFailed
)

// AllStates lists every persisted state. StateNone is not persisted.
var AllStates = []State{
	StateForcingReport,
	StateReported,
	StateForcingResultTransfer,
	StateResultUploaded,
	StateForcingAcceptance,
	StateRejected,
	StateVerificationFileTransfer,
	StateAdditionalVerification,
	StateAccepted,
	StateFailed,
}

// ActiveStates carry a deadline and resolve themselves when it passes.
var ActiveStates = []State{
	StateForcingReport,
	StateForcingResultTransfer,
	StateForcingAcceptance,
	StateVerificationFileTransfer,
	StateAdditionalVerification,
}

var PassiveStates = []State{
	StateReported,
	StateResultUploaded,
	StateRejected,
	StateAccepted,
	StateFailed,
}

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateForcingReport:
		return "FORCING_REPORT"
	case StateReported:
		return "REPORTED"
	case StateForcingResultTransfer:
		return "FORCING_RESULT_TRANSFER"
	case StateResultUploaded:
		return "RESULT_UPLOADED"
	case StateForcingAcceptance:
		return "FORCING_ACCEPTANCE"
	case StateRejected:
		return "REJECTED"
	case StateVerificationFileTransfer:
		return "VERIFICATION_FILE_TRANSFER"
	case StateAdditionalVerification:
		return "ADDITIONAL_VERIFICATION"
	case StateAccepted:
		return "ACCEPTED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if st.String() == s {
			return st, nil
		}
	}
	return StateNone, fmt.Errorf("%w: unknown state %q", ErrInvalidSubtask, s)
}

func (s State) IsActive() bool {
	for _, st := range ActiveStates {
		if st == s {
			return true
		}
	}
	return false
}

func (s State) IsPassive() bool {
	for _, st := range PassiveStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsFinal reports whether nothing can transition away from s.
func (s State) IsFinal() bool {
	return s == StateAccepted || s == StateFailed
}
