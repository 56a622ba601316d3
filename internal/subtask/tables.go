package subtask

import (
	"errors"
	"fmt"
)

// transitions maps a target state to the source states allowed to move into it.
var transitions = map[State][]State{
	StateForcingReport:            {StateNone},
	StateReported:                 {StateForcingReport},
	StateForcingResultTransfer:    {StateNone, StateForcingReport, StateReported},
	StateResultUploaded:           {StateForcingResultTransfer},
	StateForcingAcceptance:        {StateNone, StateForcingReport, StateReported, StateResultUploaded},
	StateRejected:                 {StateForcingAcceptance},
	StateVerificationFileTransfer: {StateNone, StateForcingReport, StateReported, StateResultUploaded, StateRejected},
	StateAdditionalVerification:   {StateVerificationFileTransfer},
	StateAccepted:                 {StateForcingAcceptance, StateAdditionalVerification},
	StateFailed:                   {StateForcingReport, StateForcingResultTransfer, StateVerificationFileTransfer, StateAdditionalVerification},
}

// requiredRoles lists the messages that must be stored in each state.
var requiredRoles = map[State][]Role{
	StateForcingReport:            {RoleTaskToCompute, RoleReportComputedTask},
	StateReported:                 {RoleTaskToCompute, RoleReportComputedTask},
	StateForcingResultTransfer:    {RoleTaskToCompute, RoleReportComputedTask, RoleForceGetTaskResult},
	StateResultUploaded:           {RoleTaskToCompute, RoleReportComputedTask},
	StateForcingAcceptance:        {RoleTaskToCompute, RoleReportComputedTask},
	StateRejected:                 {RoleTaskToCompute, RoleReportComputedTask, RoleSubtaskResultsRejected},
	StateVerificationFileTransfer: {RoleTaskToCompute, RoleReportComputedTask, RoleSubtaskResultsRejected},
	StateAdditionalVerification:   {RoleTaskToCompute, RoleReportComputedTask, RoleSubtaskResultsRejected},
	StateAccepted:                 {RoleTaskToCompute, RoleReportComputedTask},
	StateFailed:                   {RoleTaskToCompute, RoleReportComputedTask},
}

// forbiddenRoles lists the messages that must not be stored in each state.
var forbiddenRoles = map[State][]Role{
	StateForcingReport:            {RoleAckReportComputedTask, RoleRejectReportComputedTask, RoleSubtaskResultsAccepted, RoleSubtaskResultsRejected},
	StateReported:                 {RoleSubtaskResultsAccepted, RoleSubtaskResultsRejected},
	StateForcingResultTransfer:    {RoleSubtaskResultsAccepted, RoleSubtaskResultsRejected},
	StateResultUploaded:           {RoleSubtaskResultsAccepted, RoleSubtaskResultsRejected},
	StateForcingAcceptance:        {RoleSubtaskResultsAccepted, RoleSubtaskResultsRejected},
	StateRejected:                 {RoleSubtaskResultsAccepted},
	StateVerificationFileTransfer: {RoleSubtaskResultsAccepted},
	StateAdditionalVerification:   {RoleSubtaskResultsAccepted},
	StateAccepted:                 {},
	StateFailed:                   {},
}

func init() {
	if err := CheckTables(); err != nil {
		panic(err)
	}
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

func RequiredRoles(s State) []Role { return append([]Role(nil), requiredRoles[s]...) }

func ForbiddenRoles(s State) []Role { return append([]Role(nil), forbiddenRoles[s]...) }

// CheckTables verifies the state partition and the transition and message tables.
func CheckTables() error {
	var errs []error

	seen := make(map[State]int, len(AllStates))
	for _, s := range ActiveStates {
		seen[s]++
	}
	for _, s := range PassiveStates {
		seen[s]++
	}
	for _, s := range AllStates {
		switch seen[s] {
		case 0:
			errs = append(errs, fmt.Errorf("state %s is neither active nor passive", s))
		case 1:
		default:
			errs = append(errs, fmt.Errorf("state %s is both active and passive", s))
		}
		delete(seen, s)
	}
	for s := range seen {
		errs = append(errs, fmt.Errorf("state %s is classified but not defined", s))
	}

	for _, to := range AllStates {
		from, ok := transitions[to]
		if !ok {
			errs = append(errs, fmt.Errorf("no transition entry for %s", to))
			continue
		}
		for _, f := range from {
			if f.IsFinal() {
				errs = append(errs, fmt.Errorf("transition away from final state %s to %s", f, to))
			}
			if f == to {
				errs = append(errs, fmt.Errorf("self transition on %s", to))
			}
		}
		if _, ok := requiredRoles[to]; !ok {
			errs = append(errs, fmt.Errorf("no required message entry for %s", to))
		}
		if _, ok := forbiddenRoles[to]; !ok {
			errs = append(errs, fmt.Errorf("no forbidden message entry for %s", to))
		}
		for _, r := range requiredRoles[to] {
			for _, f := range forbiddenRoles[to] {
				if r == f {
					errs = append(errs, fmt.Errorf("message %s is both required and forbidden in %s", r, to))
				}
			}
		}
	}
	if _, ok := transitions[StateNone]; ok {
		errs = append(errs, errors.New("NONE cannot be a transition target"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("subtask: inconsistent tables: %w", errors.Join(errs...))
}
