package subtask

import (
	"errors"
	"testing"
	"time"

	"github.com/concent-network/concent/internal/message"
)

var t0 = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

func TestCheckTables(t *testing.T) {
	t.Parallel()

	if err := CheckTables(); err != nil {
		t.Fatalf("CheckTables: %v", err)
	}
}

func TestStatePartition(t *testing.T) {
	t.Parallel()

	if len(ActiveStates)+len(PassiveStates) != len(AllStates) {
		t.Fatalf("partition does not cover all states: %d + %d != %d", len(ActiveStates), len(PassiveStates), len(AllStates))
	}
	for _, s := range AllStates {
		if s.IsActive() == s.IsPassive() {
			t.Fatalf("state %s: active=%v passive=%v", s, s.IsActive(), s.IsPassive())
		}
		parsed, err := ParseState(s.String())
		if err != nil || parsed != s {
			t.Fatalf("ParseState(%s): %v %v", s, parsed, err)
		}
	}
	if StateNone.IsActive() || StateNone.IsPassive() {
		t.Fatalf("NONE must not be classified")
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[[2]State]bool{}
	for to, froms := range transitions {
		for _, from := range froms {
			allowed[[2]State{from, to}] = true
		}
	}

	sources := append([]State{StateNone}, AllStates...)
	for _, from := range sources {
		for _, to := range AllStates {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	for _, final := range []State{StateAccepted, StateFailed} {
		for _, to := range AllStates {
			if CanTransition(final, to) {
				t.Fatalf("transition away from %s to %s allowed", final, to)
			}
		}
	}
}

func newSubtask() Subtask {
	var provider, requestor message.PublicKey
	provider[0] = 1
	requestor[0] = 2
	return Subtask{
		TaskID:    "task-1",
		SubtaskID: "subtask-1",
		Provider:  provider,
		Requestor: requestor,
		Messages:  MessageRefs{TaskToCompute: 1, ReportComputedTask: 2},
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()

	s := newSubtask()
	if err := s.Transition(StateForcingReport, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if err := s.Transition(StateReported, t0.Add(time.Hour)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !s.NextDeadline.IsZero() {
		t.Fatalf("passive state kept a deadline: %v", s.NextDeadline)
	}

	err := s.Transition(StateAdditionalVerification, t0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if s.State != StateReported {
		t.Fatalf("state changed on rejected transition: %s", s.State)
	}

	if err := s.Transition(StateForcingAcceptance, time.Time{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for missing deadline, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Subtask)
	}{
		{name: "active without deadline", mutate: func(s *Subtask) { s.State = StateForcingReport }},
		{name: "passive with deadline", mutate: func(s *Subtask) { s.State = StateReported; s.NextDeadline = t0 }},
		{name: "missing required", mutate: func(s *Subtask) {
			s.State = StateForcingResultTransfer
			s.NextDeadline = t0
		}},
		{name: "forbidden present", mutate: func(s *Subtask) {
			s.State = StateForcingReport
			s.NextDeadline = t0
			s.Messages.AckReportComputedTask = 3
		}},
		{name: "ack and reject", mutate: func(s *Subtask) {
			s.State = StateReported
			s.Messages.AckReportComputedTask = 3
			s.Messages.RejectReportComputedTask = 4
		}},
		{name: "same client", mutate: func(s *Subtask) {
			s.State = StateReported
			s.Requestor = s.Provider
		}},
		{name: "unknown state", mutate: func(s *Subtask) {}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newSubtask()
			tc.mutate(&s)
			if err := s.Validate(); !errors.Is(err, ErrInvalidSubtask) {
				t.Fatalf("expected ErrInvalidSubtask, got %v", err)
			}
		})
	}
}

func TestRequiredRolesPerState(t *testing.T) {
	t.Parallel()

	for _, st := range AllStates {
		s := newSubtask()
		for _, role := range RequiredRoles(st) {
			s.Messages.Set(role, 10+int64(role))
		}
		s.State = st
		if st.IsActive() {
			s.NextDeadline = t0
		}
		if err := s.Validate(); err != nil {
			t.Fatalf("state %s with required messages: %v", st, err)
		}
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	s := newSubtask()
	if err := s.Transition(StateForcingReport, t0); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if s.Expired(t0) {
		t.Fatalf("deadline itself must not count as expired")
	}
	if !s.Expired(t0.Add(time.Second)) {
		t.Fatalf("expected expired after deadline")
	}
}
