package pending

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/concent-network/concent/internal/message"
)

func TestResponseValidate(t *testing.T) {
	t.Parallel()

	var client message.PublicKey
	client[0] = 7
	payment := &PaymentInfo{PaymentTS: time.Unix(1, 0), AmountPaid: big.NewInt(1), AmountPending: big.NewInt(2), RecipientType: message.RecipientRequestor}

	cases := []struct {
		name string
		r    Response
		ok   bool
	}{
		{name: "subtask response", r: Response{Type: ForceReportComputedTask, Client: client, Queue: QueueReceive, SubtaskID: "s"}, ok: true},
		{name: "payment response", r: Response{Type: ForcePaymentCommitted, Client: client, Queue: QueueReceiveOutOfBand, Payment: payment}, ok: true},
		{name: "payment without info", r: Response{Type: ForcePaymentCommitted, Client: client, Queue: QueueReceiveOutOfBand}},
		{name: "payment with subtask", r: Response{Type: ForcePaymentCommitted, Client: client, Queue: QueueReceiveOutOfBand, Payment: payment, SubtaskID: "s"}},
		{name: "missing subtask", r: Response{Type: SubtaskResultsSettled, Client: client, Queue: QueueReceive}},
		{name: "info on other type", r: Response{Type: SubtaskResultsSettled, Client: client, Queue: QueueReceive, SubtaskID: "s", Payment: payment}},
		{name: "missing client", r: Response{Type: SubtaskResultsSettled, Queue: QueueReceive, SubtaskID: "s"}},
		{name: "bad queue", r: Response{Type: SubtaskResultsSettled, Client: client, SubtaskID: "s"}},
		{name: "bad type", r: Response{Client: client, Queue: QueueReceive, SubtaskID: "s"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.r.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidResponse) {
				t.Fatalf("expected ErrInvalidResponse, got %v", err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	for typ := range responseTypeNames {
		got, err := ParseResponseType(typ.String())
		if err != nil || got != typ {
			t.Fatalf("ParseResponseType(%s): %v %v", typ, got, err)
		}
	}
	for _, q := range []Queue{QueueReceive, QueueReceiveOutOfBand} {
		got, err := ParseQueue(q.String())
		if err != nil || got != q {
			t.Fatalf("ParseQueue(%s): %v %v", q, got, err)
		}
	}
}
