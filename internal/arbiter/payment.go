package arbiter

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/concent-network/concent/internal/ledger"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/store"
)

// paymentClaim is a batch of accepted results one provider claims from one requestor.
type paymentClaim struct {
	requestor message.PublicKey
	provider  message.PublicKey
	from      common.Address
	to        common.Address
	owed      *big.Int
	oldest    time.Time
	newest    time.Time
}

func (a *Arbiter) paymentClaim(fp *message.ForcePayment) (paymentClaim, error) {
	first := fp.SubtaskResultsAccepted[0].TaskToCompute
	c := paymentClaim{
		requestor: first.RequestorPublicKey,
		provider:  first.ProviderPublicKey,
		from:      first.RequestorEthereumAddress,
		to:        first.ProviderEthereumAddress,
		owed:      new(big.Int),
	}
	if err := verifySignatures(signedBy{m: fp, key: c.provider}); err != nil {
		return paymentClaim{}, err
	}
	seen := make(map[string]struct{}, len(fp.SubtaskResultsAccepted))
	for _, sra := range fp.SubtaskResultsAccepted {
		ttc := sra.TaskToCompute
		switch {
		case ttc.RequestorPublicKey != c.requestor || ttc.ProviderPublicKey != c.provider:
			return paymentClaim{}, newError(CodePaymentInvalid, "subtask %s belongs to another provider or requestor", ttc.SubtaskID())
		case ttc.RequestorEthereumAddress != c.from || ttc.ProviderEthereumAddress != c.to:
			return paymentClaim{}, newError(CodePaymentInvalid, "subtask %s names other ethereum accounts", ttc.SubtaskID())
		}
		if _, dup := seen[ttc.SubtaskID()]; dup {
			return paymentClaim{}, newError(CodePaymentInvalid, "subtask %s listed twice", ttc.SubtaskID())
		}
		seen[ttc.SubtaskID()] = struct{}{}
		if err := verifySignatures(
			signedBy{m: sra, key: c.requestor},
			signedBy{m: ttc, key: c.requestor},
		); err != nil {
			return paymentClaim{}, err
		}

		ts := time.Unix(sra.PaymentTS, 0).UTC()
		if c.oldest.IsZero() || ts.Before(c.oldest) {
			c.oldest = ts
		}
		if ts.After(c.newest) {
			c.newest = ts
		}
		c.owed.Add(c.owed, ttc.PriceInt())
	}
	return c, nil
}

func (a *Arbiter) forcePayment(ctx context.Context, fp *message.ForcePayment) (message.Message, error) {
	if len(fp.SubtaskResultsAccepted) == 0 {
		return nil, newError(CodeMessageInvalid, "ForcePayment lists no accepted results")
	}
	c, err := a.paymentClaim(fp)
	if err != nil {
		return nil, err
	}
	if err := a.softShutdown(); err != nil {
		return nil, err
	}

	now := a.now()
	reject := func(reason message.ForcePaymentRejectedReason) (message.Message, error) {
		return a.sign(&message.ForcePaymentRejected{ForcePayment: fp, Reason: reason})
	}
	for _, sra := range fp.SubtaskResultsAccepted {
		if a.timing.PaymentDue(sra).After(now) {
			return reject(message.PaymentTimestampError)
		}
	}

	paid := new(big.Int)
	for _, kind := range []ledger.PaymentKind{ledger.PaymentBatch, ledger.PaymentForced} {
		payments, err := a.ledger.ListPayments(ctx, ledger.Query{Kind: kind, From: c.from, To: c.to, Since: c.oldest})
		if err != nil {
			return nil, err
		}
		for _, p := range payments {
			if p.ClosureTime.After(c.newest) {
				return reject(message.PaymentTimestampError)
			}
		}
		paid.Add(paid, ledger.Sum(payments))
	}
	owed := new(big.Int).Sub(c.owed, paid)
	if owed.Sign() <= 0 {
		return reject(message.PaymentNoUnsettledTasksFound)
	}

	hash, err := a.ledger.Transfer(ctx, ledger.Transfer{
		Kind:        ledger.PaymentForced,
		From:        c.from,
		To:          c.to,
		Amount:      owed,
		ClosureTime: c.newest,
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("forced payment sent",
		"requestor", c.from.Hex(),
		"provider", c.to.Hex(),
		"amount_paid", paid.String(),
		"amount_pending", owed.String(),
		"subtasks", len(fp.SubtaskResultsAccepted),
		"tx_hash", hash.Hex(),
	)

	info := pending.PaymentInfo{
		PaymentTS:          now,
		TaskOwnerKey:       c.requestor,
		ProviderEthAccount: c.to,
		AmountPaid:         paid,
		AmountPending:      owed,
	}
	err = a.store.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.EnsureClient(ctx, c.requestor); err != nil {
			return err
		}
		forRequestor := info
		forRequestor.RecipientType = message.RecipientRequestor
		_, err := tx.EnqueueResponse(ctx, pending.Response{
			Type:    pending.ForcePaymentCommitted,
			Client:  c.requestor,
			Queue:   pending.QueueReceiveOutOfBand,
			Payment: &forRequestor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	info.RecipientType = message.RecipientProvider
	return a.sign(paymentCommitted(info))
}

func paymentCommitted(p pending.PaymentInfo) *message.ForcePaymentCommitted {
	return &message.ForcePaymentCommitted{
		PaymentTS:          p.PaymentTS.Unix(),
		TaskOwnerKey:       p.TaskOwnerKey,
		ProviderEthAccount: p.ProviderEthAccount,
		AmountPaid:         message.NewAmount(p.AmountPaid),
		AmountPending:      message.NewAmount(p.AmountPending),
		RecipientType:      p.RecipientType,
	}
}
