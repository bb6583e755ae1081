package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"btcescrow/native/invoice"
	"btcescrow/native/payout"
)

// Decision is an operator's answer to a reconciliation flag.
type Decision struct {
	Accept bool
	Note   string
}

// CreateInvoice records a new pending invoice and announces it.
func (e *Engine) CreateInvoice(ctx context.Context, req invoice.CreateRequest) (*invoice.Invoice, error) {
	inv, err := e.ledger.CreateInvoice(ctx, req)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(inv.ID)
	defer unlock()
	e.publish(ctx, inv, Notice{
		Kind:   NoticeTransition,
		To:     invoice.StatusPending,
		Reason: "created",
		At:     inv.CreatedAt,
		Attributes: map[string]string{
			"amount_sats": strconv.FormatInt(inv.AmountSats, 10),
		},
	})
	return inv, nil
}

// SelectMethod mints a payment target on the chosen rail. An earlier target
// without payment activity is archived, which lets the payer fall back to the
// other rail.
func (e *Engine) SelectMethod(ctx context.Context, id string, method invoice.Method, actor string) (*invoice.PaymentTarget, error) {
	rail, ok := e.rails[method]
	if !ok {
		return nil, &invoice.RailError{Method: method, Op: "select method", Err: errors.New("rail not configured")}
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, inv.PayerID, "payer"); err != nil {
		return nil, err
	}
	if inv.Status != invoice.StatusPending {
		return nil, &invoice.TransitionError{From: inv.Status, To: invoice.StatusPending}
	}
	if rec := inv.Reconciliation; rec != nil {
		return nil, &invoice.ReconciliationError{InvoiceID: inv.ID, Reason: rec.Reason, ExpectedSats: rec.ExpectedSats, ReceivedSats: rec.ReceivedSats}
	}
	if current := inv.Settlement; current != nil && !current.Archived {
		if current.HasActivity() {
			return nil, fmt.Errorf("payment already detected on %s target: %w", current.Method,
				&invoice.TransitionError{From: inv.Status, To: invoice.StatusPending})
		}
		if current.Method == method && e.task(inv.ID) != nil {
			return current, nil
		}
	}

	target, err := rail.CreateTarget(ctx, inv.ID, inv.AmountSats)
	if err != nil {
		e.logger.Warn("mint payment target failed",
			slog.String("invoice_id", inv.ID),
			slog.String("method", string(method)),
			slog.Any("error", err))
		e.publish(ctx, inv, Notice{
			Kind:       NoticeRailError,
			Reason:     err.Error(),
			Attributes: map[string]string{"method": string(method)},
		})
		return nil, err
	}
	if method == invoice.MethodOnchain {
		staleAt := e.now().Add(e.policy.StalenessWindow)
		target.StaleAt = &staleAt
	}
	updated, err := e.ledger.AttachTarget(ctx, inv.ID, target)
	if err != nil {
		return nil, err
	}
	if err := e.startWatchLocked(updated); err != nil {
		return nil, err
	}
	attrs := map[string]string{
		"method":    string(method),
		"target_id": target.ID,
	}
	if target.ExpiresAt != nil {
		attrs["expires_at"] = target.ExpiresAt.Format(timeLayout)
	}
	e.publish(ctx, updated, Notice{Kind: NoticeTarget, Reason: "payment method selected", Attributes: attrs})
	return updated.Settlement, nil
}

// MarkDelivered records that the payee delivered the work.
func (e *Engine) MarkDelivered(ctx context.Context, id, actor string) (*invoice.Invoice, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, inv.PayeeID, "payee"); err != nil {
		return nil, err
	}
	if inv.Status == invoice.StatusDelivered {
		return inv, nil
	}
	if inv.Disputed {
		return nil, fmt.Errorf("invoice %s is under dispute: %w", inv.ID,
			&invoice.TransitionError{From: inv.Status, To: invoice.StatusDelivered})
	}
	return e.transitionLocked(ctx, inv, invoice.StatusDelivered, "work delivered")
}

// AcceptDelivery releases the escrow and closes the invoice. A release claimed
// by an earlier attempt is resumed instead of paid again.
func (e *Engine) AcceptDelivery(ctx context.Context, id, actor string) (invoice.PayoutSplit, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return invoice.PayoutSplit{}, err
	}
	if err := authorize(actor, inv.PayerID, "payer"); err != nil {
		return invoice.PayoutSplit{}, err
	}
	if inv.Status == invoice.StatusAccepted {
		var split invoice.PayoutSplit
		if inv.Escrow != nil && inv.Escrow.Split != nil {
			split = *inv.Escrow.Split
		}
		return split, &invoice.AlreadyReleasedError{InvoiceID: inv.ID, Split: split}
	}
	if inv.Status != invoice.StatusDelivered {
		return invoice.PayoutSplit{}, &invoice.TransitionError{From: inv.Status, To: invoice.StatusAccepted}
	}

	split, err := e.releaser.Release(ctx, inv.ID)
	if err != nil {
		var already *invoice.AlreadyReleasedError
		if !errors.As(err, &already) {
			e.publish(ctx, inv, Notice{Kind: NoticePayout, Reason: "release failed: " + err.Error()})
			return split, err
		}
		split = already.Split
		rec, getErr := e.releaser.Get(ctx, inv.ID)
		if getErr != nil {
			return split, getErr
		}
		if !payout.Complete(rec) {
			if split, err = e.releaser.Resume(ctx, inv.ID); err != nil {
				e.publish(ctx, inv, Notice{Kind: NoticePayout, Reason: "resume failed: " + err.Error()})
				return split, err
			}
		}
	}

	updated, err := e.transitionLocked(ctx, inv, invoice.StatusAccepted, "delivery accepted")
	if err != nil {
		return split, err
	}
	e.publish(ctx, updated, Notice{
		Kind:   NoticePayout,
		Reason: "escrow released",
		Attributes: map[string]string{
			"payee_sats": strconv.FormatInt(split.PayeeSats, 10),
			"fee_sats":   strconv.FormatInt(split.FeeSats, 10),
			"fee_bps":    strconv.FormatUint(uint64(split.FeeBps), 10),
		},
	})
	e.retireWatch(inv.ID, 0)
	return split, nil
}

// RaiseDispute routes a delivered invoice back to escrowed and marks the held
// funds for arbitration.
func (e *Engine) RaiseDispute(ctx context.Context, id, actor, reason string) (*invoice.Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &invoice.ValidationError{Field: "reason", Reason: "dispute reason required"}
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, inv.PayerID, "payer"); err != nil {
		return nil, err
	}
	if inv.Status != invoice.StatusDelivered {
		return nil, &invoice.TransitionError{From: inv.Status, To: invoice.StatusEscrowed}
	}
	rec, err := e.store.GetEscrow(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if rec.Released() {
		var split invoice.PayoutSplit
		if rec.Split != nil {
			split = *rec.Split
		}
		return nil, &invoice.AlreadyReleasedError{InvoiceID: inv.ID, Split: split}
	}
	now := e.now()
	rec.DisputedAt = &now
	rec.DisputeReason = reason
	if err := e.store.UpdateEscrow(ctx, rec); err != nil {
		return nil, fmt.Errorf("record dispute: %w", err)
	}
	if err := e.ledger.SetDisputed(ctx, inv.ID, true); err != nil {
		return nil, fmt.Errorf("flag dispute: %w", err)
	}
	updated, err := e.transitionLocked(ctx, inv, invoice.StatusEscrowed, "dispute: "+reason)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, updated, Notice{
		Kind:   NoticeDispute,
		Reason: reason,
		Attributes: map[string]string{
			"held_sats": strconv.FormatInt(rec.HeldSats, 10),
		},
	})
	return updated, nil
}

// Cancel withdraws a pending invoice before any payment was seen.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*invoice.Invoice, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, inv.PayerID, "payer"); err != nil {
		return nil, err
	}
	if inv.Status != invoice.StatusPending {
		return nil, &invoice.TransitionError{From: inv.Status, To: invoice.StatusExpired}
	}
	if inv.Settlement != nil && !inv.Settlement.Archived && inv.Settlement.HasActivity() {
		return nil, fmt.Errorf("payment already detected: %w",
			&invoice.TransitionError{From: inv.Status, To: invoice.StatusExpired})
	}
	updated, err := e.transitionLocked(ctx, inv, invoice.StatusExpired, "cancelled")
	if err != nil {
		return nil, err
	}
	e.retireWatch(inv.ID, e.policy.LateWindow)
	return updated, nil
}

// Fail moves any open invoice to failed. It is the operator hard-failure path.
func (e *Engine) Fail(ctx context.Context, id, reason string) (*invoice.Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "failed by operator"
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := e.transitionLocked(ctx, inv, invoice.StatusFailed, reason)
	if err != nil {
		return nil, err
	}
	e.retireWatch(inv.ID, e.policy.LateWindow)
	return updated, nil
}

// Retry reopens a failed invoice so the payer can select a method again.
func (e *Engine) Retry(ctx context.Context, id, actor string) (*invoice.Invoice, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, inv.PayerID, "payer"); err != nil {
		return nil, err
	}
	if inv.Status != invoice.StatusFailed {
		return nil, &invoice.TransitionError{From: inv.Status, To: invoice.StatusPending}
	}
	if rec := inv.Reconciliation; rec != nil {
		return nil, &invoice.ReconciliationError{InvoiceID: inv.ID, Reason: rec.Reason, ExpectedSats: rec.ExpectedSats, ReceivedSats: rec.ReceivedSats}
	}
	if inv.Escrow != nil && !inv.Escrow.Released() {
		return nil, fmt.Errorf("escrow holds %d sats: %w", inv.Escrow.HeldSats,
			&invoice.TransitionError{From: inv.Status, To: invoice.StatusPending})
	}
	updated, err := e.transitionLocked(ctx, inv, invoice.StatusPending, "retry")
	if err != nil {
		return nil, err
	}
	e.retireWatch(inv.ID, 0)
	return updated, nil
}

// ResolveReconciliation applies an operator decision to a flagged invoice.
// Accepting escrows the received amount; rejecting fails a pending invoice and
// clears the flag.
func (e *Engine) ResolveReconciliation(ctx context.Context, id string, d Decision) (*invoice.Invoice, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	flag := inv.Reconciliation
	if flag == nil {
		return nil, &invoice.ValidationError{Field: "reconciliation", Reason: "no reconciliation pending"}
	}
	note := strings.TrimSpace(d.Note)
	decision := "rejected"
	if d.Accept {
		decision = "accepted"
	}
	reason := "reconciliation " + decision
	if note != "" {
		reason += ": " + note
	}

	if d.Accept {
		if flag.ReceivedSats <= 0 {
			return nil, &invoice.ValidationError{Field: "reconciliation", Reason: "nothing received to escrow"}
		}
		switch inv.Status {
		case invoice.StatusPending:
		case invoice.StatusFailed:
			if inv, err = e.transitionLocked(ctx, inv, invoice.StatusPending, reason); err != nil {
				return nil, err
			}
		default:
			return nil, &invoice.TransitionError{From: inv.Status, To: invoice.StatusEscrowed}
		}
		if _, err := e.ledger.ClearReconciliation(ctx, inv.ID); err != nil {
			return nil, err
		}
		if err := e.escrowFundsLocked(ctx, inv, flag.ReceivedSats, flag.TargetID, 0, reason); err != nil {
			return nil, err
		}
	} else {
		if _, err := e.ledger.ClearReconciliation(ctx, inv.ID); err != nil {
			return nil, err
		}
		if inv.Status == invoice.StatusPending {
			if _, err := e.transitionLocked(ctx, inv, invoice.StatusFailed, reason); err != nil {
				return nil, err
			}
			e.retireWatch(inv.ID, e.policy.LateWindow)
		}
	}

	updated, err := e.ledger.GetInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, updated, Notice{
		Kind:   NoticeReconciliation,
		Reason: reason,
		Attributes: map[string]string{
			"decision":      decision,
			"flag_reason":   flag.Reason,
			"expected_sats": strconv.FormatInt(flag.ExpectedSats, 10),
			"received_sats": strconv.FormatInt(flag.ReceivedSats, 10),
		},
	})
	return updated, nil
}

// ResumePayout re-drives payout transfers for a claimed release and closes the
// invoice when they complete.
func (e *Engine) ResumePayout(ctx context.Context, id string) (invoice.PayoutSplit, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, id)
	if err != nil {
		return invoice.PayoutSplit{}, err
	}
	split, err := e.releaser.Resume(ctx, inv.ID)
	if err != nil {
		return split, err
	}
	if inv.Status == invoice.StatusDelivered {
		if _, err := e.transitionLocked(ctx, inv, invoice.StatusAccepted, "payout resumed"); err != nil {
			return split, err
		}
		e.retireWatch(inv.ID, 0)
	}
	return split, nil
}
