package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"btcescrow/native/invoice"
	"btcescrow/native/settlement"
)

const timeLayout = time.RFC3339Nano

// HandleEvent applies one rail event to its invoice. It is the only path by
// which rail observations change invoice state.
func (e *Engine) HandleEvent(ctx context.Context, ev settlement.Event) error {
	if strings.TrimSpace(ev.InvoiceID) == "" {
		return &invoice.ValidationError{Field: "invoiceId", Reason: "rail event without invoice"}
	}
	if e.metrics != nil {
		e.metrics.RecordRailEvent(ev.Method, string(ev.Kind))
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	unlock := e.locks.Lock(ev.InvoiceID)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, ev.InvoiceID)
	if err != nil {
		return err
	}
	active := inv.Settlement != nil && inv.Settlement.ID == ev.TargetID && !inv.Settlement.Archived

	switch ev.Kind {
	case settlement.EventSeen:
		return e.detectLocked(ctx, inv, ev, active)
	case settlement.EventConfirmed:
		if ev.Final {
			return e.settleLocked(ctx, inv, ev, active)
		}
		return e.detectLocked(ctx, inv, ev, active)
	case settlement.EventSettled:
		return e.settleLocked(ctx, inv, ev, active)
	case settlement.EventExpired:
		if inv.Status != invoice.StatusPending || !active {
			e.anomalyLocked(ctx, inv, ev, "expiry for inactive target")
			return nil
		}
		if _, err := e.transitionLocked(ctx, inv, invoice.StatusExpired, "payment window elapsed"); err != nil {
			return err
		}
		e.retireWatch(inv.ID, e.policy.LateWindow)
		return nil
	case settlement.EventConflict:
		return e.conflictLocked(ctx, inv, ev, active)
	case settlement.EventError:
		return e.railErrorLocked(ctx, inv, ev, active)
	default:
		return &invoice.ValidationError{Field: "event", Reason: fmt.Sprintf("unsupported rail event %q", ev.Kind)}
	}
}

// detectLocked records payment activity that is not yet final. Activity stops
// the staleness clock.
func (e *Engine) detectLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event, active bool) error {
	if inv.Status != invoice.StatusPending || !active {
		e.anomalyLocked(ctx, inv, ev, "activity on inactive target")
		return nil
	}
	target := inv.Settlement.Clone()
	target.ConfirmationState = invoice.ConfirmationDetected
	target.ReceivedSats = ev.AmountSats
	target.Confirmations = ev.Confirmations
	target.StaleAt = nil
	if err := e.ledger.UpdateTarget(ctx, target); err != nil {
		return err
	}
	if task := e.task(inv.ID); task != nil {
		task.stopStaleness()
	}
	e.publish(ctx, inv, Notice{
		Kind:   NoticeActivity,
		Reason: "payment detected",
		At:     ev.At,
		Attributes: map[string]string{
			"target_id":     target.ID,
			"amount_sats":   strconv.FormatInt(ev.AmountSats, 10),
			"confirmations": strconv.Itoa(ev.Confirmations),
		},
	})
	return nil
}

// settleLocked handles a final settlement: the late-settlement tie break first,
// then amount matching, then escrow.
func (e *Engine) settleLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event, active bool) error {
	if inv.Status != invoice.StatusPending || !active {
		e.anomalyLocked(ctx, inv, ev, "settlement for inactive target")
		if inv.Status == invoice.StatusExpired || inv.Status == invoice.StatusFailed {
			return e.flagLocked(ctx, inv, ev, invoice.ReasonLateSettlement)
		}
		return nil
	}
	target := inv.Settlement
	if ev.Method == invoice.MethodLightning && target.ExpiresAt != nil &&
		ev.At.After(target.ExpiresAt.Add(e.policy.GraceWindow)) {
		return e.lateSettlementLocked(ctx, inv, ev)
	}

	delta := ev.AmountSats - inv.AmountSats
	if delta < -e.policy.AmountToleranceSats || delta > e.policy.AmountToleranceSats {
		reason := invoice.ReasonOverpayment
		if delta < 0 {
			reason = invoice.ReasonUnderpayment
		}
		updated := target.Clone()
		updated.ConfirmationState = invoice.ConfirmationDetected
		updated.ReceivedSats = ev.AmountSats
		updated.Confirmations = ev.Confirmations
		updated.StaleAt = nil
		if err := e.ledger.UpdateTarget(ctx, updated); err != nil {
			return err
		}
		if task := e.task(inv.ID); task != nil {
			task.stopStaleness()
		}
		return e.flagLocked(ctx, inv, ev, reason)
	}
	return e.escrowFundsLocked(ctx, inv, ev.AmountSats, target.ID, ev.Confirmations, "settled")
}

// lateSettlementLocked fails an invoice whose Lightning payment landed after
// the grace window and raises it for an operator.
func (e *Engine) lateSettlementLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event) error {
	if _, err := e.ledger.SetReconciliation(ctx, inv.ID, invoice.Reconciliation{
		Reason:       invoice.ReasonLateSettlement,
		ExpectedSats: inv.AmountSats,
		ReceivedSats: ev.AmountSats,
		TargetID:     ev.TargetID,
		RaisedAt:     e.now(),
	}); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordReconciliation(invoice.ReasonLateSettlement)
	}
	updated, err := e.transitionLocked(ctx, inv, invoice.StatusFailed, invoice.ReasonLateSettlement)
	if err != nil {
		return err
	}
	e.publish(ctx, updated, Notice{
		Kind:       NoticeReconciliation,
		Reason:     invoice.ReasonLateSettlement,
		At:         ev.At,
		Attributes: reconciliationAttrs(inv.AmountSats, ev),
	})
	e.retireWatch(inv.ID, e.policy.LateWindow)
	return &invoice.ReconciliationError{
		InvoiceID:    inv.ID,
		Reason:       invoice.ReasonLateSettlement,
		ExpectedSats: inv.AmountSats,
		ReceivedSats: ev.AmountSats,
	}
}

// flagLocked raises a reconciliation flag without changing status.
func (e *Engine) flagLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event, reason string) error {
	flagged, err := e.ledger.SetReconciliation(ctx, inv.ID, invoice.Reconciliation{
		Reason:       reason,
		ExpectedSats: inv.AmountSats,
		ReceivedSats: ev.AmountSats,
		TargetID:     ev.TargetID,
		RaisedAt:     e.now(),
	})
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordReconciliation(reason)
	}
	e.logger.Warn("invoice flagged for reconciliation",
		slog.String("invoice_id", inv.ID),
		slog.String("reason", reason),
		slog.Int64("expected_sats", inv.AmountSats),
		slog.Int64("received_sats", ev.AmountSats))
	e.publish(ctx, flagged, Notice{
		Kind:       NoticeReconciliation,
		Reason:     reason,
		At:         ev.At,
		Attributes: reconciliationAttrs(inv.AmountSats, ev),
	})
	return &invoice.ReconciliationError{
		InvoiceID:    inv.ID,
		Reason:       reason,
		ExpectedSats: inv.AmountSats,
		ReceivedSats: ev.AmountSats,
	}
}

// conflictLocked handles a terminal notification that reached a target the
// rail had already closed.
func (e *Engine) conflictLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event, active bool) error {
	if inv.Status == invoice.StatusPending && active {
		if ev.Method == invoice.MethodOnchain {
			return e.topUpLocked(ctx, inv, ev)
		}
		return e.lateSettlementLocked(ctx, inv, ev)
	}
	reason := invoice.ReasonLateSettlement
	if ev.Method == invoice.MethodOnchain && inv.Escrow != nil && ev.AmountSats > inv.Escrow.HeldSats {
		reason = invoice.ReasonOverpayment
	}
	e.anomalyLocked(ctx, inv, ev, "payment after target closed")
	return e.flagLocked(ctx, inv, ev, reason)
}

// topUpLocked records more money arriving at an on-chain address whose final
// amount missed the invoice. The flag is refreshed against the new total and
// the invoice stays pending until an operator resolves it.
func (e *Engine) topUpLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event) error {
	updated := inv.Settlement.Clone()
	updated.ReceivedSats = ev.AmountSats
	if ev.Confirmations > updated.Confirmations {
		updated.Confirmations = ev.Confirmations
	}
	updated.StaleAt = nil
	if err := e.ledger.UpdateTarget(ctx, updated); err != nil {
		return err
	}
	// Within tolerance the top-up is still unconfirmed, so the open reason stays.
	reason := invoice.ReasonUnderpayment
	if inv.Reconciliation != nil {
		reason = inv.Reconciliation.Reason
	}
	switch delta := ev.AmountSats - inv.AmountSats; {
	case delta < -e.policy.AmountToleranceSats:
		reason = invoice.ReasonUnderpayment
	case delta > e.policy.AmountToleranceSats:
		reason = invoice.ReasonOverpayment
	}
	return e.flagLocked(ctx, inv, ev, reason)
}

func (e *Engine) railErrorLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event, active bool) error {
	detail := "watch failed"
	if ev.Err != nil {
		detail = ev.Err.Error()
	}
	if !active || inv.Status.Terminal() || inv.Status == invoice.StatusFailed {
		e.anomalyLocked(ctx, inv, ev, "rail error: "+detail)
		return nil
	}
	e.publish(ctx, inv, Notice{
		Kind:       NoticeRailError,
		Reason:     detail,
		At:         ev.At,
		Attributes: map[string]string{"method": string(ev.Method), "target_id": ev.TargetID},
	})
	if _, err := e.transitionLocked(ctx, inv, invoice.StatusFailed, "rail_error: "+detail); err != nil {
		return err
	}
	e.retireWatch(inv.ID, 0)
	return nil
}

// escrowFundsLocked records the held amount and moves the invoice to escrowed.
func (e *Engine) escrowFundsLocked(ctx context.Context, inv *invoice.Invoice, heldSats int64, targetID string, confirmations int, reason string) error {
	rec := &invoice.EscrowRecord{
		InvoiceID: inv.ID,
		HeldSats:  heldSats,
		TargetID:  targetID,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateEscrow(ctx, rec); err != nil {
		if !errors.Is(err, invoice.ErrConflict) {
			return fmt.Errorf("create escrow record: %w", err)
		}
		existing, getErr := e.store.GetEscrow(ctx, inv.ID)
		if getErr != nil {
			return getErr
		}
		if existing.Released() {
			var split invoice.PayoutSplit
			if existing.Split != nil {
				split = *existing.Split
			}
			return &invoice.AlreadyReleasedError{InvoiceID: inv.ID, Split: split}
		}
		existing.HeldSats = heldSats
		existing.TargetID = targetID
		existing.DisputedAt = nil
		existing.DisputeReason = ""
		if err := e.store.UpdateEscrow(ctx, existing); err != nil {
			return fmt.Errorf("update escrow record: %w", err)
		}
	}
	if target := inv.Settlement; target != nil && target.ID == targetID {
		confirmed := target.Clone()
		confirmed.ConfirmationState = invoice.ConfirmationConfirmed
		confirmed.ReceivedSats = heldSats
		if confirmations > confirmed.Confirmations {
			confirmed.Confirmations = confirmations
		}
		confirmed.StaleAt = nil
		if err := e.ledger.UpdateTarget(ctx, confirmed); err != nil {
			return err
		}
	}
	if reason == "settled" {
		reason = fmt.Sprintf("settled: %d sats", heldSats)
	}
	if _, err := e.transitionLocked(ctx, inv, invoice.StatusEscrowed, reason); err != nil {
		return err
	}
	e.retireWatch(inv.ID, e.policy.LateWindow)
	return nil
}

func (e *Engine) anomalyLocked(ctx context.Context, inv *invoice.Invoice, ev settlement.Event, detail string) {
	e.logger.Warn("rail anomaly",
		slog.String("invoice_id", inv.ID),
		slog.String("target_id", ev.TargetID),
		slog.String("kind", string(ev.Kind)),
		slog.String("status", string(inv.Status)),
		slog.String("detail", detail))
	e.publish(ctx, inv, Notice{
		Kind:   NoticeAnomaly,
		Reason: detail,
		At:     ev.At,
		Attributes: map[string]string{
			"target_id":   ev.TargetID,
			"event":       string(ev.Kind),
			"amount_sats": strconv.FormatInt(ev.AmountSats, 10),
		},
	})
}

func reconciliationAttrs(expected int64, ev settlement.Event) map[string]string {
	return map[string]string{
		"target_id":     ev.TargetID,
		"expected_sats": strconv.FormatInt(expected, 10),
		"received_sats": strconv.FormatInt(ev.AmountSats, 10),
		"delta_sats":    strconv.FormatInt(ev.AmountSats-expected, 10),
	}
}

// Notify routes a transport notification to its rail. Notifications for
// targets no watch knows about go through HandleOrphan.
func (e *Engine) Notify(ctx context.Context, method invoice.Method, n settlement.Notification) error {
	rail, ok := e.rails[method]
	if !ok {
		return &invoice.RailError{Method: method, Op: "notify", Err: errors.New("rail not configured")}
	}
	err := rail.Deliver(ctx, n)
	if errors.Is(err, settlement.ErrUnknownTarget) {
		return e.HandleOrphan(ctx, method, n)
	}
	return err
}

// HandleOrphan deals with a notification whose target has no live watch, for
// instance after a restart or once the late window passed. An active target of
// a pending invoice is re-watched and the notification redelivered. Money
// arriving anywhere else is flagged for reconciliation.
func (e *Engine) HandleOrphan(ctx context.Context, method invoice.Method, n settlement.Notification) error {
	target, err := e.ledger.TargetByID(ctx, n.TargetID)
	if err != nil {
		return err
	}
	if target.Method != method {
		return &invoice.ValidationError{Field: "method", Reason: fmt.Sprintf("target %s belongs to the %s rail", target.ID, target.Method)}
	}

	unlock := e.locks.Lock(target.InvoiceID)
	inv, err := e.ledger.GetInvoice(ctx, target.InvoiceID)
	if err != nil {
		unlock()
		return err
	}
	active := inv.Settlement != nil && inv.Settlement.ID == target.ID && !inv.Settlement.Archived
	if active && inv.Status == invoice.StatusPending {
		err := e.startWatchLocked(inv)
		unlock()
		if err != nil {
			return err
		}
		return e.rails[method].Deliver(ctx, n)
	}
	defer unlock()

	if n.At.IsZero() {
		n.At = e.now()
	}
	ev := settlement.Event{
		TargetID:      target.ID,
		InvoiceID:     inv.ID,
		Method:        method,
		Kind:          n.Kind,
		AmountSats:    n.AmountSats,
		Confirmations: n.Confirmations,
		At:            n.At,
	}
	moneyMoved := n.AmountSats > target.ReceivedSats &&
		(n.Kind == settlement.EventSettled || n.Kind == settlement.EventSeen || n.Kind == settlement.EventConfirmed)
	e.anomalyLocked(ctx, inv, ev, "notification for unwatched target")
	if !moneyMoved || inv.Reconciliation != nil {
		return nil
	}
	reason := invoice.ReasonLateSettlement
	if target.ConfirmationState == invoice.ConfirmationConfirmed {
		reason = invoice.ReasonOverpayment
	}
	return e.flagLocked(ctx, inv, ev, reason)
}
