package escrow

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"btcescrow/native/invoice"
)

// armStaleness schedules the staleness check for an on-chain target.
func (e *Engine) armStaleness(task *watchTask, at time.Time) {
	delay := at.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.stale != nil {
		task.stale.Stop()
	}
	task.stale = time.AfterFunc(delay, func() {
		if err := e.checkStaleness(context.Background(), task.invoiceID, task.targetID); err != nil {
			e.logger.Error("staleness check failed",
				slog.String("invoice_id", task.invoiceID),
				slog.Any("error", err))
		}
	})
}

// checkStaleness re-prompts the payer of an idle on-chain target, and expires
// the invoice once the re-prompt budget is spent.
func (e *Engine) checkStaleness(ctx context.Context, invoiceID, targetID string) error {
	unlock := e.locks.Lock(invoiceID)
	defer unlock()

	inv, err := e.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	target := inv.Settlement
	if inv.Status != invoice.StatusPending || target == nil || target.ID != targetID ||
		target.Archived || target.HasActivity() || target.StaleAt == nil {
		return nil
	}
	if e.now().Before(*target.StaleAt) {
		if task := e.task(invoiceID); task != nil && task.targetID == targetID {
			e.armStaleness(task, *target.StaleAt)
		}
		return nil
	}

	if target.Reprompts < e.policy.MaxReprompts {
		next := target.Clone()
		next.Reprompts++
		staleAt := e.now().Add(e.policy.StalenessWindow)
		next.StaleAt = &staleAt
		if err := e.ledger.UpdateTarget(ctx, next); err != nil {
			return err
		}
		e.publish(ctx, inv, Notice{
			Kind:   NoticeReprompt,
			Reason: "no payment seen",
			Attributes: map[string]string{
				"target_id":   next.ID,
				"destination": next.Destination,
				"reprompt":    strconv.Itoa(next.Reprompts),
				"stale_at":    staleAt.Format(timeLayout),
			},
		})
		if task := e.task(invoiceID); task != nil && task.targetID == targetID {
			e.armStaleness(task, staleAt)
		}
		return nil
	}

	if _, err := e.transitionLocked(ctx, inv, invoice.StatusExpired, "stale"); err != nil {
		return err
	}
	e.retireWatch(invoiceID, e.policy.LateWindow)
	return nil
}
