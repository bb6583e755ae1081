package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"btcescrow/native/invoice"
	"btcescrow/native/settlement"
)

func TestLateLightningSettlementFailsAndFlags(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.05", "BTC")
	t0 := f.clock.Now()
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)
	require.Equal(t, t0.Add(600*time.Second), *target.ExpiresAt)

	f.clock.Advance(605 * time.Second)
	require.NoError(t, f.lightning.Deliver(ctx, settlement.Notification{
		TargetID:   target.ID,
		Kind:       settlement.EventSettled,
		AmountSats: inv.AmountSats,
		At:         t0.Add(605 * time.Second),
	}))

	failed := f.waitStatus(t, inv.ID, invoice.StatusFailed)
	require.Equal(t, invoice.ReasonLateSettlement, failed.FailureReason)
	require.NotNil(t, failed.Reconciliation)
	require.Equal(t, invoice.ReasonLateSettlement, failed.Reconciliation.Reason)
	require.Equal(t, int64(5_000_000), failed.Reconciliation.ReceivedSats)
	require.Nil(t, failed.Escrow)
	require.Equal(t, []invoice.Status{invoice.StatusFailed}, statuses(t, f.ledger, inv.ID))

	_, err = f.engine.Retry(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrReconciliationRequired)
}

func TestSettlementInsideGraceEscrows(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.05", "BTC")
	t0 := f.clock.Now()
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)

	err = f.engine.HandleEvent(ctx, settlement.Event{
		TargetID:   target.ID,
		InvoiceID:  inv.ID,
		Method:     invoice.MethodLightning,
		Kind:       settlement.EventSettled,
		AmountSats: inv.AmountSats,
		Final:      true,
		At:         t0.Add(601 * time.Second),
	})
	require.NoError(t, err)
	escrowed := f.waitStatus(t, inv.ID, invoice.StatusEscrowed)
	require.Equal(t, int64(5_000_000), escrowed.Escrow.HeldSats)
}

func TestHandleEventLateReturnsReconciliationError(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.05", "BTC")
	t0 := f.clock.Now()
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)

	err = f.engine.HandleEvent(ctx, settlement.Event{
		TargetID:   target.ID,
		InvoiceID:  inv.ID,
		Method:     invoice.MethodLightning,
		Kind:       settlement.EventSettled,
		AmountSats: inv.AmountSats,
		Final:      true,
		At:         t0.Add(605 * time.Second),
	})
	var recErr *invoice.ReconciliationError
	require.ErrorAs(t, err, &recErr)
	require.Equal(t, invoice.ReasonLateSettlement, recErr.Reason)
	require.Equal(t, 1, f.pub.count(inv.ID, NoticeReconciliation))
}

func TestLightningExpiryThenLateSettlementFlagsOnly(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.realClock = true
	cfg.lnExpiry = 20 * time.Millisecond
	cfg.railGrace = 10 * time.Millisecond
	cfg.policy.GraceWindow = 10 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	inv := f.create(t, "1000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)

	expired := f.waitStatus(t, inv.ID, invoice.StatusExpired)
	require.Equal(t, invoice.ConfirmationExpired, expired.Settlement.ConfirmationState)

	require.NoError(t, f.lightning.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSettled, AmountSats: 1_000}))
	require.Eventually(t, func() bool {
		got, err := f.ledger.GetInvoice(ctx, inv.ID)
		return err == nil && got.Reconciliation != nil
	}, 2*time.Second, 5*time.Millisecond)

	current, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusExpired, current.Status)
	require.Equal(t, invoice.ReasonLateSettlement, current.Reconciliation.Reason)
	require.Equal(t, []invoice.Status{invoice.StatusExpired}, statuses(t, f.ledger, inv.ID))

	_, err = f.engine.ResolveReconciliation(ctx, inv.ID, Decision{Accept: true})
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
	cleared, err := f.engine.ResolveReconciliation(ctx, inv.ID, Decision{Accept: false, Note: "refunded out of band"})
	require.NoError(t, err)
	require.Nil(t, cleared.Reconciliation)
	require.Equal(t, invoice.StatusExpired, cleared.Status)
}

func TestOnchainUnderpaymentStaysPending(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.05", "BTC")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	require.NoError(t, f.onchain.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSeen, AmountSats: 4_900_000}))
	require.NoError(t, f.onchain.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventConfirmed, Confirmations: 3, AmountSats: 4_900_000}))

	require.Eventually(t, func() bool {
		got, err := f.ledger.GetInvoice(ctx, inv.ID)
		return err == nil && got.Reconciliation != nil
	}, 2*time.Second, 5*time.Millisecond)
	flagged, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusPending, flagged.Status)
	require.Equal(t, invoice.ReasonUnderpayment, flagged.Reconciliation.Reason)
	require.Equal(t, int64(5_000_000), flagged.Reconciliation.ExpectedSats)
	require.Equal(t, int64(4_900_000), flagged.Reconciliation.ReceivedSats)
	require.Equal(t, int64(-100_000), flagged.Reconciliation.DeltaSats())
	require.Nil(t, flagged.Escrow)
	require.Nil(t, flagged.Settlement.StaleAt)

	_, err = f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.ErrorIs(t, err, invoice.ErrReconciliationRequired)

	resolved, err := f.engine.ResolveReconciliation(ctx, inv.ID, Decision{Accept: true, Note: "payer confirmed"})
	require.NoError(t, err)
	require.Equal(t, invoice.StatusEscrowed, resolved.Status)
	require.Nil(t, resolved.Reconciliation)
	require.Equal(t, int64(4_900_000), resolved.Escrow.HeldSats)
	require.Equal(t, invoice.ConfirmationConfirmed, resolved.Settlement.ConfirmationState)
}

func TestOnchainTopUpRefreshesFlagWithoutTransition(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.05", "BTC")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)
	require.NoError(t, f.onchain.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventConfirmed, Confirmations: 3, AmountSats: 4_900_000}))

	waitReceived := func(sats int64) *invoice.Invoice {
		t.Helper()
		require.Eventually(t, func() bool {
			got, err := f.ledger.GetInvoice(ctx, inv.ID)
			return err == nil && got.Reconciliation != nil && got.Reconciliation.ReceivedSats == sats
		}, 2*time.Second, 5*time.Millisecond)
		got, err := f.ledger.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		return got
	}
	require.Equal(t, invoice.ReasonUnderpayment, waitReceived(4_900_000).Reconciliation.Reason)

	require.NoError(t, f.onchain.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSeen, AmountSats: 5_000_000}))
	topped := waitReceived(5_000_000)
	require.Equal(t, invoice.StatusPending, topped.Status)
	require.Empty(t, topped.FailureReason)
	require.Equal(t, invoice.ReasonUnderpayment, topped.Reconciliation.Reason)
	require.Zero(t, topped.Reconciliation.DeltaSats())
	require.Equal(t, int64(5_000_000), topped.Settlement.ReceivedSats)

	require.NoError(t, f.onchain.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSeen, AmountSats: 5_200_000}))
	over := waitReceived(5_200_000)
	require.Equal(t, invoice.StatusPending, over.Status)
	require.Equal(t, invoice.ReasonOverpayment, over.Reconciliation.Reason)
	require.Empty(t, statuses(t, f.ledger, inv.ID))

	resolved, err := f.engine.ResolveReconciliation(ctx, inv.ID, Decision{Accept: true, Note: "payer topped up"})
	require.NoError(t, err)
	require.Equal(t, invoice.StatusEscrowed, resolved.Status)
	require.Equal(t, int64(5_200_000), resolved.Escrow.HeldSats)
}

func TestAmountToleranceAcceptsSmallDelta(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.policy.AmountToleranceSats = 500
	f := newFixture(t, cfg)
	ctx := context.Background()
	inv := f.create(t, "100000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	require.NoError(t, f.onchain.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventConfirmed, Confirmations: 3, AmountSats: 99_600}))
	escrowed := f.waitStatus(t, inv.ID, invoice.StatusEscrowed)
	require.Equal(t, int64(99_600), escrowed.Escrow.HeldSats)
	require.Nil(t, escrowed.Reconciliation)
}

func TestRejectReconciliationFailsPending(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "100000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	err = f.engine.HandleEvent(ctx, settlement.Event{TargetID: target.ID, InvoiceID: inv.ID, Method: invoice.MethodOnchain, Kind: settlement.EventConfirmed, Final: true, Confirmations: 3, AmountSats: 150_000})
	require.ErrorIs(t, err, invoice.ErrReconciliationRequired)

	rejected, err := f.engine.ResolveReconciliation(ctx, inv.ID, Decision{Note: "refund"})
	require.NoError(t, err)
	require.Equal(t, invoice.StatusFailed, rejected.Status)
	require.Nil(t, rejected.Reconciliation)

	_, err = f.engine.ResolveReconciliation(ctx, inv.ID, Decision{Accept: true})
	require.ErrorIs(t, err, invoice.ErrValidation)
}

func TestConcurrentSettlementEscrowsOnce(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.05", "BTC")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)

	ev := settlement.Event{
		TargetID:   target.ID,
		InvoiceID:  inv.ID,
		Method:     invoice.MethodLightning,
		Kind:       settlement.EventSettled,
		AmountSats: inv.AmountSats,
		Final:      true,
		At:         f.clock.Now(),
	}
	var wg sync.WaitGroup
	errs := make([]error, 32)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.engine.HandleEvent(ctx, ev)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, []invoice.Status{invoice.StatusEscrowed}, statuses(t, f.ledger, inv.ID))
	require.Equal(t, 31, f.pub.count(inv.ID, NoticeAnomaly))
}

func TestOnchainStalenessRepromptsThenExpires(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.policy.StalenessWindow = time.Hour
	cfg.policy.MaxReprompts = 1
	f := newFixture(t, cfg)
	ctx := context.Background()
	inv := f.create(t, "100000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.checkStaleness(ctx, inv.ID, target.ID))
	require.Zero(t, f.pub.count(inv.ID, NoticeReprompt))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.checkStaleness(ctx, inv.ID, target.ID))
	reprompted, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusPending, reprompted.Status)
	require.Equal(t, 1, reprompted.Settlement.Reprompts)
	require.Equal(t, f.clock.Now().Add(time.Hour), *reprompted.Settlement.StaleAt)
	require.Equal(t, 1, f.pub.count(inv.ID, NoticeReprompt))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.checkStaleness(ctx, inv.ID, target.ID))
	expired, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusExpired, expired.Status)
	require.Equal(t, "stale", expired.FailureReason)
}

func TestActivitySuspendsStaleness(t *testing.T) {
	cfg := defaultFixtureConfig()
	cfg.policy.StalenessWindow = time.Hour
	cfg.policy.MaxReprompts = 0
	f := newFixture(t, cfg)
	ctx := context.Background()
	inv := f.create(t, "100000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleEvent(ctx, settlement.Event{TargetID: target.ID, InvoiceID: inv.ID, Method: invoice.MethodOnchain, Kind: settlement.EventSeen, AmountSats: 100_000}))
	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.engine.checkStaleness(ctx, inv.ID, target.ID))

	current, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusPending, current.Status)
	require.Equal(t, invoice.ConfirmationDetected, current.Settlement.ConfirmationState)
	require.Equal(t, 1, f.pub.count(inv.ID, NoticeActivity))
}

func TestRailErrorFailsInvoice(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "100000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleEvent(ctx, settlement.Event{TargetID: target.ID, InvoiceID: inv.ID, Method: invoice.MethodOnchain, Kind: settlement.EventError, Err: errors.New("node offline")}))
	failed, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusFailed, failed.Status)
	require.Equal(t, "rail_error: node offline", failed.FailureReason)
	require.Equal(t, 1, f.pub.count(inv.ID, NoticeRailError))
}

func TestHandleOrphanFlagsMoneyOnClosedInvoice(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "100000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, inv.ID, "alice")
	require.NoError(t, err)

	err = f.engine.HandleOrphan(ctx, invoice.MethodLightning, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSettled, AmountSats: 100_000})
	require.ErrorIs(t, err, invoice.ErrReconciliationRequired)
	flagged, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusExpired, flagged.Status)
	require.Equal(t, invoice.ReasonLateSettlement, flagged.Reconciliation.Reason)

	err = f.engine.HandleOrphan(ctx, invoice.MethodOnchain, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSeen, AmountSats: 1})
	require.ErrorIs(t, err, invoice.ErrValidation)
	err = f.engine.HandleOrphan(ctx, invoice.MethodLightning, settlement.Notification{TargetID: "missing", Kind: settlement.EventSettled})
	require.ErrorIs(t, err, invoice.ErrNotFound)
}

func TestNotifyRoutesToRail(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "100000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.Notify(ctx, invoice.MethodOnchain, settlement.Notification{TargetID: target.ID, Kind: settlement.EventConfirmed, Confirmations: 3, AmountSats: 100_000}))
	f.waitStatus(t, inv.ID, invoice.StatusEscrowed)

	err = f.engine.Notify(ctx, invoice.MethodOnchain, settlement.Notification{TargetID: target.ID, Kind: settlement.EventConfirmed, Confirmations: 3, AmountSats: 100_000})
	require.ErrorIs(t, err, settlement.ErrDuplicate)
}
