package ledgerdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"btcescrow/native/invoice"
	"btcescrow/services/dispatch"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newLedger(t *testing.T, store *Store) *invoice.Ledger {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seq := 0
	return invoice.NewLedger(store,
		invoice.WithClock(func() time.Time { return now }),
		invoice.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("inv-%d", seq)
		}),
	)
}

func createInvoice(t *testing.T, ledger *invoice.Ledger) *invoice.Invoice {
	t.Helper()
	inv, err := ledger.CreateInvoice(context.Background(), invoice.CreateRequest{
		Title:           "E-commerce website development",
		Amount:          "0.05",
		Currency:        "BTC",
		PayerID:         "alice",
		PayeeID:         "bob",
		NotificationURL: "https://merchant.example/hooks",
	})
	require.NoError(t, err)
	return inv
}

func TestLedgerRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ledger := newLedger(t, store)
	ctx := context.Background()
	inv := createInvoice(t, ledger)

	expires := time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC)
	_, err := ledger.AttachTarget(ctx, inv.ID, &invoice.PaymentTarget{
		ID:          "tgt-1",
		Method:      invoice.MethodLightning,
		Destination: "lnbcrt50m1test",
		AmountSats:  inv.AmountSats,
		ExpiresAt:   &expires,
	})
	require.NoError(t, err)

	loaded, err := ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, "E-commerce website development", loaded.ProjectTitle)
	require.Equal(t, int64(5_000_000), loaded.AmountSats)
	require.NotNil(t, loaded.Settlement)
	require.Equal(t, "tgt-1", loaded.Settlement.ID)
	require.Equal(t, invoice.ConfirmationAwaiting, loaded.Settlement.ConfirmationState)
	require.True(t, expires.Equal(*loaded.ExpiresAt))

	// A second target archives the first.
	_, err = ledger.AttachTarget(ctx, inv.ID, &invoice.PaymentTarget{
		ID:          "tgt-2",
		Method:      invoice.MethodOnchain,
		Destination: "bcrt1qexample",
		AmountSats:  inv.AmountSats,
	})
	require.NoError(t, err)
	prev, err := ledger.TargetByID(ctx, "tgt-1")
	require.NoError(t, err)
	require.True(t, prev.Archived)
	loaded, err = ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, "tgt-2", loaded.Settlement.ID)
	require.Nil(t, loaded.ExpiresAt)

	_, err = ledger.SetReconciliation(ctx, inv.ID, invoice.Reconciliation{
		Reason:       invoice.ReasonUnderpayment,
		ExpectedSats: 5_000_000,
		ReceivedSats: 4_900_000,
		TargetID:     "tgt-2",
	})
	require.NoError(t, err)
	flagged, err := store.ListFlagged(ctx)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	require.Equal(t, int64(-100_000), flagged[0].Reconciliation.DeltaSats())

	_, err = ledger.ClearReconciliation(ctx, inv.ID)
	require.NoError(t, err)
	loaded, err = ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Nil(t, loaded.Reconciliation)

	_, err = ledger.UpdateStatus(ctx, inv.ID, invoice.StatusFailed, "rail_error: node offline")
	require.NoError(t, err)
	_, err = ledger.UpdateStatus(ctx, inv.ID, invoice.StatusPending, "retry")
	require.NoError(t, err)
	_, err = ledger.UpdateStatus(ctx, inv.ID, invoice.StatusAccepted, "skip")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)

	history, err := ledger.History(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.True(t, invoice.ValidPath(history))
	require.Equal(t, "rail_error: node offline", history[0].Reason)

	open, err := ledger.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Empty(t, open[0].FailureReason)
}

func TestStoreNotFoundAndConflict(t *testing.T) {
	store := setupTestStore(t)
	ledger := newLedger(t, store)
	ctx := context.Background()

	_, err := store.GetInvoice(ctx, "missing")
	require.ErrorIs(t, err, invoice.ErrNotFound)
	_, err = store.GetTarget(ctx, "missing")
	require.ErrorIs(t, err, invoice.ErrNotFound)
	_, err = store.ListTransitions(ctx, "missing")
	require.ErrorIs(t, err, invoice.ErrNotFound)
	_, err = store.TransitionStatus(ctx, "missing", invoice.StatusPending, invoice.StatusFailed, "", time.Now())
	require.ErrorIs(t, err, invoice.ErrNotFound)

	inv := createInvoice(t, ledger)
	require.ErrorIs(t, store.CreateInvoice(ctx, inv), invoice.ErrConflict)
	_, err = store.TransitionStatus(ctx, inv.ID, invoice.StatusEscrowed, invoice.StatusDelivered, "", time.Now())
	require.ErrorIs(t, err, invoice.ErrConflict)
}

func TestTransitionStatusSingleWinner(t *testing.T) {
	store := setupTestStore(t)
	ledger := newLedger(t, store)
	inv := createInvoice(t, ledger)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionStatus(context.Background(), inv.ID, invoice.StatusPending, invoice.StatusEscrowed, "settled", time.Now())
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	history, err := store.ListTransitions(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestClaimReleaseOnce(t *testing.T) {
	store := setupTestStore(t)
	ledger := newLedger(t, store)
	ctx := context.Background()
	inv := createInvoice(t, ledger)
	created := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	require.NoError(t, store.CreateEscrow(ctx, &invoice.EscrowRecord{
		InvoiceID: inv.ID,
		HeldSats:  5_000_000,
		TargetID:  "tgt-1",
		CreatedAt: created,
	}))
	require.ErrorIs(t, store.CreateEscrow(ctx, &invoice.EscrowRecord{InvoiceID: inv.ID, HeldSats: 1}), invoice.ErrConflict)

	split := invoice.PayoutSplit{PayeeSats: 4_750_000, FeeSats: 250_000, FeeBps: 500}
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, won, err := store.ClaimRelease(ctx, inv.ID, split, created.Add(time.Hour))
			if err != nil {
				return
			}
			if won {
				wins.Add(1)
			}
			if rec.Split == nil || *rec.Split != split {
				t.Errorf("unexpected split %+v", rec.Split)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	rec, err := store.GetEscrow(ctx, inv.ID)
	require.NoError(t, err)
	require.True(t, rec.Released())
	require.Equal(t, split, *rec.Split)

	rec.PayeeTransferRef = "tx-payee"
	require.NoError(t, store.UpdateEscrow(ctx, rec))
	rec, err = store.GetEscrow(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, "tx-payee", rec.PayeeTransferRef)
	require.True(t, rec.Released())

	loaded, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Escrow)
	require.Equal(t, int64(5_000_000), loaded.Escrow.HeldSats)
}

func TestClaimReleaseRefusedWhenDisputed(t *testing.T) {
	store := setupTestStore(t)
	ledger := newLedger(t, store)
	ctx := context.Background()
	inv := createInvoice(t, ledger)
	disputed := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateEscrow(ctx, &invoice.EscrowRecord{
		InvoiceID:     inv.ID,
		HeldSats:      5_000_000,
		CreatedAt:     disputed.Add(-time.Hour),
		DisputedAt:    &disputed,
		DisputeReason: "work incomplete",
	}))
	rec, won, err := store.ClaimRelease(ctx, inv.ID, invoice.PayoutSplit{PayeeSats: 1}, disputed)
	require.NoError(t, err)
	require.False(t, won)
	require.False(t, rec.Released())
	require.Equal(t, "work incomplete", rec.DisputeReason)

	_, _, err = store.ClaimRelease(ctx, "missing", invoice.PayoutSplit{}, disputed)
	require.ErrorIs(t, err, invoice.ErrNotFound)
}

func TestListEscrowsByDay(t *testing.T) {
	store := setupTestStore(t)
	ledger := newLedger(t, store)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	a := createInvoice(t, ledger)
	b := createInvoice(t, ledger)
	c := createInvoice(t, ledger)
	released := day.Add(30 * time.Hour)
	require.NoError(t, store.CreateEscrow(ctx, &invoice.EscrowRecord{InvoiceID: a.ID, HeldSats: 1, CreatedAt: day.Add(2 * time.Hour)}))
	require.NoError(t, store.CreateEscrow(ctx, &invoice.EscrowRecord{InvoiceID: b.ID, HeldSats: 2, CreatedAt: day.Add(-2 * time.Hour), ReleasedAt: &released}))
	require.NoError(t, store.CreateEscrow(ctx, &invoice.EscrowRecord{InvoiceID: c.ID, HeldSats: 3, CreatedAt: day.Add(-48 * time.Hour)}))

	recs, err := store.ListEscrows(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, a.ID, recs[0].InvoiceID)

	recs, err = store.ListEscrows(ctx, day.Add(24*time.Hour), day.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, b.ID, recs[0].InvoiceID)
}

func TestEventLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	seq, err := store.LastSequence(ctx)
	require.NoError(t, err)
	require.Zero(t, seq)

	events := []dispatch.Event{
		{Sequence: 1, ID: "e1", InvoiceID: "inv-1", InvoiceSeq: 1, Kind: "transition", To: invoice.StatusPending, Recipients: []string{"alice", "bob", "alice"}, At: at},
		{Sequence: 2, ID: "e2", InvoiceID: "inv-2", InvoiceSeq: 1, Kind: "transition", To: invoice.StatusPending, Recipients: []string{"carol"}, At: at},
		{Sequence: 3, ID: "e3", InvoiceID: "inv-1", InvoiceSeq: 2, Kind: "payout", To: invoice.StatusAccepted, Recipients: []string{"alice", "bob"}, Attributes: map[string]string{"fee_sats": "250000"}, NotifyURL: "https://merchant.example/hooks", At: at},
	}
	for _, evt := range events {
		require.NoError(t, store.Append(ctx, evt))
	}
	require.Error(t, store.Append(ctx, events[0]))

	got, err := store.Since(ctx, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []string{"alice", "bob"}, got[0].Recipients)
	require.Equal(t, "250000", got[1].Attributes["fee_sats"])
	require.Equal(t, "https://merchant.example/hooks", got[1].NotifyURL)

	got, err = store.Since(ctx, "bob", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0].Sequence)

	got, err = store.Since(ctx, dispatch.AllUsers, 0, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = store.Since(ctx, "nobody", 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	seq, err = store.LastSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
	invSeq, err := store.LastInvoiceSequence(ctx, "inv-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), invSeq)
}

func TestDispatcherOverStoreResumes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := dispatch.NewDispatcher(ctx, store)
	require.NoError(t, err)
	_, err = first.Publish(ctx, dispatch.Event{InvoiceID: "inv-1", Kind: "transition", To: invoice.StatusPending, Recipients: []string{"alice"}})
	require.NoError(t, err)
	first.Close()

	second, err := dispatch.NewDispatcher(ctx, store)
	require.NoError(t, err)
	defer second.Close()
	evt, err := second.Publish(ctx, dispatch.Event{InvoiceID: "inv-1", Kind: "transition", From: invoice.StatusPending, To: invoice.StatusEscrowed, Recipients: []string{"alice"}})
	require.NoError(t, err)
	require.Equal(t, uint64(2), evt.Sequence)
	require.Equal(t, uint64(2), evt.InvoiceSeq)

	replay, err := second.Replay(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, replay, 2)
}
