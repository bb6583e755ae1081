package simrail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"btcescrow/native/invoice"
	"btcescrow/native/payout"
	"btcescrow/native/settlement"
)

func TestAddressesAreValidRegtest(t *testing.T) {
	b := New()
	addr, err := b.NewAddress(context.Background(), "inv-1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr.Address, "bcrt1"))
	require.NoError(t, payout.ValidateAddress(addr.Address))

	a1, err := Address("seed")
	require.NoError(t, err)
	a2, err := Address("seed")
	require.NoError(t, err)
	require.Equal(t, a1, a2)
}

func TestLightningPaymentSettlesThroughRail(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(WithClock(func() time.Time { return now }))
	rail, err := settlement.NewLightning(b, settlement.LightningConfig{Expiry: time.Hour, Clock: func() time.Time { return now }})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target, err := rail.CreateTarget(ctx, "inv-1", 5_000_000)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(target.Destination, "lnbcrt50000000n1"))
	events, err := rail.Watch(ctx, target)
	require.NoError(t, err)

	method, n, err := b.Pay(target.ID, 0)
	require.NoError(t, err)
	require.Equal(t, invoice.MethodLightning, method)
	require.Equal(t, int64(5_000_000), n.AmountSats)
	require.NoError(t, rail.Deliver(ctx, n))

	select {
	case ev := <-events:
		require.Equal(t, settlement.EventSettled, ev.Kind)
		require.Equal(t, int64(5_000_000), ev.AmountSats)
	case <-time.After(time.Second):
		t.Fatal("no settlement event")
	}
}

func TestOnchainPayThenConfirm(t *testing.T) {
	b := New()
	addr, err := b.NewAddress(context.Background(), "inv-2")
	require.NoError(t, err)

	_, _, err = b.Confirm(addr.ID, 1)
	require.ErrorIs(t, err, invoice.ErrValidation)
	_, _, err = b.Pay(addr.ID, 0)
	require.ErrorIs(t, err, invoice.ErrValidation)

	method, n, err := b.Pay(addr.ID, 4_900_000)
	require.NoError(t, err)
	require.Equal(t, invoice.MethodOnchain, method)
	require.Equal(t, settlement.EventSeen, n.Kind)

	_, n, err = b.Confirm(addr.ID, 3)
	require.NoError(t, err)
	require.Equal(t, settlement.EventConfirmed, n.Kind)
	require.Equal(t, 3, n.Confirmations)
	require.Equal(t, int64(4_900_000), n.AmountSats)

	_, _, err = b.Pay("missing", 1)
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestTransferIsIdempotent(t *testing.T) {
	b := New()
	dest, err := Address("payee")
	require.NoError(t, err)
	tr := payout.Transfer{IdempotencyKey: "inv-1:payee", InvoiceID: "inv-1", Leg: payout.LegPayee, Destination: dest, AmountSats: 4_750_000}
	ref1, err := b.Transfer(context.Background(), tr)
	require.NoError(t, err)
	ref2, err := b.Transfer(context.Background(), tr)
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)
	require.Len(t, b.Transfers(), 1)

	_, err = b.Transfer(context.Background(), payout.Transfer{IdempotencyKey: "x", Destination: "nope", AmountSats: 1})
	require.ErrorIs(t, err, settlement.ErrRejected)
}

func TestFailuresAreInjected(t *testing.T) {
	b := New()
	b.FailNext(1)
	_, err := b.NewAddress(context.Background(), "inv")
	require.Error(t, err)
	_, err = b.NewAddress(context.Background(), "inv")
	require.NoError(t, err)

	b.Reject(true)
	_, err = b.CreateLightningInvoice(context.Background(), settlement.LightningRequest{AmountSats: 10, Expiry: time.Minute})
	require.ErrorIs(t, err, settlement.ErrRejected)
}
