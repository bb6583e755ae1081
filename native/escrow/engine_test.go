package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/stretchr/testify/require"

	"btcescrow/native/invoice"
	"btcescrow/native/payout"
	"btcescrow/native/settlement"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Publish(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recorder) count(id string, kind NoticeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.notices {
		if n.InvoiceID == id && n.Kind == kind {
			total++
		}
	}
	return total
}

type backend struct {
	now       func() time.Time
	seq       atomic.Int32
	expiresIn time.Duration
	fail      atomic.Bool
}

func (b *backend) CreateLightningInvoice(_ context.Context, req settlement.LightningRequest) (*settlement.LightningInvoice, error) {
	if b.fail.Load() {
		return nil, fmt.Errorf("%w: node offline", settlement.ErrRejected)
	}
	id := b.seq.Add(1)
	return &settlement.LightningInvoice{
		ID:             fmt.Sprintf("ln-%d", id),
		PaymentRequest: fmt.Sprintf("lnbcrt%d1p%d", req.AmountSats, id),
		ExpiresAt:      b.now().Add(b.expiresIn),
	}, nil
}

func (b *backend) NewAddress(_ context.Context, _ string) (*settlement.OnchainAddress, error) {
	id := b.seq.Add(1)
	return &settlement.OnchainAddress{ID: fmt.Sprintf("addr-%d", id), Address: fmt.Sprintf("bcrt1qescrow%d", id)}, nil
}

type fixture struct {
	engine    *Engine
	ledger    *invoice.Ledger
	clock     *testClock
	pub       *recorder
	backend   *backend
	lightning *settlement.Lightning
	onchain   *settlement.Onchain
	transfers atomic.Int64
	failPay   atomic.Bool
}

type fixtureConfig struct {
	policy     Policy
	lnExpiry   time.Duration
	railGrace  time.Duration
	realClock  bool
	confirmDep int
}

func testAddress(t *testing.T, seed byte) string {
	t.Helper()
	program := make([]byte, 20)
	for i := range program {
		program[i] = seed + byte(i)
	}
	conv, err := bech32.ConvertBits(program, 8, 5, true)
	require.NoError(t, err)
	addr, err := bech32.Encode("bcrt", append([]byte{0}, conv...))
	require.NoError(t, err)
	return addr
}

func defaultFixtureConfig() fixtureConfig {
	policy := DefaultPolicy()
	policy.GraceWindow = 2 * time.Second
	return fixtureConfig{
		policy:     policy,
		lnExpiry:   600 * time.Second,
		railGrace:  2 * time.Second,
		confirmDep: 3,
	}
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	f := &fixture{
		clock: &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		pub:   &recorder{},
	}
	now := f.clock.Now
	if cfg.realClock {
		now = time.Now
	}
	f.backend = &backend{now: now, expiresIn: cfg.lnExpiry}
	retry := settlement.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: 20 * time.Millisecond}

	var err error
	f.lightning, err = settlement.NewLightning(f.backend, settlement.LightningConfig{Expiry: cfg.lnExpiry, Grace: cfg.railGrace, Retry: retry, Clock: now})
	require.NoError(t, err)
	f.onchain, err = settlement.NewOnchain(f.backend, settlement.OnchainConfig{Confirmations: cfg.confirmDep, Retry: retry, Clock: now})
	require.NoError(t, err)

	seq := 0
	f.ledger = invoice.NewLedger(invoice.NewMemoryStore(),
		invoice.WithClock(now),
		invoice.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("inv-%d", seq)
		}),
	)
	dir, err := payout.NewStaticDirectory(map[string]string{"bob": testAddress(t, 1)}, "")
	require.NoError(t, err)
	transfers := payout.FuncTransferer(func(_ context.Context, tr payout.Transfer) (string, error) {
		if f.failPay.Load() {
			return "", errors.New("wallet locked")
		}
		f.transfers.Add(1)
		return "tx-" + tr.IdempotencyKey, nil
	})
	splitter, err := payout.NewSplitter(payout.Config{FeeBps: cfg.policy.FeeBps, FeeDestination: testAddress(t, 60)},
		f.ledger.Store(), transfers, dir, payout.WithClock(now))
	require.NoError(t, err)

	rails := map[invoice.Method]settlement.Rail{
		invoice.MethodLightning: f.lightning,
		invoice.MethodOnchain:   f.onchain,
	}
	f.engine, err = NewEngine(f.ledger, rails, splitter, f.pub, WithClock(now), WithPolicy(cfg.policy))
	require.NoError(t, err)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) create(t *testing.T, amount, currency string) *invoice.Invoice {
	t.Helper()
	inv, err := f.engine.CreateInvoice(context.Background(), invoice.CreateRequest{
		Title:    "Logo design",
		Amount:   amount,
		Currency: currency,
		PayerID:  "alice",
		PayeeID:  "bob",
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) waitStatus(t *testing.T, id string, want invoice.Status) *invoice.Invoice {
	t.Helper()
	var inv *invoice.Invoice
	require.Eventually(t, func() bool {
		got, err := f.ledger.GetInvoice(context.Background(), id)
		if err != nil {
			return false
		}
		inv = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "invoice %s never reached %s", id, want)
	return inv
}

func (f *fixture) escrowed(t *testing.T) *invoice.Invoice {
	t.Helper()
	ctx := context.Background()
	inv := f.create(t, "0.05", "BTC")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.lightning.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSettled, AmountSats: inv.AmountSats, At: f.clock.Now()}))
	return f.waitStatus(t, inv.ID, invoice.StatusEscrowed)
}

func statuses(t *testing.T, ledger *invoice.Ledger, id string) []invoice.Status {
	t.Helper()
	log, err := ledger.History(context.Background(), id)
	require.NoError(t, err)
	require.True(t, invoice.ValidPath(log))
	out := make([]invoice.Status, 0, len(log))
	for _, entry := range log {
		out = append(out, entry.To)
	}
	return out
}

func TestNewEngineValidates(t *testing.T) {
	ledger := invoice.NewLedger(invoice.NewMemoryStore())
	_, err := NewEngine(ledger, nil, nil, nil)
	require.Error(t, err)

	rail, err := settlement.NewOnchain(&backend{now: time.Now}, settlement.OnchainConfig{})
	require.NoError(t, err)
	_, err = NewEngine(ledger, map[invoice.Method]settlement.Rail{invoice.MethodLightning: rail}, releaserStub{}, nil)
	require.Error(t, err)

	bad := DefaultPolicy()
	bad.FeeBps = 10_001
	_, err = NewEngine(ledger, map[invoice.Method]settlement.Rail{invoice.MethodOnchain: rail}, releaserStub{}, nil, WithPolicy(bad))
	require.Error(t, err)
}

type releaserStub struct{}

func (releaserStub) Release(context.Context, string) (invoice.PayoutSplit, error) {
	return invoice.PayoutSplit{}, nil
}

func (releaserStub) Resume(context.Context, string) (invoice.PayoutSplit, error) {
	return invoice.PayoutSplit{}, nil
}

func (releaserStub) Get(context.Context, string) (*invoice.EscrowRecord, error) {
	return nil, nil
}

func TestHappyPathLightning(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()

	inv := f.escrowed(t)
	require.Equal(t, int64(5_000_000), inv.AmountSats)
	require.NotNil(t, inv.Escrow)
	require.Equal(t, int64(5_000_000), inv.Escrow.HeldSats)
	require.Equal(t, invoice.ConfirmationConfirmed, inv.Settlement.ConfirmationState)

	_, err := f.engine.MarkDelivered(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrForbidden)
	_, err = f.engine.MarkDelivered(ctx, inv.ID, "bob")
	require.NoError(t, err)
	again, err := f.engine.MarkDelivered(ctx, inv.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, invoice.StatusDelivered, again.Status)

	_, err = f.engine.AcceptDelivery(ctx, inv.ID, "bob")
	require.ErrorIs(t, err, invoice.ErrForbidden)
	split, err := f.engine.AcceptDelivery(ctx, inv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, invoice.PayoutSplit{PayeeSats: 4_750_000, FeeSats: 250_000, FeeBps: 500}, split)
	require.Equal(t, int64(2), f.transfers.Load())

	_, err = f.engine.AcceptDelivery(ctx, inv.ID, "alice")
	var already *invoice.AlreadyReleasedError
	require.ErrorAs(t, err, &already)
	require.Equal(t, split, already.Split)
	require.Equal(t, int64(2), f.transfers.Load())

	require.Equal(t, []invoice.Status{invoice.StatusEscrowed, invoice.StatusDelivered, invoice.StatusAccepted}, statuses(t, f.ledger, inv.ID))
	require.Equal(t, 1, f.pub.count(inv.ID, NoticePayout))
	// creation plus three transitions
	require.Equal(t, 4, f.pub.count(inv.ID, NoticeTransition))
}

func TestConcurrentAcceptReleasesOnce(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.escrowed(t)
	_, err := f.engine.MarkDelivered(ctx, inv.ID, "bob")
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.AcceptDelivery(ctx, inv.ID, "alice")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, invoice.ErrAlreadyReleased)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, int64(2), f.transfers.Load())
}

func TestAcceptTransferFailureStaysDeliveredThenCompletes(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.escrowed(t)
	_, err := f.engine.MarkDelivered(ctx, inv.ID, "bob")
	require.NoError(t, err)

	f.failPay.Store(true)
	_, err = f.engine.AcceptDelivery(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrRailUnavailable)
	current, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusDelivered, current.Status)
	require.True(t, current.Escrow.Released())

	f.failPay.Store(false)
	split, err := f.engine.AcceptDelivery(ctx, inv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(250_000), split.FeeSats)
	require.Equal(t, int64(2), f.transfers.Load())
	f.waitStatus(t, inv.ID, invoice.StatusAccepted)
}

func TestDisputeBlocksRelease(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.escrowed(t)
	_, err := f.engine.MarkDelivered(ctx, inv.ID, "bob")
	require.NoError(t, err)

	_, err = f.engine.RaiseDispute(ctx, inv.ID, "alice", "  ")
	require.ErrorIs(t, err, invoice.ErrValidation)
	_, err = f.engine.RaiseDispute(ctx, inv.ID, "bob", "not as described")
	require.ErrorIs(t, err, invoice.ErrForbidden)

	disputed, err := f.engine.RaiseDispute(ctx, inv.ID, "alice", "not as described")
	require.NoError(t, err)
	require.Equal(t, invoice.StatusEscrowed, disputed.Status)
	require.True(t, disputed.Disputed)
	require.True(t, disputed.Escrow.Disputed())
	require.Equal(t, "not as described", disputed.Escrow.DisputeReason)
	require.Equal(t, 1, f.pub.count(inv.ID, NoticeDispute))

	_, err = f.engine.MarkDelivered(ctx, inv.ID, "bob")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
	_, err = f.engine.AcceptDelivery(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
	require.Zero(t, f.transfers.Load())
}

func TestCancelBeforeActivity(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "250000", "SATS")
	_, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, inv.ID, "bob")
	require.ErrorIs(t, err, invoice.ErrForbidden)
	cancelled, err := f.engine.Cancel(ctx, inv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, invoice.StatusExpired, cancelled.Status)
	require.Equal(t, "cancelled", cancelled.FailureReason)
	require.True(t, cancelled.Settlement.Archived)

	_, err = f.engine.Cancel(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
}

func TestCancelRefusedAfterActivity(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "250000", "SATS")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)
	require.NoError(t, f.onchain.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSeen, AmountSats: 250_000}))
	require.Eventually(t, func() bool {
		got, err := f.ledger.GetInvoice(ctx, inv.ID)
		return err == nil && got.Settlement.ConfirmationState == invoice.ConfirmationDetected
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.engine.Cancel(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
	_, err = f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
}

func TestSelectMethodFallbackArchivesPrevious(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.01", "BTC")

	ln, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)
	require.NotNil(t, ln.ExpiresAt)
	same, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)
	require.Equal(t, ln.ID, same.ID)

	onchain, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)
	require.NotEqual(t, ln.ID, onchain.ID)
	require.NotNil(t, onchain.StaleAt)
	require.Equal(t, f.clock.Now().Add(DefaultStalenessWindow), *onchain.StaleAt)

	prev, err := f.ledger.TargetByID(ctx, ln.ID)
	require.NoError(t, err)
	require.True(t, prev.Archived)
	require.Equal(t, 1, f.engine.ActiveWatches())
	require.Equal(t, 2, f.pub.count(inv.ID, NoticeTarget))

	_, err = f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "bob")
	require.ErrorIs(t, err, invoice.ErrForbidden)
}

func TestSelectMethodMintFailure(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.01", "BTC")
	f.backend.fail.Store(true)

	_, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.ErrorIs(t, err, invoice.ErrRailUnavailable)
	current, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, invoice.StatusPending, current.Status)
	require.Nil(t, current.Settlement)
	require.Equal(t, 1, f.pub.count(inv.ID, NoticeRailError))
}

func TestFailAndRetry(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.01", "BTC")
	_, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)

	failed, err := f.engine.Fail(ctx, inv.ID, "backend maintenance")
	require.NoError(t, err)
	require.Equal(t, invoice.StatusFailed, failed.Status)
	require.Equal(t, "backend maintenance", failed.FailureReason)
	require.True(t, failed.Settlement.Archived)

	retried, err := f.engine.Retry(ctx, inv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, invoice.StatusPending, retried.Status)
	require.Empty(t, retried.FailureReason)

	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodOnchain, "alice")
	require.NoError(t, err)
	require.Equal(t, invoice.MethodOnchain, target.Method)
}

func TestRetryRefusedWhileEscrowHoldsFunds(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.escrowed(t)
	_, err := f.engine.Fail(ctx, inv.ID, "")
	require.NoError(t, err)

	_, err = f.engine.Retry(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
	_, err = f.engine.Fail(ctx, inv.ID, "again")
	require.ErrorIs(t, err, invoice.ErrInvalidTransition)
}

func TestStartResumesWatches(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv := f.create(t, "0.01", "BTC")
	target, err := f.engine.SelectMethod(ctx, inv.ID, invoice.MethodLightning, "alice")
	require.NoError(t, err)
	f.engine.Close()
	require.Zero(t, f.engine.ActiveWatches())

	rails := map[invoice.Method]settlement.Rail{invoice.MethodLightning: f.lightning, invoice.MethodOnchain: f.onchain}
	restarted, err := NewEngine(f.ledger, rails, releaserStub{}, f.pub, WithClock(f.clock.Now), WithPolicy(f.engine.Policy()))
	require.NoError(t, err)
	t.Cleanup(restarted.Close)
	require.NoError(t, restarted.Start(ctx))
	require.Equal(t, 1, restarted.ActiveWatches())

	require.NoError(t, f.lightning.Deliver(ctx, settlement.Notification{TargetID: target.ID, Kind: settlement.EventSettled, AmountSats: inv.AmountSats, At: f.clock.Now()}))
	f.waitStatus(t, inv.ID, invoice.StatusEscrowed)
}

func TestActionsWithoutOwnerAreForbidden(t *testing.T) {
	f := newFixture(t, defaultFixtureConfig())
	ctx := context.Background()
	inv, err := f.engine.CreateInvoice(ctx, invoice.CreateRequest{Title: "Open brief", Amount: "1000", Currency: "SATS", PayerID: "alice"})
	require.NoError(t, err)

	_, err = f.engine.MarkDelivered(ctx, inv.ID, "alice")
	require.ErrorIs(t, err, invoice.ErrForbidden)
	_, err = f.engine.MarkDelivered(ctx, inv.ID, "bob")
	require.ErrorIs(t, err, invoice.ErrForbidden)
}
