package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"btcescrow/native/invoice"
)

const (
	DefaultConfirmations = 3
	maxConfirmations     = 100
)

// OnchainConfig tunes the on-chain rail.
type OnchainConfig struct {
	Confirmations int
	Retry         RetryConfig
	Clock         func() time.Time
	Dedup         Deduper
	Logger        *slog.Logger
}

// Onchain is the Rail for address based payments that finalise after a
// confirmation threshold.
type Onchain struct {
	cfg     OnchainConfig
	backend Backend
	watches *registry
}

// NewOnchain constructs an on-chain rail over backend.
func NewOnchain(backend Backend, cfg OnchainConfig) (*Onchain, error) {
	if backend == nil {
		return nil, fmt.Errorf("onchain rail: backend required")
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = DefaultConfirmations
	}
	if cfg.Confirmations < 1 || cfg.Confirmations > maxConfirmations {
		return nil, fmt.Errorf("onchain rail: confirmations must be between 1 and %d", maxConfirmations)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewMemoryDeduper()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Onchain{cfg: cfg, backend: backend, watches: newRegistry()}, nil
}

// Method implements Rail.
func (o *Onchain) Method() invoice.Method { return invoice.MethodOnchain }

// Threshold returns the confirmation depth treated as final.
func (o *Onchain) Threshold() int { return o.cfg.Confirmations }

// CreateTarget allocates a receive address. The address carries no amount, so
// the payer may send a different value.
func (o *Onchain) CreateTarget(ctx context.Context, invoiceID string, amountSats int64) (*invoice.PaymentTarget, error) {
	if amountSats <= 0 {
		return nil, &invoice.ValidationError{Field: "amount", Reason: "onchain amount must be positive"}
	}
	var addr *OnchainAddress
	err := retryMint(ctx, o.cfg.Retry, o.cfg.Logger, invoice.MethodOnchain, func() error {
		out, err := o.backend.NewAddress(ctx, invoiceID)
		if err != nil {
			return err
		}
		addr = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(addr.ID) == "" || strings.TrimSpace(addr.Address) == "" {
		return nil, &invoice.RailError{Method: invoice.MethodOnchain, Op: "create target", Err: fmt.Errorf("backend returned an incomplete address")}
	}
	return &invoice.PaymentTarget{
		ID:                addr.ID,
		InvoiceID:         invoiceID,
		Method:            invoice.MethodOnchain,
		Destination:       addr.Address,
		AmountSats:        amountSats,
		ConfirmationState: invoice.ConfirmationAwaiting,
		CreatedAt:         o.cfg.Clock().UTC(),
	}, nil
}

// Watch registers the target. On-chain targets have no expiry; staleness is
// the caller's policy.
func (o *Onchain) Watch(ctx context.Context, target *invoice.PaymentTarget) (<-chan Event, error) {
	if target == nil || target.Method != invoice.MethodOnchain {
		return nil, &invoice.ValidationError{Field: "target", Reason: "onchain target required"}
	}
	w := o.watches.add(ctx, target)
	if target.ConfirmationState == invoice.ConfirmationConfirmed {
		w.mu.Lock()
		w.closed = true
		w.finalSats = target.ReceivedSats
		w.mu.Unlock()
	}
	return w.ch, nil
}

// Deliver implements Rail.
func (o *Onchain) Deliver(ctx context.Context, n Notification) error {
	if n.Kind != EventSeen && n.Kind != EventConfirmed {
		return &invoice.ValidationError{Field: "event", Reason: fmt.Sprintf("onchain rail does not report %q", n.Kind)}
	}
	if n.Confirmations < 0 {
		return &invoice.ValidationError{Field: "confirmations", Reason: "must be non-negative"}
	}
	if n.Kind == EventSeen {
		n.Confirmations = 0
	}
	w, err := admit(ctx, o.watches, o.cfg.Dedup, n)
	if err != nil {
		return err
	}
	if n.At.IsZero() {
		n.At = o.cfg.Clock().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		if n.AmountSats <= w.finalSats {
			return nil
		}
		o.cfg.Logger.Warn("payment to finalised onchain target",
			slog.String("target_id", w.target.ID),
			slog.Int64("final_sats", w.finalSats),
			slog.Int64("amount_sats", n.AmountSats))
		if err := w.emitLocked(ctx, Event{Kind: EventConflict, Reported: n.Kind, AmountSats: n.AmountSats, Confirmations: n.Confirmations, At: n.At}); err != nil {
			return release(ctx, o.cfg.Dedup, n, err)
		}
		w.finalSats = n.AmountSats
		return nil
	}
	final := n.Kind == EventConfirmed && n.Confirmations >= o.cfg.Confirmations
	ev := Event{Kind: n.Kind, AmountSats: n.AmountSats, Confirmations: n.Confirmations, Final: final, At: n.At}
	if err := w.emitLocked(ctx, ev); err != nil {
		return release(ctx, o.cfg.Dedup, n, err)
	}
	if final {
		w.closed = true
		w.finalSats = n.AmountSats
	}
	return nil
}
