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
	DefaultLightningExpiry = 15 * time.Minute
	DefaultGraceWindow     = 30 * time.Second
)

// LightningConfig tunes the Lightning rail.
type LightningConfig struct {
	Expiry time.Duration
	// Grace delays the expiry event so a settlement still in transport can
	// win the race.
	Grace  time.Duration
	Retry  RetryConfig
	Clock  func() time.Time
	Dedup  Deduper
	Logger *slog.Logger
}

// Lightning is the Rail for payment requests that settle instantly and expire.
type Lightning struct {
	cfg     LightningConfig
	backend Backend
	watches *registry
}

// NewLightning constructs a Lightning rail over backend.
func NewLightning(backend Backend, cfg LightningConfig) (*Lightning, error) {
	if backend == nil {
		return nil, fmt.Errorf("lightning rail: backend required")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultLightningExpiry
	}
	if cfg.Grace < 0 {
		return nil, fmt.Errorf("lightning rail: grace window must be non-negative")
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
	return &Lightning{cfg: cfg, backend: backend, watches: newRegistry()}, nil
}

// Method implements Rail.
func (l *Lightning) Method() invoice.Method { return invoice.MethodLightning }

// Grace returns the configured grace window.
func (l *Lightning) Grace() time.Duration { return l.cfg.Grace }

// CreateTarget mints a payment request for the exact amount.
func (l *Lightning) CreateTarget(ctx context.Context, invoiceID string, amountSats int64) (*invoice.PaymentTarget, error) {
	if amountSats <= 0 {
		return nil, &invoice.ValidationError{Field: "amount", Reason: "lightning amount must be positive"}
	}
	var minted *LightningInvoice
	err := retryMint(ctx, l.cfg.Retry, l.cfg.Logger, invoice.MethodLightning, func() error {
		out, err := l.backend.CreateLightningInvoice(ctx, LightningRequest{
			AmountSats: amountSats,
			Expiry:     l.cfg.Expiry,
			Memo:       invoiceID,
		})
		if err != nil {
			return err
		}
		minted = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(minted.ID) == "" || strings.TrimSpace(minted.PaymentRequest) == "" {
		return nil, &invoice.RailError{Method: invoice.MethodLightning, Op: "create target", Err: fmt.Errorf("backend returned an incomplete invoice")}
	}
	now := l.cfg.Clock().UTC()
	expires := minted.ExpiresAt.UTC()
	if minted.ExpiresAt.IsZero() {
		expires = now.Add(l.cfg.Expiry)
	}
	return &invoice.PaymentTarget{
		ID:                minted.ID,
		InvoiceID:         invoiceID,
		Method:            invoice.MethodLightning,
		Destination:       minted.PaymentRequest,
		AmountSats:        amountSats,
		ExpiresAt:         &expires,
		ConfirmationState: invoice.ConfirmationAwaiting,
		CreatedAt:         now,
	}, nil
}

// Watch registers the target and arms its expiry timer.
func (l *Lightning) Watch(ctx context.Context, target *invoice.PaymentTarget) (<-chan Event, error) {
	if target == nil || target.Method != invoice.MethodLightning {
		return nil, &invoice.ValidationError{Field: "target", Reason: "lightning target required"}
	}
	if target.ExpiresAt == nil {
		return nil, &invoice.ValidationError{Field: "target", Reason: "lightning target has no expiry"}
	}
	w := l.watches.add(ctx, target)
	w.mu.Lock()
	defer w.mu.Unlock()
	switch target.ConfirmationState {
	case invoice.ConfirmationConfirmed, invoice.ConfirmationExpired:
		w.closed = true
		return w.ch, nil
	}
	deadline := target.ExpiresAt.Add(l.cfg.Grace)
	w.timer = time.AfterFunc(deadline.Sub(l.cfg.Clock()), func() {
		l.fireExpiry(w)
	})
	return w.ch, nil
}

func (l *Lightning) fireExpiry(w *watch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	_ = w.emitLocked(context.Background(), Event{
		Kind: EventExpired,
		At:   *w.target.ExpiresAt,
	})
}

// Deliver implements Rail.
func (l *Lightning) Deliver(ctx context.Context, n Notification) error {
	if n.Kind != EventSettled && n.Kind != EventExpired {
		return &invoice.ValidationError{Field: "event", Reason: fmt.Sprintf("lightning rail does not report %q", n.Kind)}
	}
	w, err := admit(ctx, l.watches, l.cfg.Dedup, n)
	if err != nil {
		return err
	}
	if n.At.IsZero() {
		n.At = l.cfg.Clock().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		if n.Kind == EventExpired || w.conflictSent {
			return nil
		}
		l.cfg.Logger.Warn("late lightning settlement",
			slog.String("target_id", w.target.ID),
			slog.Int64("amount_sats", n.AmountSats))
		if err := w.emitLocked(ctx, Event{Kind: EventConflict, Reported: n.Kind, AmountSats: n.AmountSats, At: n.At}); err != nil {
			return release(ctx, l.cfg.Dedup, n, err)
		}
		w.conflictSent = true
		return nil
	}
	ev := Event{Kind: EventSettled, AmountSats: n.AmountSats, Final: true, At: n.At}
	if n.Kind == EventExpired {
		ev = Event{Kind: EventExpired, At: n.At}
	}
	if err := w.emitLocked(ctx, ev); err != nil {
		return release(ctx, l.cfg.Dedup, n, err)
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	return nil
}

// admit resolves the watch and drops duplicate notifications.
func admit(ctx context.Context, reg *registry, dedup Deduper, n Notification) (*watch, error) {
	w, ok := reg.get(strings.TrimSpace(n.TargetID))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, n.TargetID)
	}
	first, err := dedup.Reserve(ctx, n.dedupeKey())
	if err != nil {
		return nil, fmt.Errorf("dedupe notification: %w", err)
	}
	if !first {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicate, n.TargetID, n.Kind)
	}
	return w, nil
}

// release forgets n after its forward failed so the transport's retry is
// admitted again.
func release(ctx context.Context, dedup Deduper, n Notification, cause error) error {
	if err := dedup.Release(context.WithoutCancel(ctx), n.dedupeKey()); err != nil {
		return fmt.Errorf("%w (release dedupe key: %v)", cause, err)
	}
	return cause
}
