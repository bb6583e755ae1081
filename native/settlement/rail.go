package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"btcescrow/native/invoice"
)

var (
	// ErrUnknownTarget is returned when a notification references a target no
	// watch is registered for.
	ErrUnknownTarget = errors.New("settlement: unknown payment target")
	// ErrDuplicate is returned when a notification was already forwarded.
	ErrDuplicate = errors.New("settlement: duplicate notification")
	// ErrRejected marks backend errors that retrying cannot fix.
	ErrRejected = errors.New("settlement: request rejected by backend")
)

// EventKind classifies what a rail observed for a payment target.
type EventKind string

const (
	EventSettled   EventKind = "settled"
	EventExpired   EventKind = "expired"
	EventSeen      EventKind = "seen"
	EventConfirmed EventKind = "confirmed"
	// EventConflict reports a terminal notification that arrived after the
	// target already closed. It is never a second terminal event.
	EventConflict EventKind = "conflict"
	// EventError reports that the rail can no longer watch the target.
	EventError EventKind = "error"
)

// ParseEventKind normalises notification kinds received from transports.
func ParseEventKind(raw string) (EventKind, error) {
	switch EventKind(raw) {
	case EventSettled, EventExpired, EventSeen, EventConfirmed:
		return EventKind(raw), nil
	default:
		return "", &invoice.ValidationError{Field: "event", Reason: fmt.Sprintf("unsupported rail event %q", raw)}
	}
}

// Event is forwarded to the state machine for a watched target.
type Event struct {
	TargetID      string
	InvoiceID     string
	Method        invoice.Method
	Kind          EventKind
	AmountSats    int64
	Confirmations int
	Final         bool
	At            time.Time
	// Reported carries the original kind for EventConflict.
	Reported EventKind
	Err      error
}

// Terminal reports whether the event closes the target.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventSettled, EventExpired:
		return true
	case EventConfirmed:
		return e.Final
	default:
		return false
	}
}

// Notification is a raw report from a rail transport such as a webhook
// callback, a poller or the simulator.
type Notification struct {
	TargetID      string
	Kind          EventKind
	AmountSats    int64
	Confirmations int
	At            time.Time
}

func (n Notification) dedupeKey() string {
	return fmt.Sprintf("%s|%s|%d|%d", n.TargetID, n.Kind, n.Confirmations, n.AmountSats)
}

// Rail mints payment targets and reports what happens to them.
type Rail interface {
	Method() invoice.Method
	CreateTarget(ctx context.Context, invoiceID string, amountSats int64) (*invoice.PaymentTarget, error)
	// Watch registers target and returns its event stream. The stream stays
	// open until ctx is cancelled.
	Watch(ctx context.Context, target *invoice.PaymentTarget) (<-chan Event, error)
	// Deliver routes a transport notification to the target's watcher.
	Deliver(ctx context.Context, n Notification) error
}

// LightningRequest asks the backend for a payment request.
type LightningRequest struct {
	AmountSats int64
	Expiry     time.Duration
	Memo       string
}

// LightningInvoice is a minted payment request.
type LightningInvoice struct {
	ID             string
	PaymentRequest string
	ExpiresAt      time.Time
}

// OnchainAddress is a receive address allocated by the backend.
type OnchainAddress struct {
	ID      string
	Address string
}

// Backend is the external payment capability the rails drive.
type Backend interface {
	CreateLightningInvoice(ctx context.Context, req LightningRequest) (*LightningInvoice, error)
	NewAddress(ctx context.Context, label string) (*OnchainAddress, error)
}

// RetryConfig bounds backend retries while minting targets.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.InitialInterval <= 0 {
		r.InitialInterval = 250 * time.Millisecond
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 5 * time.Second
	}
	if r.MaxElapsed <= 0 {
		r.MaxElapsed = 30 * time.Second
	}
	return r
}

func retryMint(ctx context.Context, cfg RetryConfig, logger *slog.Logger, method invoice.Method, op func() error) error {
	cfg = cfg.withDefaults()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsed
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		logger.Warn("rail mint attempt failed",
			slog.String("method", string(method)),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return &invoice.RailError{Method: method, Op: "create target", Err: err}
	}
	return nil
}
