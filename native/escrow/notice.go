package escrow

import (
	"context"
	"time"

	"btcescrow/native/invoice"
)

// NoticeKind classifies what a published notice reports.
type NoticeKind string

const (
	NoticeTransition     NoticeKind = "transition"
	NoticeTarget         NoticeKind = "payment_target"
	NoticeActivity       NoticeKind = "payment_detected"
	NoticeReconciliation NoticeKind = "reconciliation"
	NoticeReprompt       NoticeKind = "reprompt"
	NoticeDispute        NoticeKind = "dispute"
	NoticePayout         NoticeKind = "payout"
	NoticeRailError      NoticeKind = "rail_error"
	NoticeAnomaly        NoticeKind = "anomaly"
)

// Notice is what the engine hands to the event dispatcher. Transition notices
// carry From and To; the other kinds report a status that did not change.
type Notice struct {
	InvoiceID       string
	Kind            NoticeKind
	From            invoice.Status
	To              invoice.Status
	Reason          string
	Recipients      []string
	NotificationURL string
	Attributes      map[string]string
	At              time.Time
}

// Publisher receives engine notices. Implementations must preserve the order
// of calls for a single invoice.
type Publisher interface {
	Publish(ctx context.Context, n Notice) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, n Notice) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, n Notice) error { return f(ctx, n) }

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Notice) error { return nil }

func recipients(inv *invoice.Invoice) []string {
	out := make([]string, 0, 2)
	if inv.PayerID != "" {
		out = append(out, inv.PayerID)
	}
	if inv.PayeeID != "" {
		out = append(out, inv.PayeeID)
	}
	return out
}
