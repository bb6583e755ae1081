package invoice

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxTitleLength = 200
	maxNoteLength  = 2000
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// WithIDGenerator overrides invoice identifier allocation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// Ledger owns invoice identity, immutability of issued invoices and the audit
// trail of every status change.
type Ledger struct {
	store Store
	nowFn func() time.Time
	newID func() string
}

// NewLedger wraps the provided store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		nowFn: time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the backing store for collaborators that share it.
func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) now() time.Time { return l.nowFn().UTC() }

// CreateInvoice validates the request and records a new pending invoice.
func (l *Ledger) CreateInvoice(ctx context.Context, req CreateRequest) (*Invoice, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, &ValidationError{Field: "projectTitle", Reason: "title required"}
	}
	if len(title) > maxTitleLength {
		return nil, &ValidationError{Field: "projectTitle", Reason: fmt.Sprintf("title exceeds %d characters", maxTitleLength)}
	}
	note := strings.TrimSpace(req.Note)
	if len(note) > maxNoteLength {
		return nil, &ValidationError{Field: "note", Reason: fmt.Sprintf("note exceeds %d characters", maxNoteLength)}
	}
	currency, err := ParseCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	sats, err := ParseAmount(req.Amount, currency)
	if err != nil {
		return nil, err
	}
	notifyURL, err := normalizeNotificationURL(req.NotificationURL)
	if err != nil {
		return nil, err
	}
	payer := strings.TrimSpace(req.PayerID)
	payee := strings.TrimSpace(req.PayeeID)
	if payer != "" && payer == payee {
		return nil, &ValidationError{Field: "payeeId", Reason: "payer and payee must differ"}
	}
	now := l.now()
	inv := &Invoice{
		ID:              l.newID(),
		ProjectTitle:    title,
		Note:            note,
		PayerID:         payer,
		PayeeID:         payee,
		Amount:          strings.TrimSpace(req.Amount),
		Currency:        currency,
		AmountSats:      sats,
		Status:          StatusPending,
		NotificationURL: notifyURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.CreateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return inv.Clone(), nil
}

// GetInvoice returns the invoice with its active target and escrow record.
func (l *Ledger) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &ValidationError{Field: "invoiceId", Reason: "invoice id required"}
	}
	return l.store.GetInvoice(ctx, id)
}

// UpdateStatus applies a status change permitted by the transition table and
// appends it to the audit log.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, to Status, reason string) (*Transition, error) {
	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", to)}
	}
	inv, err := l.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(inv.Status, to); err != nil {
		return nil, err
	}
	now := l.now()
	entry, err := l.store.TransitionStatus(ctx, id, inv.Status, to, reason, now)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("update status %s -> %s: %w", inv.Status, to, err)
		}
		return nil, err
	}
	inv.Status = to
	inv.UpdatedAt = now
	switch to {
	case StatusFailed, StatusExpired:
		inv.FailureReason = reason
	case StatusPending:
		inv.FailureReason = ""
	}
	if to.Terminal() || to == StatusFailed {
		if err := l.archiveTarget(ctx, inv); err != nil {
			return entry, err
		}
	}
	if err := l.store.UpdateInvoice(ctx, inv); err != nil {
		return entry, fmt.Errorf("update invoice metadata: %w", err)
	}
	return entry, nil
}

// History returns the transition log ordered by sequence.
func (l *Ledger) History(ctx context.Context, id string) ([]Transition, error) {
	return l.store.ListTransitions(ctx, id)
}

// AttachTarget makes target the invoice's active payment target, archiving any
// previous one.
func (l *Ledger) AttachTarget(ctx context.Context, id string, target *PaymentTarget) (*Invoice, error) {
	if target == nil {
		return nil, &ValidationError{Field: "target", Reason: "target required"}
	}
	inv, err := l.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusPending {
		return nil, &TransitionError{From: inv.Status, To: StatusPending}
	}
	if err := l.archiveTarget(ctx, inv); err != nil {
		return nil, err
	}
	target.InvoiceID = inv.ID
	if target.CreatedAt.IsZero() {
		target.CreatedAt = l.now()
	}
	if target.ConfirmationState == "" {
		target.ConfirmationState = ConfirmationAwaiting
	}
	if err := l.store.PutTarget(ctx, target); err != nil {
		return nil, fmt.Errorf("store target: %w", err)
	}
	inv.Settlement = target.Clone()
	inv.ExpiresAt = nil
	if target.ExpiresAt != nil {
		ts := *target.ExpiresAt
		inv.ExpiresAt = &ts
	}
	inv.UpdatedAt = l.now()
	if err := l.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("attach target: %w", err)
	}
	return inv.Clone(), nil
}

func (l *Ledger) archiveTarget(ctx context.Context, inv *Invoice) error {
	if inv.Settlement == nil || inv.Settlement.Archived {
		return nil
	}
	prev := inv.Settlement.Clone()
	prev.Archived = true
	if prev.ConfirmationState == ConfirmationAwaiting || prev.ConfirmationState == ConfirmationDetected {
		if inv.Status == StatusExpired {
			prev.ConfirmationState = ConfirmationExpired
		}
	}
	if err := l.store.PutTarget(ctx, prev); err != nil {
		return fmt.Errorf("archive target: %w", err)
	}
	inv.Settlement = prev
	return nil
}

// UpdateTarget persists rail observations for a target.
func (l *Ledger) UpdateTarget(ctx context.Context, target *PaymentTarget) error {
	if target == nil {
		return &ValidationError{Field: "target", Reason: "target required"}
	}
	return l.store.PutTarget(ctx, target)
}

// TargetByID resolves a payment target.
func (l *Ledger) TargetByID(ctx context.Context, targetID string) (*PaymentTarget, error) {
	return l.store.GetTarget(ctx, strings.TrimSpace(targetID))
}

// SetReconciliation flags the invoice for an operator.
func (l *Ledger) SetReconciliation(ctx context.Context, id string, rec Reconciliation) (*Invoice, error) {
	inv, err := l.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.RaisedAt.IsZero() {
		rec.RaisedAt = l.now()
	}
	inv.Reconciliation = &rec
	inv.UpdatedAt = l.now()
	if err := l.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("flag reconciliation: %w", err)
	}
	return inv, nil
}

// ClearReconciliation removes an operator flag.
func (l *Ledger) ClearReconciliation(ctx context.Context, id string) (*Invoice, error) {
	inv, err := l.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Reconciliation == nil {
		return inv, nil
	}
	inv.Reconciliation = nil
	inv.UpdatedAt = l.now()
	if err := l.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("clear reconciliation: %w", err)
	}
	return inv, nil
}

// SetDisputed toggles the dispute flag on the invoice.
func (l *Ledger) SetDisputed(ctx context.Context, id string, disputed bool) error {
	inv, err := l.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if inv.Disputed == disputed {
		return nil
	}
	inv.Disputed = disputed
	inv.UpdatedAt = l.now()
	return l.store.UpdateInvoice(ctx, inv)
}

// ListOpen returns every invoice that has not reached a terminal state.
func (l *Ledger) ListOpen(ctx context.Context) ([]*Invoice, error) {
	return l.store.ListOpenInvoices(ctx)
}

func normalizeNotificationURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", &ValidationError{Field: "notificationUrl", Reason: "must be an absolute url"}
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", &ValidationError{Field: "notificationUrl", Reason: "scheme must be http or https"}
	}
	return parsed.String(), nil
}
