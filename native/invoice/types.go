package invoice

import (
	"fmt"
	"strings"
	"time"
)

// Status enumerates the lifecycle states of an invoice.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEscrowed  Status = "escrowed"
	StatusDelivered Status = "delivered"
	StatusAccepted  Status = "accepted"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEscrowed, StatusDelivered, StatusAccepted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Currency is the unit an invoice amount is denominated in.
type Currency string

const (
	CurrencyBTC  Currency = "BTC"
	CurrencySats Currency = "SATS"
)

// ParseCurrency normalises user supplied currency codes.
func ParseCurrency(raw string) (Currency, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BTC":
		return CurrencyBTC, nil
	case "SATS", "SAT":
		return CurrencySats, nil
	default:
		return "", &ValidationError{Field: "currency", Reason: fmt.Sprintf("unsupported currency %q", raw)}
	}
}

// Method identifies the settlement rail used for a payment target.
type Method string

const (
	MethodLightning Method = "lightning"
	MethodOnchain   Method = "onchain"
)

// ParseMethod normalises a payment method string.
func ParseMethod(raw string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lightning", "ln":
		return MethodLightning, nil
	case "onchain", "on-chain", "bitcoin":
		return MethodOnchain, nil
	default:
		return "", &ValidationError{Field: "method", Reason: fmt.Sprintf("unsupported payment method %q", raw)}
	}
}

// ConfirmationState tracks what the rail has observed for a payment target.
type ConfirmationState string

const (
	ConfirmationAwaiting  ConfirmationState = "awaiting"
	ConfirmationDetected  ConfirmationState = "detected"
	ConfirmationConfirmed ConfirmationState = "confirmed"
	ConfirmationExpired   ConfirmationState = "expired"
)

// Reconciliation reasons raised against an invoice.
const (
	ReasonUnderpayment   = "underpayment"
	ReasonOverpayment    = "overpayment"
	ReasonLateSettlement = "late_settlement"
)

// Invoice is the ledger record for a single escrow-funded payment request.
type Invoice struct {
	ID              string          `json:"invoiceId"`
	ProjectTitle    string          `json:"projectTitle"`
	Note            string          `json:"note,omitempty"`
	PayerID         string          `json:"payerId,omitempty"`
	PayeeID         string          `json:"payeeId,omitempty"`
	Amount          string          `json:"amount"`
	Currency        Currency        `json:"currency"`
	AmountSats      int64           `json:"amountSats"`
	Status          Status          `json:"status"`
	Disputed        bool            `json:"disputed,omitempty"`
	Reconciliation  *Reconciliation `json:"reconciliation,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	NotificationURL string          `json:"notificationUrl,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	Settlement      *PaymentTarget  `json:"settlement,omitempty"`
	Escrow          *EscrowRecord   `json:"escrow,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	clone := *inv
	if inv.Reconciliation != nil {
		rec := *inv.Reconciliation
		clone.Reconciliation = &rec
	}
	if inv.ExpiresAt != nil {
		ts := *inv.ExpiresAt
		clone.ExpiresAt = &ts
	}
	clone.Settlement = inv.Settlement.Clone()
	clone.Escrow = inv.Escrow.Clone()
	return &clone
}

// Reconciliation flags an invoice for a human operator.
type Reconciliation struct {
	Reason       string    `json:"reason"`
	ExpectedSats int64     `json:"expectedSats"`
	ReceivedSats int64     `json:"receivedSats"`
	TargetID     string    `json:"targetId,omitempty"`
	RaisedAt     time.Time `json:"raisedAt"`
}

// DeltaSats returns received minus expected. Negative values are underpayments.
func (r *Reconciliation) DeltaSats() int64 {
	if r == nil {
		return 0
	}
	return r.ReceivedSats - r.ExpectedSats
}

// PaymentTarget is the rail-specific destination a payer sends funds to.
type PaymentTarget struct {
	ID                string            `json:"targetId"`
	InvoiceID         string            `json:"invoiceId"`
	Method            Method            `json:"method"`
	Destination       string            `json:"destination"`
	AmountSats        int64             `json:"amountSats"`
	ReceivedSats      int64             `json:"receivedSats"`
	Confirmations     int               `json:"confirmations"`
	ExpiresAt         *time.Time        `json:"expiresAt,omitempty"`
	StaleAt           *time.Time        `json:"staleAt,omitempty"`
	Reprompts         int               `json:"reprompts,omitempty"`
	ConfirmationState ConfirmationState `json:"confirmationState"`
	Archived          bool              `json:"archived,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Clone returns a deep copy of the target.
func (t *PaymentTarget) Clone() *PaymentTarget {
	if t == nil {
		return nil
	}
	clone := *t
	if t.ExpiresAt != nil {
		ts := *t.ExpiresAt
		clone.ExpiresAt = &ts
	}
	if t.StaleAt != nil {
		ts := *t.StaleAt
		clone.StaleAt = &ts
	}
	return &clone
}

// HasActivity reports whether the rail has seen any payment against the target.
func (t *PaymentTarget) HasActivity() bool {
	if t == nil {
		return false
	}
	return t.ConfirmationState != ConfirmationAwaiting || t.ReceivedSats > 0
}

// PayoutSplit is the fee and payee portion of a held amount.
type PayoutSplit struct {
	PayeeSats int64  `json:"payeeSats"`
	FeeSats   int64  `json:"feeSats"`
	FeeBps    uint32 `json:"feeBps"`
}

// EscrowRecord captures funds held for an invoice.
type EscrowRecord struct {
	InvoiceID        string       `json:"invoiceId"`
	HeldSats         int64        `json:"heldSats"`
	TargetID         string       `json:"targetId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	ReleasedAt       *time.Time   `json:"releasedAt,omitempty"`
	DisputedAt       *time.Time   `json:"disputedAt,omitempty"`
	DisputeReason    string       `json:"disputeReason,omitempty"`
	Split            *PayoutSplit `json:"payoutSplit,omitempty"`
	PayeeTransferRef string       `json:"payeeTransferRef,omitempty"`
	FeeTransferRef   string       `json:"feeTransferRef,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *EscrowRecord) Clone() *EscrowRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.ReleasedAt != nil {
		ts := *r.ReleasedAt
		clone.ReleasedAt = &ts
	}
	if r.DisputedAt != nil {
		ts := *r.DisputedAt
		clone.DisputedAt = &ts
	}
	if r.Split != nil {
		split := *r.Split
		clone.Split = &split
	}
	return &clone
}

// Released reports whether the payout claim has been taken.
func (r *EscrowRecord) Released() bool {
	return r != nil && r.ReleasedAt != nil
}

// Disputed reports whether the record has been routed to arbitration.
func (r *EscrowRecord) Disputed() bool {
	return r != nil && r.DisputedAt != nil
}

// Transition is a single append-only status change for an invoice.
type Transition struct {
	InvoiceID string    `json:"invoiceId"`
	Sequence  uint64    `json:"sequence"`
	From      Status    `json:"fromStatus"`
	To        Status    `json:"toStatus"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"timestamp"`
}

// CreateRequest carries the caller supplied fields for a new invoice.
type CreateRequest struct {
	Title           string
	Amount          string
	Currency        string
	Note            string
	PayerID         string
	PayeeID         string
	NotificationURL string
}
