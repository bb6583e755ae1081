package ledgerdb

import (
	"time"

	"gorm.io/gorm"

	"btcescrow/native/invoice"
)

// InvoiceRow is the persisted invoice. The active payment target is referenced
// by id; archived targets stay in payment_targets.
type InvoiceRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	ProjectTitle    string `gorm:"size:256"`
	Note            string `gorm:"type:text"`
	PayerID         string `gorm:"size:128;index"`
	PayeeID         string `gorm:"size:128;index"`
	Amount          string `gorm:"size:32"`
	Currency        string `gorm:"size:8"`
	AmountSats      int64  `gorm:"not null"`
	Status          string `gorm:"size:16;index"`
	Disputed        bool
	FailureReason   string  `gorm:"size:512"`
	NotificationURL string  `gorm:"size:512"`
	ActiveTargetID  *string `gorm:"size:64"`
	ReconReason     string  `gorm:"size:32;index"`
	ReconExpected   int64
	ReconReceived   int64
	ReconTargetID   string `gorm:"size:64"`
	ReconRaisedAt   *time.Time
	ExpiresAt       *time.Time
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (InvoiceRow) TableName() string { return "invoices" }

// TargetRow is a payment target minted by a settlement rail.
type TargetRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	InvoiceID         string `gorm:"size:64;index"`
	Method            string `gorm:"size:16"`
	Destination       string `gorm:"type:text"`
	AmountSats        int64
	ReceivedSats      int64
	Confirmations     int
	ExpiresAt         *time.Time
	StaleAt           *time.Time
	Reprompts         int
	ConfirmationState string `gorm:"size:16"`
	Archived          bool
	CreatedAt         time.Time
}

func (TargetRow) TableName() string { return "payment_targets" }

// EscrowRow holds funds for one invoice. Split columns are only meaningful
// once HasSplit is set by the release claim.
type EscrowRow struct {
	InvoiceID        string    `gorm:"primaryKey;size:64"`
	HeldSats         int64     `gorm:"not null"`
	TargetID         string    `gorm:"size:64"`
	CreatedAt        time.Time `gorm:"index"`
	ReleasedAt       *time.Time
	DisputedAt       *time.Time
	DisputeReason    string `gorm:"size:512"`
	HasSplit         bool
	PayeeSats        int64
	FeeSats          int64
	FeeBps           uint32
	PayeeTransferRef string `gorm:"size:128"`
	FeeTransferRef   string `gorm:"size:128"`
}

func (EscrowRow) TableName() string { return "escrow_records" }

// TransitionRow is one entry of an invoice's append-only status log.
type TransitionRow struct {
	InvoiceID  string `gorm:"primaryKey;size:64"`
	Sequence   uint64 `gorm:"primaryKey;autoIncrement:false"`
	FromStatus string `gorm:"size:16"`
	ToStatus   string `gorm:"size:16"`
	Reason     string `gorm:"size:512"`
	At         time.Time
}

func (TransitionRow) TableName() string { return "invoice_transitions" }

// EventRow is one entry of the global event log.
type EventRow struct {
	Sequence   uint64 `gorm:"primaryKey;autoIncrement:false"`
	ID         string `gorm:"size:64;uniqueIndex"`
	InvoiceID  string `gorm:"size:64;index"`
	InvoiceSeq uint64
	Kind       string `gorm:"size:32"`
	FromStatus string `gorm:"size:16"`
	ToStatus   string `gorm:"size:16"`
	Reason     string `gorm:"size:512"`
	Attributes string `gorm:"type:text"`
	NotifyURL  string `gorm:"size:512"`
	At         time.Time
}

func (EventRow) TableName() string { return "escrow_events" }

// EventRecipientRow indexes events by the users allowed to see them.
type EventRecipientRow struct {
	Sequence uint64 `gorm:"primaryKey;autoIncrement:false"`
	UserID   string `gorm:"primaryKey;size:128;index"`
}

func (EventRecipientRow) TableName() string { return "escrow_event_recipients" }

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&InvoiceRow{},
		&TargetRow{},
		&EscrowRow{},
		&TransitionRow{},
		&EventRow{},
		&EventRecipientRow{},
	)
}

func invoiceToRow(inv *invoice.Invoice) InvoiceRow {
	row := InvoiceRow{
		ID:              inv.ID,
		ProjectTitle:    inv.ProjectTitle,
		Note:            inv.Note,
		PayerID:         inv.PayerID,
		PayeeID:         inv.PayeeID,
		Amount:          inv.Amount,
		Currency:        string(inv.Currency),
		AmountSats:      inv.AmountSats,
		Status:          string(inv.Status),
		Disputed:        inv.Disputed,
		FailureReason:   inv.FailureReason,
		NotificationURL: inv.NotificationURL,
		ExpiresAt:       utcPtr(inv.ExpiresAt),
		CreatedAt:       inv.CreatedAt.UTC(),
		UpdatedAt:       inv.UpdatedAt.UTC(),
	}
	if inv.Settlement != nil {
		id := inv.Settlement.ID
		row.ActiveTargetID = &id
	}
	if rec := inv.Reconciliation; rec != nil {
		raised := rec.RaisedAt.UTC()
		row.ReconReason = rec.Reason
		row.ReconExpected = rec.ExpectedSats
		row.ReconReceived = rec.ReceivedSats
		row.ReconTargetID = rec.TargetID
		row.ReconRaisedAt = &raised
	}
	return row
}

func rowToInvoice(row InvoiceRow) *invoice.Invoice {
	inv := &invoice.Invoice{
		ID:              row.ID,
		ProjectTitle:    row.ProjectTitle,
		Note:            row.Note,
		PayerID:         row.PayerID,
		PayeeID:         row.PayeeID,
		Amount:          row.Amount,
		Currency:        invoice.Currency(row.Currency),
		AmountSats:      row.AmountSats,
		Status:          invoice.Status(row.Status),
		Disputed:        row.Disputed,
		FailureReason:   row.FailureReason,
		NotificationURL: row.NotificationURL,
		ExpiresAt:       utcPtr(row.ExpiresAt),
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if row.ReconReason != "" {
		rec := &invoice.Reconciliation{
			Reason:       row.ReconReason,
			ExpectedSats: row.ReconExpected,
			ReceivedSats: row.ReconReceived,
			TargetID:     row.ReconTargetID,
		}
		if row.ReconRaisedAt != nil {
			rec.RaisedAt = row.ReconRaisedAt.UTC()
		}
		inv.Reconciliation = rec
	}
	return inv
}

func targetToRow(t *invoice.PaymentTarget) TargetRow {
	return TargetRow{
		ID:                t.ID,
		InvoiceID:         t.InvoiceID,
		Method:            string(t.Method),
		Destination:       t.Destination,
		AmountSats:        t.AmountSats,
		ReceivedSats:      t.ReceivedSats,
		Confirmations:     t.Confirmations,
		ExpiresAt:         utcPtr(t.ExpiresAt),
		StaleAt:           utcPtr(t.StaleAt),
		Reprompts:         t.Reprompts,
		ConfirmationState: string(t.ConfirmationState),
		Archived:          t.Archived,
		CreatedAt:         t.CreatedAt.UTC(),
	}
}

func rowToTarget(row TargetRow) *invoice.PaymentTarget {
	return &invoice.PaymentTarget{
		ID:                row.ID,
		InvoiceID:         row.InvoiceID,
		Method:            invoice.Method(row.Method),
		Destination:       row.Destination,
		AmountSats:        row.AmountSats,
		ReceivedSats:      row.ReceivedSats,
		Confirmations:     row.Confirmations,
		ExpiresAt:         utcPtr(row.ExpiresAt),
		StaleAt:           utcPtr(row.StaleAt),
		Reprompts:         row.Reprompts,
		ConfirmationState: invoice.ConfirmationState(row.ConfirmationState),
		Archived:          row.Archived,
		CreatedAt:         row.CreatedAt.UTC(),
	}
}

func escrowToRow(rec *invoice.EscrowRecord) EscrowRow {
	row := EscrowRow{
		InvoiceID:        rec.InvoiceID,
		HeldSats:         rec.HeldSats,
		TargetID:         rec.TargetID,
		CreatedAt:        rec.CreatedAt.UTC(),
		ReleasedAt:       utcPtr(rec.ReleasedAt),
		DisputedAt:       utcPtr(rec.DisputedAt),
		DisputeReason:    rec.DisputeReason,
		PayeeTransferRef: rec.PayeeTransferRef,
		FeeTransferRef:   rec.FeeTransferRef,
	}
	if rec.Split != nil {
		row.HasSplit = true
		row.PayeeSats = rec.Split.PayeeSats
		row.FeeSats = rec.Split.FeeSats
		row.FeeBps = rec.Split.FeeBps
	}
	return row
}

func rowToEscrow(row EscrowRow) *invoice.EscrowRecord {
	rec := &invoice.EscrowRecord{
		InvoiceID:        row.InvoiceID,
		HeldSats:         row.HeldSats,
		TargetID:         row.TargetID,
		CreatedAt:        row.CreatedAt.UTC(),
		ReleasedAt:       utcPtr(row.ReleasedAt),
		DisputedAt:       utcPtr(row.DisputedAt),
		DisputeReason:    row.DisputeReason,
		PayeeTransferRef: row.PayeeTransferRef,
		FeeTransferRef:   row.FeeTransferRef,
	}
	if row.HasSplit {
		rec.Split = &invoice.PayoutSplit{PayeeSats: row.PayeeSats, FeeSats: row.FeeSats, FeeBps: row.FeeBps}
	}
	return rec
}

func utcPtr(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := ts.UTC()
	return &v
}
