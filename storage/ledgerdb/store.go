// Package ledgerdb persists the invoice ledger and the event log through gorm.
// Postgres is the production dialect; a sqlite DSN serves single-node
// deployments and tests.
package ledgerdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"btcescrow/native/invoice"
)

// Store implements invoice.Store and dispatch.EventLog on a gorm database.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn and migrates the schema. postgres:// and postgresql://
// DSNs use the postgres driver; sqlite://path and file: DSNs use sqlite.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	var (
		dialector gorm.Dialector
		single    bool
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
		single = true
	case strings.HasPrefix(dsn, "file:"):
		dialector = sqlite.Open(dsn)
		single = true
	case dsn == "":
		return nil, fmt.Errorf("ledgerdb: dsn required")
	default:
		return nil, fmt.Errorf("ledgerdb: unsupported dsn %q", dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("ledgerdb: open: %w", err)
	}
	if single {
		// sqlite serialises writers; a single connection avoids lock errors.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("ledgerdb: open: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("ledgerdb: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledgerdb: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	if inv == nil {
		return &invoice.ValidationError{Reason: "nil invoice"}
	}
	row := invoiceToRow(inv)
	row.ActiveTargetID = nil
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return invoice.ErrConflict
		}
		return fmt.Errorf("ledgerdb: create invoice: %w", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*invoice.Invoice, error) {
	var inv *invoice.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row InvoiceRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &invoice.NotFoundError{Kind: "invoice", ID: id}
			}
			return err
		}
		loaded, err := hydrate(tx, row)
		if err != nil {
			return err
		}
		inv = loaded
		return nil
	})
	if err != nil {
		return nil, wrap("get invoice", err)
	}
	return inv, nil
}

func hydrate(tx *gorm.DB, row InvoiceRow) (*invoice.Invoice, error) {
	inv := rowToInvoice(row)
	if row.ActiveTargetID != nil {
		var target TargetRow
		if err := tx.First(&target, "id = ?", *row.ActiveTargetID).Error; err != nil {
			return nil, err
		}
		inv.Settlement = rowToTarget(target)
	}
	var escrow EscrowRow
	err := tx.Where("invoice_id = ?", row.ID).Limit(1).Find(&escrow).Error
	if err != nil {
		return nil, err
	}
	if escrow.InvoiceID != "" {
		inv.Escrow = rowToEscrow(escrow)
	}
	return inv, nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	if inv == nil {
		return &invoice.ValidationError{Reason: "nil invoice"}
	}
	row := invoiceToRow(inv)
	res := s.db.WithContext(ctx).Model(&InvoiceRow{ID: inv.ID}).
		Select("*").
		Omit("id", "status", "created_at").
		Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("ledgerdb: update invoice: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &invoice.NotFoundError{Kind: "invoice", ID: inv.ID}
	}
	return nil
}

// TransitionStatus applies a conditional update on the stored status so only
// one of several concurrent writers succeeds, then appends the log entry in
// the same transaction.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to invoice.Status, reason string, at time.Time) (*invoice.Transition, error) {
	at = at.UTC()
	var entry *invoice.Transition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&InvoiceRow{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(map[string]interface{}{"status": string(to), "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&InvoiceRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return &invoice.NotFoundError{Kind: "invoice", ID: id}
			}
			return invoice.ErrConflict
		}
		var last uint64
		if err := tx.Model(&TransitionRow{}).
			Where("invoice_id = ?", id).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		row := TransitionRow{
			InvoiceID:  id,
			Sequence:   last + 1,
			FromStatus: string(from),
			ToStatus:   string(to),
			Reason:     reason,
			At:         at,
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return invoice.ErrConflict
			}
			return err
		}
		entry = rowToTransition(row)
		return nil
	})
	if err != nil {
		return nil, wrap("transition", err)
	}
	return entry, nil
}

func rowToTransition(row TransitionRow) *invoice.Transition {
	return &invoice.Transition{
		InvoiceID: row.InvoiceID,
		Sequence:  row.Sequence,
		From:      invoice.Status(row.FromStatus),
		To:        invoice.Status(row.ToStatus),
		Reason:    row.Reason,
		At:        row.At.UTC(),
	}
}

func (s *Store) ListTransitions(ctx context.Context, id string) ([]invoice.Transition, error) {
	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&InvoiceRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return nil, wrap("list transitions", err)
	}
	if count == 0 {
		return nil, &invoice.NotFoundError{Kind: "invoice", ID: id}
	}
	var rows []TransitionRow
	if err := db.Where("invoice_id = ?", id).Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, wrap("list transitions", err)
	}
	out := make([]invoice.Transition, 0, len(rows))
	for _, row := range rows {
		out = append(out, *rowToTransition(row))
	}
	return out, nil
}

func (s *Store) ListOpenInvoices(ctx context.Context) ([]*invoice.Invoice, error) {
	terminal := []string{string(invoice.StatusAccepted), string(invoice.StatusExpired)}
	var out []*invoice.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []InvoiceRow
		if err := tx.Where("status NOT IN ?", terminal).Order("created_at ASC").Find(&rows).Error; err != nil {
			return err
		}
		out = make([]*invoice.Invoice, 0, len(rows))
		for _, row := range rows {
			inv, err := hydrate(tx, row)
			if err != nil {
				return err
			}
			out = append(out, inv)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list open invoices", err)
	}
	return out, nil
}

func (s *Store) PutTarget(ctx context.Context, target *invoice.PaymentTarget) error {
	if target == nil {
		return &invoice.ValidationError{Reason: "nil target"}
	}
	row := targetToRow(target)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&InvoiceRow{}).Where("id = ?", target.InvoiceID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return &invoice.NotFoundError{Kind: "invoice", ID: target.InvoiceID}
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	return wrap("put target", err)
}

func (s *Store) GetTarget(ctx context.Context, targetID string) (*invoice.PaymentTarget, error) {
	var row TargetRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &invoice.NotFoundError{Kind: "payment target", ID: targetID}
		}
		return nil, wrap("get target", err)
	}
	return rowToTarget(row), nil
}

func (s *Store) CreateEscrow(ctx context.Context, rec *invoice.EscrowRecord) error {
	if rec == nil {
		return &invoice.ValidationError{Reason: "nil escrow record"}
	}
	row := escrowToRow(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return invoice.ErrConflict
		}
		return wrap("create escrow", err)
	}
	return nil
}

func (s *Store) GetEscrow(ctx context.Context, invoiceID string) (*invoice.EscrowRecord, error) {
	var row EscrowRow
	if err := s.db.WithContext(ctx).First(&row, "invoice_id = ?", invoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &invoice.NotFoundError{Kind: "escrow record", ID: invoiceID}
		}
		return nil, wrap("get escrow", err)
	}
	return rowToEscrow(row), nil
}

func (s *Store) UpdateEscrow(ctx context.Context, rec *invoice.EscrowRecord) error {
	if rec == nil {
		return &invoice.ValidationError{Reason: "nil escrow record"}
	}
	row := escrowToRow(rec)
	res := s.db.WithContext(ctx).Model(&EscrowRow{InvoiceID: rec.InvoiceID}).
		Select("*").
		Omit("invoice_id", "created_at").
		Updates(&row)
	if res.Error != nil {
		return wrap("update escrow", res.Error)
	}
	if res.RowsAffected == 0 {
		return &invoice.NotFoundError{Kind: "escrow record", ID: rec.InvoiceID}
	}
	return nil
}

// ClaimRelease stamps releasedAt with a conditional update so exactly one
// caller across processes wins the payout.
func (s *Store) ClaimRelease(ctx context.Context, invoiceID string, split invoice.PayoutSplit, at time.Time) (*invoice.EscrowRecord, bool, error) {
	var (
		rec *invoice.EscrowRecord
		won bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&EscrowRow{}).
			Where("invoice_id = ? AND released_at IS NULL AND disputed_at IS NULL", invoiceID).
			Updates(map[string]interface{}{
				"released_at": at.UTC(),
				"has_split":   true,
				"payee_sats":  split.PayeeSats,
				"fee_sats":    split.FeeSats,
				"fee_bps":     split.FeeBps,
			})
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected == 1
		var row EscrowRow
		if err := tx.First(&row, "invoice_id = ?", invoiceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &invoice.NotFoundError{Kind: "escrow record", ID: invoiceID}
			}
			return err
		}
		rec = rowToEscrow(row)
		return nil
	})
	if err != nil {
		return nil, false, wrap("claim release", err)
	}
	return rec, won, nil
}

func (s *Store) ListEscrows(ctx context.Context, since, until time.Time) ([]*invoice.EscrowRecord, error) {
	since, until = since.UTC(), until.UTC()
	var rows []EscrowRow
	err := s.db.WithContext(ctx).
		Where("(created_at >= ? AND created_at < ?) OR (released_at >= ? AND released_at < ?) OR (disputed_at >= ? AND disputed_at < ?)",
			since, until, since, until, since, until).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrap("list escrows", err)
	}
	out := make([]*invoice.EscrowRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToEscrow(row))
	}
	return out, nil
}

// ListFlagged returns invoices with an open reconciliation flag.
func (s *Store) ListFlagged(ctx context.Context) ([]*invoice.Invoice, error) {
	var rows []InvoiceRow
	if err := s.db.WithContext(ctx).Where("recon_reason <> ''").Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, wrap("list flagged", err)
	}
	out := make([]*invoice.Invoice, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToInvoice(row))
	}
	return out, nil
}

// wrap leaves ledger sentinel errors untouched so callers can match them.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		nf *invoice.NotFoundError
		ve *invoice.ValidationError
	)
	if errors.Is(err, invoice.ErrConflict) || errors.As(err, &nf) || errors.As(err, &ve) {
		return err
	}
	return fmt.Errorf("ledgerdb: %s: %w", op, err)
}
