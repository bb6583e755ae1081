package ledgerdb

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"btcescrow/native/invoice"
	"btcescrow/services/dispatch"
)

var _ dispatch.EventLog = (*Store)(nil)
var _ invoice.Store = (*Store)(nil)

// Append stores evt and its recipient index in one transaction.
func (s *Store) Append(ctx context.Context, evt dispatch.Event) error {
	attrs := ""
	if len(evt.Attributes) > 0 {
		raw, err := json.Marshal(evt.Attributes)
		if err != nil {
			return fmt.Errorf("ledgerdb: encode attributes: %w", err)
		}
		attrs = string(raw)
	}
	row := EventRow{
		Sequence:   evt.Sequence,
		ID:         evt.ID,
		InvoiceID:  evt.InvoiceID,
		InvoiceSeq: evt.InvoiceSeq,
		Kind:       evt.Kind,
		FromStatus: string(evt.From),
		ToStatus:   string(evt.To),
		Reason:     evt.Reason,
		Attributes: attrs,
		NotifyURL:  evt.NotifyURL,
		At:         evt.At.UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(evt.Recipients))
		recipients := make([]EventRecipientRow, 0, len(evt.Recipients))
		for _, userID := range evt.Recipients {
			if _, dup := seen[userID]; dup || userID == "" {
				continue
			}
			seen[userID] = struct{}{}
			recipients = append(recipients, EventRecipientRow{Sequence: evt.Sequence, UserID: userID})
		}
		if len(recipients) == 0 {
			return nil
		}
		return tx.Create(&recipients).Error
	})
	if err != nil {
		return fmt.Errorf("ledgerdb: append event %d: %w", evt.Sequence, err)
	}
	return nil
}

// Since returns events visible to userID after the cursor, oldest first.
func (s *Store) Since(ctx context.Context, userID string, after uint64, limit int) ([]dispatch.Event, error) {
	db := s.db.WithContext(ctx)
	query := db.Model(&EventRow{}).Select("escrow_events.*")
	if userID != dispatch.AllUsers {
		query = query.
			Joins("JOIN escrow_event_recipients ON escrow_event_recipients.sequence = escrow_events.sequence").
			Where("escrow_event_recipients.user_id = ?", userID)
	}
	query = query.Where("escrow_events.sequence > ?", after).Order("escrow_events.sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []EventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledgerdb: events since %d: %w", after, err)
	}
	if len(rows) == 0 {
		return []dispatch.Event{}, nil
	}

	seqs := make([]uint64, 0, len(rows))
	for _, row := range rows {
		seqs = append(seqs, row.Sequence)
	}
	var recRows []EventRecipientRow
	if err := db.Where("sequence IN ?", seqs).Order("sequence ASC, user_id ASC").Find(&recRows).Error; err != nil {
		return nil, fmt.Errorf("ledgerdb: event recipients: %w", err)
	}
	recipients := make(map[uint64][]string, len(rows))
	for _, r := range recRows {
		recipients[r.Sequence] = append(recipients[r.Sequence], r.UserID)
	}

	out := make([]dispatch.Event, 0, len(rows))
	for _, row := range rows {
		evt := dispatch.Event{
			Sequence:   row.Sequence,
			ID:         row.ID,
			InvoiceID:  row.InvoiceID,
			InvoiceSeq: row.InvoiceSeq,
			Kind:       row.Kind,
			From:       invoice.Status(row.FromStatus),
			To:         invoice.Status(row.ToStatus),
			Reason:     row.Reason,
			Recipients: recipients[row.Sequence],
			NotifyURL:  row.NotifyURL,
			At:         row.At.UTC(),
		}
		if evt.Recipients == nil {
			evt.Recipients = []string{}
		}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &evt.Attributes); err != nil {
				return nil, fmt.Errorf("ledgerdb: decode attributes %d: %w", row.Sequence, err)
			}
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var last uint64
	if err := s.db.WithContext(ctx).Model(&EventRow{}).Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("ledgerdb: last sequence: %w", err)
	}
	return last, nil
}

func (s *Store) LastInvoiceSequence(ctx context.Context, invoiceID string) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).Model(&EventRow{}).
		Where("invoice_id = ?", invoiceID).
		Select("COALESCE(MAX(invoice_seq), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("ledgerdb: last invoice sequence: %w", err)
	}
	return last, nil
}
