package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"btcescrow/native/invoice"
	"btcescrow/observability/logging"
)

// ErrDisputed is returned when a release is attempted on a disputed escrow.
var ErrDisputed = errors.New("payout: escrow is under dispute")

// Store is the subset of the ledger store the splitter needs.
type Store interface {
	GetInvoice(ctx context.Context, id string) (*invoice.Invoice, error)
	GetEscrow(ctx context.Context, invoiceID string) (*invoice.EscrowRecord, error)
	UpdateEscrow(ctx context.Context, rec *invoice.EscrowRecord) error
	ClaimRelease(ctx context.Context, invoiceID string, split invoice.PayoutSplit, at time.Time) (*invoice.EscrowRecord, bool, error)
}

// Metrics receives payout outcomes.
type Metrics interface {
	RecordRelease(split invoice.PayoutSplit)
	RecordTransferFailure(leg string)
}

// Config describes fee policy and destinations.
type Config struct {
	FeeBps         uint32
	FeeDestination string
	Method         invoice.Method
}

// Option customises a Splitter.
type Option func(*Splitter)

// WithClock overrides the release timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Splitter) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Splitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Splitter) {
		s.metrics = m
	}
}

// Splitter computes the payout split and moves funds exactly once per escrow.
type Splitter struct {
	cfg       Config
	store     Store
	transfers Transferer
	directory Directory
	nowFn     func() time.Time
	logger    *slog.Logger
	metrics   Metrics
}

// NewSplitter validates the configuration and constructs a splitter.
func NewSplitter(cfg Config, store Store, transfers Transferer, directory Directory, opts ...Option) (*Splitter, error) {
	if store == nil {
		return nil, fmt.Errorf("payout: store required")
	}
	if transfers == nil {
		return nil, fmt.Errorf("payout: transferer required")
	}
	if directory == nil {
		return nil, fmt.Errorf("payout: directory required")
	}
	if cfg.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("payout: fee bps out of range: %d", cfg.FeeBps)
	}
	cfg.FeeDestination = strings.TrimSpace(cfg.FeeDestination)
	if cfg.FeeBps > 0 && cfg.FeeDestination == "" {
		return nil, fmt.Errorf("payout: fee destination required when fee bps > 0")
	}
	if cfg.Method == "" {
		cfg.Method = invoice.MethodOnchain
	}
	s := &Splitter{
		cfg:       cfg,
		store:     store,
		transfers: transfers,
		directory: directory,
		nowFn:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FeeBps returns the configured fee rate.
func (s *Splitter) FeeBps() uint32 { return s.cfg.FeeBps }

// Get returns the escrow record for an invoice.
func (s *Splitter) Get(ctx context.Context, invoiceID string) (*invoice.EscrowRecord, error) {
	return s.store.GetEscrow(ctx, invoiceID)
}

// Release claims the escrow and submits the payee and fee transfers. Only the
// first caller moves funds; every other caller receives an AlreadyReleasedError
// carrying the same split.
func (s *Splitter) Release(ctx context.Context, invoiceID string) (invoice.PayoutSplit, error) {
	rec, err := s.store.GetEscrow(ctx, invoiceID)
	if err != nil {
		return invoice.PayoutSplit{}, err
	}
	if rec.Disputed() {
		return invoice.PayoutSplit{}, fmt.Errorf("release %s: %w", invoiceID, ErrDisputed)
	}
	if rec.Released() {
		return alreadyReleased(rec)
	}
	split, err := Split(rec.HeldSats, s.cfg.FeeBps)
	if err != nil {
		return invoice.PayoutSplit{}, err
	}
	claimed, won, err := s.store.ClaimRelease(ctx, invoiceID, split, s.nowFn().UTC())
	if err != nil {
		return invoice.PayoutSplit{}, fmt.Errorf("claim release: %w", err)
	}
	if !won {
		if claimed.Disputed() {
			return invoice.PayoutSplit{}, fmt.Errorf("release %s: %w", invoiceID, ErrDisputed)
		}
		return alreadyReleased(claimed)
	}
	if s.metrics != nil {
		s.metrics.RecordRelease(split)
	}
	s.logger.Info("escrow release claimed",
		slog.String("invoice_id", invoiceID),
		slog.Int64("held_sats", rec.HeldSats),
		slog.Int64("payee_sats", split.PayeeSats),
		slog.Int64("fee_sats", split.FeeSats))
	if err := s.sendLegs(ctx, claimed); err != nil {
		return split, err
	}
	return split, nil
}

// Resume re-drives transfers for a claimed release whose legs did not all
// complete. Transfers are keyed so repeated calls never pay twice.
func (s *Splitter) Resume(ctx context.Context, invoiceID string) (invoice.PayoutSplit, error) {
	rec, err := s.store.GetEscrow(ctx, invoiceID)
	if err != nil {
		return invoice.PayoutSplit{}, err
	}
	if !rec.Released() || rec.Split == nil {
		return invoice.PayoutSplit{}, fmt.Errorf("resume %s: %w", invoiceID, &invoice.TransitionError{From: invoice.StatusDelivered, To: invoice.StatusAccepted})
	}
	if err := s.sendLegs(ctx, rec); err != nil {
		return *rec.Split, err
	}
	return *rec.Split, nil
}

// Complete reports whether every leg of a release has a transfer reference.
func Complete(rec *invoice.EscrowRecord) bool {
	if rec == nil || rec.Split == nil {
		return false
	}
	if rec.Split.PayeeSats > 0 && rec.PayeeTransferRef == "" {
		return false
	}
	if rec.Split.FeeSats > 0 && rec.FeeTransferRef == "" {
		return false
	}
	return true
}

func (s *Splitter) sendLegs(ctx context.Context, rec *invoice.EscrowRecord) error {
	inv, err := s.store.GetInvoice(ctx, rec.InvoiceID)
	if err != nil {
		return err
	}
	split := *rec.Split
	if split.PayeeSats > 0 && rec.PayeeTransferRef == "" {
		dest, err := s.directory.Destination(ctx, inv.PayeeID)
		if err != nil {
			return fmt.Errorf("resolve payee destination: %w", err)
		}
		ref, err := s.send(ctx, rec.InvoiceID, LegPayee, dest, split.PayeeSats)
		if err != nil {
			return err
		}
		rec.PayeeTransferRef = ref
		if err := s.store.UpdateEscrow(ctx, rec); err != nil {
			return fmt.Errorf("record payee transfer: %w", err)
		}
	}
	if split.FeeSats > 0 && rec.FeeTransferRef == "" {
		ref, err := s.send(ctx, rec.InvoiceID, LegFee, s.cfg.FeeDestination, split.FeeSats)
		if err != nil {
			return err
		}
		rec.FeeTransferRef = ref
		if err := s.store.UpdateEscrow(ctx, rec); err != nil {
			return fmt.Errorf("record fee transfer: %w", err)
		}
	}
	return nil
}

func (s *Splitter) send(ctx context.Context, invoiceID string, leg Leg, dest string, sats int64) (string, error) {
	transfer := Transfer{
		IdempotencyKey: invoiceID + ":" + string(leg),
		InvoiceID:      invoiceID,
		Leg:            leg,
		Method:         s.cfg.Method,
		Destination:    dest,
		AmountSats:     sats,
	}
	ref, err := s.transfers.Transfer(ctx, transfer)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordTransferFailure(string(leg))
		}
		s.logger.Warn("payout transfer failed",
			slog.String("invoice_id", invoiceID),
			slog.String("leg", string(leg)),
			slog.String("destination", logging.MaskDestination(dest)),
			slog.Any("error", err))
		return "", &invoice.RailError{Method: s.cfg.Method, Op: "transfer " + string(leg), Err: err}
	}
	return ref, nil
}

func alreadyReleased(rec *invoice.EscrowRecord) (invoice.PayoutSplit, error) {
	var split invoice.PayoutSplit
	if rec.Split != nil {
		split = *rec.Split
	}
	return split, &invoice.AlreadyReleasedError{InvoiceID: rec.InvoiceID, Split: split}
}
