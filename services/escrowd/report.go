package escrowd

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"btcescrow/native/invoice"
)

const reportDateLayout = "2006-01-02"

// Report row categories.
const (
	CategoryReleased = "released"
	CategoryHeld     = "held"
	CategoryDisputed = "disputed"
	CategoryFlagged  = "flagged"
)

// ReportSource lists escrow records touched in a window and resolves their
// invoices. ledgerdb.Store and invoice.MemoryStore both satisfy it.
type ReportSource interface {
	ListEscrows(ctx context.Context, since, until time.Time) ([]*invoice.EscrowRecord, error)
	GetInvoice(ctx context.Context, id string) (*invoice.Invoice, error)
}

// flaggedSource is implemented by stores that can list open reconciliation
// flags.
type flaggedSource interface {
	ListFlagged(ctx context.Context) ([]*invoice.Invoice, error)
}

// ReportRow is one line of the daily export.
type ReportRow struct {
	InvoiceID        string
	Category         string
	Status           invoice.Status
	Method           invoice.Method
	TargetID         string
	AmountSats       int64
	HeldSats         int64
	PayeeSats        int64
	FeeSats          int64
	FeeBps           uint32
	ReconReason      string
	ReconDeltaSats   int64
	PayeeTransferRef string
	FeeTransferRef   string
	CreatedAt        time.Time
	ReleasedAt       *time.Time
	DisputedAt       *time.Time
}

// Report summarises one generated export.
type Report struct {
	Date         string    `json:"date"`
	Rows         int       `json:"rows"`
	Released     int       `json:"released"`
	Held         int       `json:"held"`
	Disputed     int       `json:"disputed"`
	Flagged      int       `json:"flagged"`
	ReleasedSats int64     `json:"releasedSats"`
	HeldSats     int64     `json:"heldSats"`
	FeeSats      int64     `json:"feeSats"`
	CSVPath      string    `json:"csvPath"`
	ParquetPath  string    `json:"parquetPath"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

// ReporterOption customises a Reporter.
type ReporterOption func(*Reporter)

// WithReportClock overrides the clock used for scheduling and timestamps.
func WithReportClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// WithReportLogger sets the reporter logger.
func WithReportLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reporter writes the daily reconciliation export as CSV and Parquet.
type Reporter struct {
	source ReportSource
	dir    string
	nowFn  func() time.Time
	logger *slog.Logger
}

// NewReporter writes reports below dir.
func NewReporter(source ReportSource, dir string, opts ...ReporterOption) (*Reporter, error) {
	if source == nil {
		return nil, fmt.Errorf("report: source required")
	}
	if dir == "" {
		return nil, fmt.Errorf("report: output directory required")
	}
	r := &Reporter{source: source, dir: dir, nowFn: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Generate collects the rows for the UTC day containing day and writes both
// files, replacing any earlier export for the same day.
func (r *Reporter) Generate(ctx context.Context, day time.Time) (*Report, error) {
	day = day.UTC()
	since := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	until := since.AddDate(0, 0, 1)
	rows, err := r.collect(ctx, since, until)
	if err != nil {
		return nil, err
	}

	date := since.Format(reportDateLayout)
	runDir := filepath.Join(r.dir, date)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create dir: %w", err)
	}
	base := filepath.Join(runDir, "escrow-report-"+date)
	report := &Report{
		Date:        date,
		Rows:        len(rows),
		CSVPath:     base + ".csv",
		ParquetPath: base + ".parquet",
		GeneratedAt: r.nowFn().UTC(),
	}
	for _, row := range rows {
		switch row.Category {
		case CategoryReleased:
			report.Released++
			report.ReleasedSats += row.HeldSats
			report.FeeSats += row.FeeSats
		case CategoryHeld:
			report.Held++
			report.HeldSats += row.HeldSats
		case CategoryDisputed:
			report.Disputed++
			report.HeldSats += row.HeldSats
		case CategoryFlagged:
			report.Flagged++
		}
	}
	if err := writeCSV(report.CSVPath, rows); err != nil {
		return nil, err
	}
	if err := writeParquet(report.ParquetPath, rows); err != nil {
		return nil, err
	}
	r.logger.Info("reconciliation report written",
		slog.String("date", date),
		slog.Int("rows", len(rows)),
		slog.String("csv", report.CSVPath),
		slog.String("parquet", report.ParquetPath))
	return report, nil
}

func (r *Reporter) collect(ctx context.Context, since, until time.Time) ([]ReportRow, error) {
	records, err := r.source.ListEscrows(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("report: list escrows: %w", err)
	}
	rows := make([]ReportRow, 0, len(records))
	for _, rec := range records {
		inv, err := r.source.GetInvoice(ctx, rec.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("report: load invoice %s: %w", rec.InvoiceID, err)
		}
		row := baseRow(inv)
		row.HeldSats = rec.HeldSats
		row.TargetID = rec.TargetID
		row.ReleasedAt = rec.ReleasedAt
		row.DisputedAt = rec.DisputedAt
		row.PayeeTransferRef = rec.PayeeTransferRef
		row.FeeTransferRef = rec.FeeTransferRef
		if rec.Split != nil {
			row.PayeeSats = rec.Split.PayeeSats
			row.FeeSats = rec.Split.FeeSats
			row.FeeBps = rec.Split.FeeBps
		}
		switch {
		case rec.Released():
			row.Category = CategoryReleased
		case rec.Disputed():
			row.Category = CategoryDisputed
		default:
			row.Category = CategoryHeld
		}
		rows = append(rows, row)
	}

	if fs, ok := r.source.(flaggedSource); ok {
		flagged, err := fs.ListFlagged(ctx)
		if err != nil {
			return nil, fmt.Errorf("report: list flagged: %w", err)
		}
		for _, inv := range flagged {
			rec := inv.Reconciliation
			if rec == nil || rec.RaisedAt.Before(since) || !rec.RaisedAt.Before(until) {
				continue
			}
			row := baseRow(inv)
			row.Category = CategoryFlagged
			row.TargetID = rec.TargetID
			row.ReconReason = rec.Reason
			row.ReconDeltaSats = rec.DeltaSats()
			rows = append(rows, row)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Category != rows[j].Category {
			return rows[i].Category < rows[j].Category
		}
		return rows[i].InvoiceID < rows[j].InvoiceID
	})
	return rows, nil
}

func baseRow(inv *invoice.Invoice) ReportRow {
	row := ReportRow{
		InvoiceID:  inv.ID,
		Status:     inv.Status,
		AmountSats: inv.AmountSats,
		CreatedAt:  inv.CreatedAt,
	}
	if inv.Settlement != nil {
		row.Method = inv.Settlement.Method
	}
	if inv.Reconciliation != nil {
		row.ReconReason = inv.Reconciliation.Reason
		row.ReconDeltaSats = inv.Reconciliation.DeltaSats()
	}
	return row
}

var csvHeader = []string{
	"invoice_id", "category", "status", "method", "target_id",
	"amount_sats", "held_sats", "payee_sats", "fee_sats", "fee_bps",
	"recon_reason", "recon_delta_sats", "payee_transfer_ref", "fee_transfer_ref",
	"created_at", "released_at", "disputed_at",
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.InvoiceID,
			row.Category,
			string(row.Status),
			string(row.Method),
			row.TargetID,
			strconv.FormatInt(row.AmountSats, 10),
			strconv.FormatInt(row.HeldSats, 10),
			strconv.FormatInt(row.PayeeSats, 10),
			strconv.FormatInt(row.FeeSats, 10),
			strconv.FormatUint(uint64(row.FeeBps), 10),
			row.ReconReason,
			strconv.FormatInt(row.ReconDeltaSats, 10),
			row.PayeeTransferRef,
			row.FeeTransferRef,
			formatTime(&row.CreatedAt),
			formatTime(row.ReleasedAt),
			formatTime(row.DisputedAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	InvoiceID        string `parquet:"name=invoice_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Category         string `parquet:"name=category, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status           string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Method           string `parquet:"name=method, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetID         string `parquet:"name=target_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountSats       int64  `parquet:"name=amount_sats, type=INT64"`
	HeldSats         int64  `parquet:"name=held_sats, type=INT64"`
	PayeeSats        int64  `parquet:"name=payee_sats, type=INT64"`
	FeeSats          int64  `parquet:"name=fee_sats, type=INT64"`
	FeeBps           int32  `parquet:"name=fee_bps, type=INT32"`
	ReconReason      string `parquet:"name=recon_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReconDeltaSats   int64  `parquet:"name=recon_delta_sats, type=INT64"`
	PayeeTransferRef string `parquet:"name=payee_transfer_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	FeeTransferRef   string `parquet:"name=fee_transfer_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt        string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReleasedAt       string `parquet:"name=released_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisputedAt       string `parquet:"name=disputed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			InvoiceID:        row.InvoiceID,
			Category:         row.Category,
			Status:           string(row.Status),
			Method:           string(row.Method),
			TargetID:         row.TargetID,
			AmountSats:       row.AmountSats,
			HeldSats:         row.HeldSats,
			PayeeSats:        row.PayeeSats,
			FeeSats:          row.FeeSats,
			FeeBps:           int32(row.FeeBps),
			ReconReason:      row.ReconReason,
			ReconDeltaSats:   row.ReconDeltaSats,
			PayeeTransferRef: row.PayeeTransferRef,
			FeeTransferRef:   row.FeeTransferRef,
			CreatedAt:        formatTime(&row.CreatedAt),
			ReleasedAt:       formatTime(row.ReleasedAt),
			DisputedAt:       formatTime(row.DisputedAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close parquet file: %w", err)
	}
	return nil
}

func formatTime(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

// Schedule writes the previous UTC day's report every day at hourUTC until
// ctx is cancelled. Failures are logged and retried the next day.
func (r *Reporter) Schedule(ctx context.Context, hourUTC int) {
	for {
		now := r.nowFn().UTC()
		wait := nextRun(now, hourUTC).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		day := r.nowFn().UTC().AddDate(0, 0, -1)
		if _, err := r.Generate(ctx, day); err != nil {
			r.logger.Error("scheduled reconciliation report failed",
				slog.String("date", day.Format(reportDateLayout)),
				slog.Any("error", err))
		}
	}
}

// nextRun returns the first hourUTC:00 strictly after now.
func nextRun(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
