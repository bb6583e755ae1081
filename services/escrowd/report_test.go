package escrowd

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"btcescrow/native/invoice"
)

type reportFixture struct {
	invoices map[string]*invoice.Invoice
	escrows  []*invoice.EscrowRecord
	flagged  []*invoice.Invoice
}

func (f *reportFixture) ListEscrows(_ context.Context, since, until time.Time) ([]*invoice.EscrowRecord, error) {
	var out []*invoice.EscrowRecord
	for _, rec := range f.escrows {
		if !rec.CreatedAt.Before(since) && rec.CreatedAt.Before(until) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *reportFixture) GetInvoice(_ context.Context, id string) (*invoice.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, &invoice.NotFoundError{Kind: "invoice", ID: id}
	}
	return inv, nil
}

func (f *reportFixture) ListFlagged(context.Context) ([]*invoice.Invoice, error) {
	return f.flagged, nil
}

func newReportFixture(day time.Time) *reportFixture {
	at := func(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }
	released := at(15)
	disputed := at(16)
	f := &reportFixture{invoices: map[string]*invoice.Invoice{}}
	for _, inv := range []*invoice.Invoice{
		{ID: "inv-a", Status: invoice.StatusAccepted, AmountSats: 100000, CreatedAt: at(9),
			Settlement: &invoice.PaymentTarget{ID: "ln-1", Method: invoice.MethodLightning}},
		{ID: "inv-b", Status: invoice.StatusEscrowed, AmountSats: 50000, CreatedAt: at(10)},
		{ID: "inv-c", Status: invoice.StatusEscrowed, AmountSats: 70000, Disputed: true, CreatedAt: at(11)},
		{ID: "inv-old", Status: invoice.StatusEscrowed, AmountSats: 1000, CreatedAt: at(-30)},
	} {
		f.invoices[inv.ID] = inv
	}
	f.escrows = []*invoice.EscrowRecord{
		{InvoiceID: "inv-a", HeldSats: 100000, TargetID: "ln-1", CreatedAt: at(12), ReleasedAt: &released,
			Split: &invoice.PayoutSplit{PayeeSats: 95000, FeeSats: 5000, FeeBps: 500}, PayeeTransferRef: "tx-p", FeeTransferRef: "tx-f"},
		{InvoiceID: "inv-b", HeldSats: 50000, CreatedAt: at(13)},
		{InvoiceID: "inv-c", HeldSats: 70000, CreatedAt: at(14), DisputedAt: &disputed},
		{InvoiceID: "inv-old", HeldSats: 1000, CreatedAt: at(-20)},
	}
	f.flagged = []*invoice.Invoice{
		{ID: "inv-d", Status: invoice.StatusPending, AmountSats: 80000, CreatedAt: at(1),
			Reconciliation: &invoice.Reconciliation{Reason: invoice.ReasonUnderpayment, ExpectedSats: 80000, ReceivedSats: 79000, TargetID: "addr-9", RaisedAt: at(2)}},
		{ID: "inv-e", Status: invoice.StatusFailed, AmountSats: 1000, CreatedAt: at(-48),
			Reconciliation: &invoice.Reconciliation{Reason: invoice.ReasonLateSettlement, ExpectedSats: 1000, ReceivedSats: 1000, RaisedAt: at(-47)}},
	}
	return f
}

func TestReporterGenerate(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	rep, err := NewReporter(newReportFixture(day), dir, WithReportClock(func() time.Time { return day.Add(26 * time.Hour) }))
	require.NoError(t, err)

	report, err := rep.Generate(context.Background(), day.Add(5*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "2024-05-10", report.Date)
	require.Equal(t, 4, report.Rows)
	require.Equal(t, 1, report.Released)
	require.Equal(t, 1, report.Held)
	require.Equal(t, 1, report.Disputed)
	require.Equal(t, 1, report.Flagged)
	require.EqualValues(t, 100000, report.ReleasedSats)
	require.EqualValues(t, 120000, report.HeldSats)
	require.EqualValues(t, 5000, report.FeeSats)

	f, err := os.Open(report.CSVPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	require.Equal(t, csvHeader, records[0])
	// Rows are ordered by category, then invoice id.
	require.Equal(t, []string{"inv-c", "inv-d", "inv-b", "inv-a"},
		[]string{records[1][0], records[2][0], records[3][0], records[4][0]})
	require.Equal(t, CategoryFlagged, records[2][1])
	require.Equal(t, invoice.ReasonUnderpayment, records[2][10])
	require.Equal(t, "-1000", records[2][11])
	require.Equal(t, "95000", records[4][7])
	require.Equal(t, "tx-p", records[4][12])

	fr, err := local.NewLocalFileReader(report.ParquetPath)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 4, pr.GetNumRows())
	rows := make([]parquetRow, 4)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, "inv-a", rows[3].InvoiceID)
	require.EqualValues(t, 500, rows[3].FeeBps)
}

func TestReporterEmptyDay(t *testing.T) {
	day := time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC)
	rep, err := NewReporter(newReportFixture(time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)), t.TempDir())
	require.NoError(t, err)
	report, err := rep.Generate(context.Background(), day)
	require.NoError(t, err)
	require.Zero(t, report.Rows)
	require.FileExists(t, report.CSVPath)
	require.FileExists(t, report.ParquetPath)
}

func TestNextRun(t *testing.T) {
	base := time.Date(2024, 5, 10, 1, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC), nextRun(base, 2))
	require.Equal(t, time.Date(2024, 5, 11, 1, 0, 0, 0, time.UTC), nextRun(base, 1))
	exact := time.Date(2024, 5, 10, 2, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 11, 2, 0, 0, 0, time.UTC), nextRun(exact, 2))
}
