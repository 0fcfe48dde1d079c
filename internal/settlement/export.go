package settlement

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
)

var exportHeader = []string{
	"Settlement ID", "RFQ", "Supplier", "Amount", "Status", "Created", "Paid",
}

// ExportXLSX writes the settlements matching the status filter (empty
// matches all) as an xlsx workbook. Rows carry the RFQ number and supplier
// so finance can reconcile without touching the database.
func (m *Manager) ExportXLSX(ctx context.Context, w io.Writer, status model.SettlementStatus, limit int) (int, error) {
	settlements, err := m.store.ListSettlements(ctx, status, limit)
	if err != nil {
		return 0, eris.Wrap(err, "settlement: list for export")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Settlements")
	if err != nil {
		return 0, eris.Wrap(err, "settlement: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range exportHeader {
		header.AddCell().SetString(h)
	}

	for _, s := range settlements {
		rfqNumber, supplierID := "", ""
		if a, err := m.store.GetAward(ctx, s.AwardID); err == nil {
			supplierID = a.SupplierID
			if rfq, err := m.store.GetRFQ(ctx, a.RfqID); err == nil {
				rfqNumber = rfq.Number
			}
		}

		row := sheet.AddRow()
		row.AddCell().SetString(s.ID)
		row.AddCell().SetString(rfqNumber)
		row.AddCell().SetString(supplierID)
		row.AddCell().SetString(notify.FormatCents(s.Amount))
		row.AddCell().SetString(string(s.Status))
		row.AddCell().SetString(s.CreatedAt.UTC().Format(time.RFC3339))
		if s.PaidAt != nil {
			row.AddCell().SetString(s.PaidAt.UTC().Format(time.RFC3339))
		} else {
			row.AddCell().SetString("")
		}
	}

	if err := f.Write(w); err != nil {
		return 0, eris.Wrap(err, "settlement: write xlsx")
	}
	return len(settlements), nil
}
