package store

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/procurehq/rfq-engine/internal/model"
)

// isNoRows normalizes the two drivers' empty-result sentinels.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// scannable covers both database/sql and pgx row types.
type scannable interface {
	Scan(dest ...any) error
}

const (
	itemColumns = `id, rfq_id, product_name, quantity, max_price, instant_price, status, source,
	winner_quote_item_id, winner_supplier_id, exception_reason, exception_at, order_ref, shipment_id, created_at, updated_at`

	awardColumns = `id, rfq_id, supplier_id, final_price, status, cancel_reason, cancelled_by, cancelled_at, payment_qr_key, created_at, updated_at`

	jobColumns = `id, queue, job_type, payload, dedupe_key, status, attempts, max_attempts, backoff_ms, run_at, last_error, created_at, updated_at`
)

func scanRFQ(row scannable) (*model.RFQ, error) {
	var r model.RFQ
	var mode, status string
	var closedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Number, &r.Title, &r.BuyerID, &mode, &r.Deadline, &status, &closedAt, &r.CreatedAt, &r.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan rfq")
	}
	r.PricingMode = model.PricingMode(mode)
	r.Status = model.RFQStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		r.ClosedAt = &t
	}
	return &r, nil
}

func scanItem(row scannable) (*model.RfqItem, error) {
	var it model.RfqItem
	var status, source string
	var exceptionAt sql.NullTime
	err := row.Scan(&it.ID, &it.RfqID, &it.ProductName, &it.Quantity, &it.MaxPrice, &it.InstantPrice,
		&status, &source, &it.WinnerQuoteItemID, &it.WinnerSupplierID, &it.ExceptionReason, &exceptionAt,
		&it.OrderRef, &it.ShipmentID, &it.CreatedAt, &it.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan item")
	}
	it.Status = model.ItemStatus(status)
	it.Source = model.ItemSource(source)
	if exceptionAt.Valid {
		t := exceptionAt.Time
		it.ExceptionAt = &t
	}
	return &it, nil
}

func scanQuote(row scannable) (*model.Quote, error) {
	var q model.Quote
	var status string
	err := row.Scan(&q.ID, &q.RfqID, &q.SupplierID, &q.Price, &status, &q.SubmittedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan quote")
	}
	q.Status = model.QuoteStatus(status)
	return &q, nil
}

func scanAward(row scannable) (*model.Award, error) {
	var a model.Award
	var status string
	var cancelledAt sql.NullTime
	err := row.Scan(&a.ID, &a.RfqID, &a.SupplierID, &a.FinalPrice, &status,
		&a.CancelReason, &a.CancelledBy, &cancelledAt, &a.PaymentQRKey, &a.CreatedAt, &a.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan award")
	}
	a.Status = model.AwardStatus(status)
	if cancelledAt.Valid {
		t := cancelledAt.Time
		a.CancelledAt = &t
	}
	return &a, nil
}

func scanSettlement(row scannable) (*model.Settlement, error) {
	var st model.Settlement
	var status string
	var paidAt sql.NullTime
	err := row.Scan(&st.ID, &st.AwardID, &st.Amount, &status, &st.QRKey, &paidAt, &st.CreatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan settlement")
	}
	st.Status = model.SettlementStatus(status)
	if paidAt.Valid {
		t := paidAt.Time
		st.PaidAt = &t
	}
	return &st, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var status, payload string
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &payload, &j.DedupeKey, &status,
		&j.Attempts, &j.MaxAttempts, &j.BackoffMS, &j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan job")
	}
	j.Status = model.JobStatus(status)
	if payload != "" {
		j.Payload = []byte(payload)
	}
	return &j, nil
}

// buildItemUpdate renders the SET clause for an ItemUpdate with the given
// placeholder token. updated_at is always refreshed and Status is always
// applied; other fields only when set.
func buildItemUpdate(upd ItemUpdate, ph string) (string, []any) {
	clauses := []string{"status = " + ph, "updated_at = " + ph}
	args := []any{string(upd.Status), time.Now().UTC()}

	if upd.Source != "" {
		clauses = append(clauses, "source = "+ph)
		args = append(args, string(upd.Source))
	}
	if upd.Reason != "" {
		clauses = append(clauses, "exception_reason = "+ph)
		args = append(args, upd.Reason)
	}
	if upd.ExceptionAt != nil {
		clauses = append(clauses, "exception_at = "+ph)
		args = append(args, upd.ExceptionAt.UTC())
	}
	if upd.ShipmentID != "" {
		clauses = append(clauses, "shipment_id = "+ph)
		args = append(args, upd.ShipmentID)
	}
	if upd.ClearWinner {
		clauses = append(clauses, "winner_quote_item_id = '', winner_supplier_id = ''")
	}
	return strings.Join(clauses, ", "), args
}

func placeholders(n int, ph string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = ph
	}
	return strings.Join(parts, ", ")
}

// rebind rewrites ?-style placeholders to PostgreSQL's $1..$n form.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func checkTag(affected int64, id string) error {
	if affected == 0 {
		return eris.Wrapf(ErrNotFound, "store: no row %s", id)
	}
	return nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "store: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "store: no row %s", id)
	}
	return nil
}
