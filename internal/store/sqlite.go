package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/procurehq/rfq-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS rfqs (
	id           TEXT PRIMARY KEY,
	number       TEXT NOT NULL,
	title        TEXT NOT NULL,
	buyer_id     TEXT NOT NULL,
	pricing_mode TEXT NOT NULL,
	deadline     DATETIME NOT NULL,
	status       TEXT NOT NULL DEFAULT 'published',
	closed_at    DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rfq_items (
	id                   TEXT PRIMARY KEY,
	rfq_id               TEXT NOT NULL REFERENCES rfqs(id),
	product_name         TEXT NOT NULL,
	quantity             INTEGER NOT NULL,
	max_price            INTEGER NOT NULL DEFAULT 0,
	instant_price        INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'pending',
	source               TEXT NOT NULL DEFAULT 'rfq',
	winner_quote_item_id TEXT NOT NULL DEFAULT '',
	winner_supplier_id   TEXT NOT NULL DEFAULT '',
	exception_reason     TEXT NOT NULL DEFAULT '',
	exception_at         DATETIME,
	order_ref            TEXT NOT NULL DEFAULT '',
	shipment_id          TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quotes (
	id           TEXT PRIMARY KEY,
	rfq_id       TEXT NOT NULL REFERENCES rfqs(id),
	supplier_id  TEXT NOT NULL,
	price        INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'submitted',
	submitted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quote_items (
	id            TEXT PRIMARY KEY,
	quote_id      TEXT NOT NULL REFERENCES quotes(id),
	rfq_item_id   TEXT NOT NULL REFERENCES rfq_items(id),
	price         INTEGER NOT NULL,
	delivery_days INTEGER NOT NULL DEFAULT 0,
	UNIQUE(quote_id, rfq_item_id)
);

CREATE TABLE IF NOT EXISTS awards (
	id             TEXT PRIMARY KEY,
	rfq_id         TEXT NOT NULL REFERENCES rfqs(id),
	supplier_id    TEXT NOT NULL,
	final_price    INTEGER NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	cancel_reason  TEXT NOT NULL DEFAULT '',
	cancelled_by   TEXT NOT NULL DEFAULT '',
	cancelled_at   DATETIME,
	payment_qr_key TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE(rfq_id, supplier_id)
);

CREATE TABLE IF NOT EXISTS shipments (
	id              TEXT PRIMARY KEY,
	award_id        TEXT NOT NULL REFERENCES awards(id),
	tracking_number TEXT NOT NULL DEFAULT '',
	carrier         TEXT NOT NULL DEFAULT '',
	tracking_source TEXT NOT NULL DEFAULT '',
	label_key       TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	shipped_at      DATETIME
);

CREATE TABLE IF NOT EXISTS settlements (
	id         TEXT PRIMARY KEY,
	award_id   TEXT NOT NULL UNIQUE REFERENCES awards(id),
	amount     INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	qr_key     TEXT NOT NULL DEFAULT '',
	paid_at    DATETIME,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	link       TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	job_type     TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	dedupe_key   TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL DEFAULT 'queued',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	backoff_ms   INTEGER NOT NULL DEFAULT 30000,
	run_at       DATETIME NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rfqs_status_deadline ON rfqs(status, deadline);
CREATE INDEX IF NOT EXISTS idx_rfq_items_rfq_id ON rfq_items(rfq_id);
CREATE INDEX IF NOT EXISTS idx_quotes_rfq_id ON quotes(rfq_id);
CREATE INDEX IF NOT EXISTS idx_quote_items_quote_id ON quote_items(quote_id);
CREATE INDEX IF NOT EXISTS idx_awards_rfq_id ON awards(rfq_id);
CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_status_run_at ON jobs(queue, status, run_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- RFQs ---

func (s *SQLiteStore) CreateRFQ(ctx context.Context, rfq *model.RFQ, items []model.RfqItem) error {
	now := time.Now().UTC()
	if rfq.ID == "" {
		rfq.ID = uuid.New().String()
	}
	rfq.CreatedAt = now
	rfq.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create rfq")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rfqs (id, number, title, buyer_id, pricing_mode, deadline, status, closed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rfq.ID, rfq.Number, rfq.Title, rfq.BuyerID, string(rfq.PricingMode), rfq.Deadline.UTC(),
		string(rfq.Status), nullTime(rfq.ClosedAt), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert rfq")
	}

	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.RfqID = rfq.ID
		if it.Status == "" {
			it.Status = model.ItemStatusPending
		}
		if it.Source == "" {
			it.Source = model.ItemSourceRFQ
		}
		it.CreatedAt = now
		it.UpdatedAt = now

		_, err = tx.ExecContext(ctx,
			`INSERT INTO rfq_items (id, rfq_id, product_name, quantity, max_price, instant_price, status, source,
			   winner_quote_item_id, winner_supplier_id, exception_reason, exception_at, order_ref, shipment_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.RfqID, it.ProductName, it.Quantity, it.MaxPrice, it.InstantPrice, string(it.Status), string(it.Source),
			it.WinnerQuoteItemID, it.WinnerSupplierID, it.ExceptionReason, nullTime(it.ExceptionAt), it.OrderRef, it.ShipmentID, now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert rfq item %s", it.ProductName)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create rfq")
}

func (s *SQLiteStore) GetRFQ(ctx context.Context, id string) (*model.RFQ, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, number, title, buyer_id, pricing_mode, deadline, status, closed_at, created_at, updated_at
		 FROM rfqs WHERE id = ?`, id)
	return scanRFQ(row)
}

func (s *SQLiteStore) UpdateRFQStatus(ctx context.Context, id string, status model.RFQStatus, closedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rfqs SET status = ?, closed_at = COALESCE(?, closed_at), updated_at = ? WHERE id = ?`,
		string(status), nullTime(closedAt), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update rfq status %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ListRFQs(ctx context.Context, filter RFQFilter) ([]model.RFQ, error) {
	query := `SELECT id, number, title, buyer_id, pricing_mode, deadline, status, closed_at, created_at, updated_at
	          FROM rfqs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.DeadlineBefore.IsZero() {
		query += ` AND deadline <= ?`
		args = append(args, filter.DeadlineBefore.UTC())
	}
	if !filter.DeadlineAfter.IsZero() {
		query += ` AND deadline > ?`
		args = append(args, filter.DeadlineAfter.UTC())
	}
	query += ` ORDER BY deadline ASC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rfqs")
	}
	defer rows.Close()

	var rfqs []model.RFQ
	for rows.Next() {
		r, err := scanRFQ(rows)
		if err != nil {
			return nil, err
		}
		rfqs = append(rfqs, *r)
	}
	return rfqs, eris.Wrap(rows.Err(), "sqlite: list rfqs iterate")
}

// --- Line items ---

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.RfqItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM rfq_items WHERE id = ?`, id)
	return scanItem(row)
}

func (s *SQLiteStore) ListItems(ctx context.Context, rfqID string) ([]model.RfqItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM rfq_items WHERE rfq_id = ? ORDER BY created_at, id`, rfqID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var items []model.RfqItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) MarkItemAwarded(ctx context.Context, itemID, quoteItemID, supplierID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rfq_items SET status = ?, source = ?, winner_quote_item_id = ?, winner_supplier_id = ?, updated_at = ?
		 WHERE id = ?`,
		string(model.ItemStatusAwarded), string(model.ItemSourceRFQ), quoteItemID, supplierID, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark item awarded %s", itemID)
	}
	return checkRowsAffected(res, itemID)
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, itemID string, upd ItemUpdate) error {
	set, args := buildItemUpdate(upd, "?")
	args = append(args, itemID)

	res, err := s.db.ExecContext(ctx, `UPDATE rfq_items SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item %s", itemID)
	}
	return checkRowsAffected(res, itemID)
}

func (s *SQLiteStore) BulkUpdateItems(ctx context.Context, rfqID, supplierID string, upd ItemUpdate, exclude []model.ItemStatus) (int, error) {
	set, args := buildItemUpdate(upd, "?")
	query := `UPDATE rfq_items SET ` + set + ` WHERE rfq_id = ?`
	args = append(args, rfqID)

	if supplierID != "" {
		query += ` AND winner_supplier_id = ?`
		args = append(args, supplierID)
	}
	if len(exclude) > 0 {
		query += ` AND status NOT IN (` + placeholders(len(exclude), "?") + `)`
		for _, st := range exclude {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: bulk update items rfq %s", rfqID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: bulk update rows affected")
}

// --- Quotes ---

func (s *SQLiteStore) CreateQuote(ctx context.Context, q *model.Quote) error {
	now := time.Now().UTC()
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.Status == "" {
		q.Status = model.QuoteStatusSubmitted
	}
	if q.SubmittedAt.IsZero() {
		q.SubmittedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create quote")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO quotes (id, rfq_id, supplier_id, price, status, submitted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		q.ID, q.RfqID, q.SupplierID, q.Price, string(q.Status), q.SubmittedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert quote")
	}

	for i := range q.Items {
		qi := &q.Items[i]
		if qi.ID == "" {
			qi.ID = uuid.New().String()
		}
		qi.QuoteID = q.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO quote_items (id, quote_id, rfq_item_id, price, delivery_days) VALUES (?, ?, ?, ?, ?)`,
			qi.ID, qi.QuoteID, qi.RfqItemID, qi.Price, qi.DeliveryDays,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert quote item for %s", qi.RfqItemID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create quote")
}

func (s *SQLiteStore) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, rfq_id, supplier_id, price, status, submitted_at FROM quotes WHERE id = ?`, id)
	q, err := scanQuote(row)
	if err != nil {
		return nil, err
	}
	items, err := s.quoteItems(ctx, `qi.quote_id = ?`, id)
	if err != nil {
		return nil, err
	}
	q.Items = items[q.ID]
	return q, nil
}

func (s *SQLiteStore) ListQuotes(ctx context.Context, rfqID string, status model.QuoteStatus) ([]model.Quote, error) {
	query := `SELECT id, rfq_id, supplier_id, price, status, submitted_at FROM quotes WHERE rfq_id = ?`
	args := []any{rfqID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY submitted_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quotes")
	}
	defer rows.Close()

	var quotes []model.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list quotes iterate")
	}

	itemsByQuote, err := s.quoteItems(ctx, `q.rfq_id = ?`, rfqID)
	if err != nil {
		return nil, err
	}
	for i := range quotes {
		quotes[i].Items = itemsByQuote[quotes[i].ID]
	}
	return quotes, nil
}

func (s *SQLiteStore) quoteItems(ctx context.Context, where string, arg any) (map[string][]model.QuoteItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT qi.id, qi.quote_id, qi.rfq_item_id, qi.price, qi.delivery_days
		 FROM quote_items qi JOIN quotes q ON q.id = qi.quote_id
		 WHERE `+where+` ORDER BY qi.id`, arg)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quote items")
	}
	defer rows.Close()

	byQuote := make(map[string][]model.QuoteItem)
	for rows.Next() {
		var qi model.QuoteItem
		if err := rows.Scan(&qi.ID, &qi.QuoteID, &qi.RfqItemID, &qi.Price, &qi.DeliveryDays); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quote item")
		}
		byQuote[qi.QuoteID] = append(byQuote[qi.QuoteID], qi)
	}
	return byQuote, eris.Wrap(rows.Err(), "sqlite: quote items iterate")
}

func (s *SQLiteStore) UpdateQuoteStatus(ctx context.Context, id string, status model.QuoteStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quotes SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update quote status %s", id)
	}
	return checkRowsAffected(res, id)
}

// --- Awards ---

func (s *SQLiteStore) CreateAwardIfAbsent(ctx context.Context, a *model.Award) (*model.Award, bool, error) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.AwardStatusActive
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO awards (id, rfq_id, supplier_id, final_price, status, cancel_reason, cancelled_by, cancelled_at, payment_qr_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', '', NULL, ?, ?, ?)
		 ON CONFLICT(rfq_id, supplier_id) DO NOTHING`,
		a.ID, a.RfqID, a.SupplierID, a.FinalPrice, string(a.Status), a.PaymentQRKey, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert award")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: award rows affected")
	}
	if n > 0 {
		return a, true, nil
	}

	// Lost the race or a previous attempt already created it; the existing
	// award wins.
	existing, err := s.GetAwardBySupplier(ctx, a.RfqID, a.SupplierID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetAward(ctx context.Context, id string) (*model.Award, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+awardColumns+` FROM awards WHERE id = ?`, id)
	return scanAward(row)
}

func (s *SQLiteStore) GetAwardBySupplier(ctx context.Context, rfqID, supplierID string) (*model.Award, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+awardColumns+` FROM awards WHERE rfq_id = ? AND supplier_id = ?`, rfqID, supplierID)
	return scanAward(row)
}

func (s *SQLiteStore) ListAwards(ctx context.Context, rfqID string) ([]model.Award, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+awardColumns+` FROM awards WHERE rfq_id = ? ORDER BY created_at, id`, rfqID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list awards")
	}
	defer rows.Close()

	var awards []model.Award
	for rows.Next() {
		a, err := scanAward(rows)
		if err != nil {
			return nil, err
		}
		awards = append(awards, *a)
	}
	return awards, eris.Wrap(rows.Err(), "sqlite: list awards iterate")
}

func (s *SQLiteStore) UpdateAwardStatus(ctx context.Context, id string, status model.AwardStatus, cancel *Cancellation) error {
	var res sql.Result
	var err error
	if cancel != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE awards SET status = ?, cancel_reason = ?, cancelled_by = ?, cancelled_at = ?, updated_at = ? WHERE id = ?`,
			string(status), cancel.Reason, cancel.By, cancel.At.UTC(), time.Now().UTC(), id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE awards SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update award status %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) SetAwardPaymentQR(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE awards SET payment_qr_key = ?, updated_at = ? WHERE id = ?`, key, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set award payment qr %s", id)
	}
	return checkRowsAffected(res, id)
}

// --- Shipments ---

func (s *SQLiteStore) CreateShipment(ctx context.Context, sh *model.Shipment) error {
	now := time.Now().UTC()
	if sh.ID == "" {
		sh.ID = uuid.New().String()
	}
	sh.CreatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shipments (id, award_id, tracking_number, carrier, tracking_source, label_key, created_at, shipped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sh.ID, sh.AwardID, sh.TrackingNumber, sh.Carrier, string(sh.TrackingSource), sh.LabelKey, now, nullTime(sh.ShippedAt),
	)
	return eris.Wrap(err, "sqlite: insert shipment")
}

func (s *SQLiteStore) GetShipment(ctx context.Context, id string) (*model.Shipment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, award_id, tracking_number, carrier, tracking_source, label_key, created_at, shipped_at
		 FROM shipments WHERE id = ?`, id)

	var sh model.Shipment
	var src string
	var shippedAt sql.NullTime
	err := row.Scan(&sh.ID, &sh.AwardID, &sh.TrackingNumber, &sh.Carrier, &src, &sh.LabelKey, &sh.CreatedAt, &shippedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan shipment")
	}
	sh.TrackingSource = model.TrackingSource(src)
	if shippedAt.Valid {
		t := shippedAt.Time
		sh.ShippedAt = &t
	}
	return &sh, nil
}

func (s *SQLiteStore) SetShipmentTracking(ctx context.Context, id, trackingNumber, carrier string, source model.TrackingSource) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE shipments SET tracking_number = ?, carrier = ?, tracking_source = ? WHERE id = ?`,
		trackingNumber, carrier, string(source), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set shipment tracking %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) MarkShipmentShipped(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE shipments SET shipped_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark shipment shipped %s", id)
	}
	return checkRowsAffected(res, id)
}

// --- Settlements ---

func (s *SQLiteStore) CreateSettlementIfAbsent(ctx context.Context, st *model.Settlement) (*model.Settlement, bool, error) {
	now := time.Now().UTC()
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if st.Status == "" {
		st.Status = model.SettlementStatusPending
	}
	st.CreatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO settlements (id, award_id, amount, status, qr_key, paid_at, created_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)
		 ON CONFLICT(award_id) DO NOTHING`,
		st.ID, st.AwardID, st.Amount, string(st.Status), st.QRKey, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert settlement")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: settlement rows affected")
	}
	if n > 0 {
		return st, true, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, award_id, amount, status, qr_key, paid_at, created_at FROM settlements WHERE award_id = ?`,
		st.AwardID)
	existing, err := scanSettlement(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, paidAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET status = ?, paid_at = COALESCE(?, paid_at) WHERE id = ?`,
		string(status), nullTime(paidAt), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update settlement %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ListSettlements(ctx context.Context, status model.SettlementStatus, limit int) ([]model.Settlement, error) {
	query := `SELECT id, award_id, amount, status, qr_key, paid_at, created_at FROM settlements WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list settlements")
	}
	defer rows.Close()

	var settlements []model.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, *st)
	}
	return settlements, eris.Wrap(rows.Err(), "sqlite: list settlements iterate")
}

// --- Notifications and audit ---

func (s *SQLiteStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, content, link, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Content, n.Link, n.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert notification")
}

func (s *SQLiteStore) CountNotifications(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE created_at >= ?`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count notifications")
}

func (s *SQLiteStore) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.Detail, e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert audit entry")
}

// --- Jobs ---

func (s *SQLiteStore) InsertJob(ctx context.Context, j *model.Job) (bool, error) {
	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobStatusQueued
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, job_type, payload, dedupe_key, status, attempts, max_attempts, backoff_ms, run_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		 ON CONFLICT(dedupe_key) DO NOTHING`,
		j.ID, j.Queue, j.Type, string(j.Payload), j.DedupeKey, string(j.Status),
		j.Attempts, j.MaxAttempts, j.BackoffMS, j.RunAt.UTC(), now, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: job rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM jobs WHERE queue = ? AND status = ? AND run_at <= ? ORDER BY run_at LIMIT ?
		 )
		 RETURNING `+jobColumns,
		string(model.JobStatusRunning), now.UTC(), queue, string(model.JobStatusQueued), now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim due jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: claim due jobs iterate")
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusDone), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) RescheduleJob(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusQueued), attempts, runAt.UTC(), lastError, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reschedule job %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, attempts int, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(model.JobStatusFailed), attempts, lastError, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, filter.Queue)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) CountJobs(ctx context.Context, queue string, status model.JobStatus) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE 1=1`
	var args []any
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count jobs")
}
