package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/procurehq/rfq-engine/internal/db"
	"github.com/procurehq/rfq-engine/internal/model"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool db.Pool

	// closer is set when the store owns the pool.
	closer func()
}

// NewPostgres connects a pool to databaseURL with the given connection
// bounds and wraps it in a store.
func NewPostgres(ctx context.Context, databaseURL string, maxConns, minConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse database url")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closer: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests use it with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS rfqs (
	id           TEXT PRIMARY KEY,
	number       TEXT NOT NULL,
	title        TEXT NOT NULL,
	buyer_id     TEXT NOT NULL,
	pricing_mode TEXT NOT NULL,
	deadline     TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL DEFAULT 'published',
	closed_at    TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS rfq_items (
	id                   TEXT PRIMARY KEY,
	rfq_id               TEXT NOT NULL REFERENCES rfqs(id),
	product_name         TEXT NOT NULL,
	quantity             BIGINT NOT NULL,
	max_price            BIGINT NOT NULL DEFAULT 0,
	instant_price        BIGINT NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'pending',
	source               TEXT NOT NULL DEFAULT 'rfq',
	winner_quote_item_id TEXT NOT NULL DEFAULT '',
	winner_supplier_id   TEXT NOT NULL DEFAULT '',
	exception_reason     TEXT NOT NULL DEFAULT '',
	exception_at         TIMESTAMPTZ,
	order_ref            TEXT NOT NULL DEFAULT '',
	shipment_id          TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quotes (
	id           TEXT PRIMARY KEY,
	rfq_id       TEXT NOT NULL REFERENCES rfqs(id),
	supplier_id  TEXT NOT NULL,
	price        BIGINT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'submitted',
	submitted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quote_items (
	id            TEXT PRIMARY KEY,
	quote_id      TEXT NOT NULL REFERENCES quotes(id),
	rfq_item_id   TEXT NOT NULL REFERENCES rfq_items(id),
	price         BIGINT NOT NULL,
	delivery_days INTEGER NOT NULL DEFAULT 0,
	UNIQUE(quote_id, rfq_item_id)
);

CREATE TABLE IF NOT EXISTS awards (
	id             TEXT PRIMARY KEY,
	rfq_id         TEXT NOT NULL REFERENCES rfqs(id),
	supplier_id    TEXT NOT NULL,
	final_price    BIGINT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	cancel_reason  TEXT NOT NULL DEFAULT '',
	cancelled_by   TEXT NOT NULL DEFAULT '',
	cancelled_at   TIMESTAMPTZ,
	payment_qr_key TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	UNIQUE(rfq_id, supplier_id)
);

CREATE TABLE IF NOT EXISTS shipments (
	id              TEXT PRIMARY KEY,
	award_id        TEXT NOT NULL REFERENCES awards(id),
	tracking_number TEXT NOT NULL DEFAULT '',
	carrier         TEXT NOT NULL DEFAULT '',
	tracking_source TEXT NOT NULL DEFAULT '',
	label_key       TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	shipped_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS settlements (
	id         TEXT PRIMARY KEY,
	award_id   TEXT NOT NULL UNIQUE REFERENCES awards(id),
	amount     BIGINT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	qr_key     TEXT NOT NULL DEFAULT '',
	paid_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	link       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
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
	backoff_ms   BIGINT NOT NULL DEFAULT 30000,
	run_at       TIMESTAMPTZ NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rfqs_status_deadline ON rfqs(status, deadline);
CREATE INDEX IF NOT EXISTS idx_rfq_items_rfq_id ON rfq_items(rfq_id);
CREATE INDEX IF NOT EXISTS idx_quotes_rfq_id ON quotes(rfq_id);
CREATE INDEX IF NOT EXISTS idx_quote_items_quote_id ON quote_items(quote_id);
CREATE INDEX IF NOT EXISTS idx_awards_rfq_id ON awards(rfq_id);
CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_status_run_at ON jobs(queue, status, run_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}

// --- RFQs ---

func (s *PostgresStore) CreateRFQ(ctx context.Context, rfq *model.RFQ, items []model.RfqItem) error {
	now := time.Now().UTC()
	if rfq.ID == "" {
		rfq.ID = uuid.New().String()
	}
	rfq.CreatedAt = now
	rfq.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create rfq")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO rfqs (id, number, title, buyer_id, pricing_mode, deadline, status, closed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rfq.ID, rfq.Number, rfq.Title, rfq.BuyerID, string(rfq.PricingMode), rfq.Deadline.UTC(),
		string(rfq.Status), nullTime(rfq.ClosedAt), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert rfq")
	}

	rows := make([][]any, 0, len(items))
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
		rows = append(rows, []any{
			it.ID, it.RfqID, it.ProductName, it.Quantity, it.MaxPrice, it.InstantPrice,
			string(it.Status), string(it.Source), it.WinnerQuoteItemID, it.WinnerSupplierID,
			it.ExceptionReason, nullTime(it.ExceptionAt), it.OrderRef, it.ShipmentID, now, now,
		})
	}
	_, err = db.CopyFrom(ctx, tx, "rfq_items", []string{
		"id", "rfq_id", "product_name", "quantity", "max_price", "instant_price", "status", "source",
		"winner_quote_item_id", "winner_supplier_id", "exception_reason", "exception_at", "order_ref",
		"shipment_id", "created_at", "updated_at",
	}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: insert rfq items")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create rfq")
}

func (s *PostgresStore) GetRFQ(ctx context.Context, id string) (*model.RFQ, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, number, title, buyer_id, pricing_mode, deadline, status, closed_at, created_at, updated_at
		 FROM rfqs WHERE id = $1`, id)
	return scanRFQ(row)
}

func (s *PostgresStore) UpdateRFQStatus(ctx context.Context, id string, status model.RFQStatus, closedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rfqs SET status = $1, closed_at = COALESCE($2, closed_at), updated_at = $3 WHERE id = $4`,
		string(status), nullTime(closedAt), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update rfq status %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) ListRFQs(ctx context.Context, filter RFQFilter) ([]model.RFQ, error) {
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

	rows, err := s.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rfqs")
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
	return rfqs, eris.Wrap(rows.Err(), "postgres: list rfqs iterate")
}

// --- Line items ---

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.RfqItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM rfq_items WHERE id = $1`, id)
	return scanItem(row)
}

func (s *PostgresStore) ListItems(ctx context.Context, rfqID string) ([]model.RfqItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM rfq_items WHERE rfq_id = $1 ORDER BY created_at, id`, rfqID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
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
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) MarkItemAwarded(ctx context.Context, itemID, quoteItemID, supplierID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rfq_items SET status = $1, source = $2, winner_quote_item_id = $3, winner_supplier_id = $4, updated_at = $5
		 WHERE id = $6`,
		string(model.ItemStatusAwarded), string(model.ItemSourceRFQ), quoteItemID, supplierID, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark item awarded %s", itemID)
	}
	return checkTag(tag.RowsAffected(), itemID)
}

func (s *PostgresStore) UpdateItem(ctx context.Context, itemID string, upd ItemUpdate) error {
	set, args := buildItemUpdate(upd, "?")
	args = append(args, itemID)

	tag, err := s.pool.Exec(ctx, rebind(`UPDATE rfq_items SET `+set+` WHERE id = ?`), args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item %s", itemID)
	}
	return checkTag(tag.RowsAffected(), itemID)
}

func (s *PostgresStore) BulkUpdateItems(ctx context.Context, rfqID, supplierID string, upd ItemUpdate, exclude []model.ItemStatus) (int, error) {
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

	tag, err := s.pool.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: bulk update items rfq %s", rfqID)
	}
	return int(tag.RowsAffected()), nil
}

// --- Quotes ---

func (s *PostgresStore) CreateQuote(ctx context.Context, q *model.Quote) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create quote")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO quotes (id, rfq_id, supplier_id, price, status, submitted_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, q.RfqID, q.SupplierID, q.Price, string(q.Status), q.SubmittedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert quote")
	}

	rows := make([][]any, 0, len(q.Items))
	for i := range q.Items {
		qi := &q.Items[i]
		if qi.ID == "" {
			qi.ID = uuid.New().String()
		}
		qi.QuoteID = q.ID
		rows = append(rows, []any{qi.ID, qi.QuoteID, qi.RfqItemID, qi.Price, qi.DeliveryDays})
	}
	_, err = db.CopyFrom(ctx, tx, "quote_items",
		[]string{"id", "quote_id", "rfq_item_id", "price", "delivery_days"}, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: insert quote items")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create quote")
}

func (s *PostgresStore) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, rfq_id, supplier_id, price, status, submitted_at FROM quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if err != nil {
		return nil, err
	}
	items, err := s.quoteItems(ctx, `qi.quote_id = $1`, id)
	if err != nil {
		return nil, err
	}
	q.Items = items[q.ID]
	return q, nil
}

func (s *PostgresStore) ListQuotes(ctx context.Context, rfqID string, status model.QuoteStatus) ([]model.Quote, error) {
	query := `SELECT id, rfq_id, supplier_id, price, status, submitted_at FROM quotes WHERE rfq_id = ?`
	args := []any{rfqID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY submitted_at, id`

	rows, err := s.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quotes")
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
		return nil, eris.Wrap(err, "postgres: list quotes iterate")
	}

	itemsByQuote, err := s.quoteItems(ctx, `q.rfq_id = $1`, rfqID)
	if err != nil {
		return nil, err
	}
	for i := range quotes {
		quotes[i].Items = itemsByQuote[quotes[i].ID]
	}
	return quotes, nil
}

func (s *PostgresStore) quoteItems(ctx context.Context, where string, arg any) (map[string][]model.QuoteItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT qi.id, qi.quote_id, qi.rfq_item_id, qi.price, qi.delivery_days
		 FROM quote_items qi JOIN quotes q ON q.id = qi.quote_id
		 WHERE `+where+` ORDER BY qi.id`, arg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quote items")
	}
	defer rows.Close()

	byQuote := make(map[string][]model.QuoteItem)
	for rows.Next() {
		var qi model.QuoteItem
		if err := rows.Scan(&qi.ID, &qi.QuoteID, &qi.RfqItemID, &qi.Price, &qi.DeliveryDays); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quote item")
		}
		byQuote[qi.QuoteID] = append(byQuote[qi.QuoteID], qi)
	}
	return byQuote, eris.Wrap(rows.Err(), "postgres: quote items iterate")
}

func (s *PostgresStore) UpdateQuoteStatus(ctx context.Context, id string, status model.QuoteStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE quotes SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update quote status %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

// --- Awards ---

func (s *PostgresStore) CreateAwardIfAbsent(ctx context.Context, a *model.Award) (*model.Award, bool, error) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.AwardStatusActive
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO awards (id, rfq_id, supplier_id, final_price, status, cancel_reason, cancelled_by, cancelled_at, payment_qr_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, '', '', NULL, $6, $7, $8)
		 ON CONFLICT (rfq_id, supplier_id) DO NOTHING`,
		a.ID, a.RfqID, a.SupplierID, a.FinalPrice, string(a.Status), a.PaymentQRKey, now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert award")
	}
	if tag.RowsAffected() > 0 {
		return a, true, nil
	}

	existing, err := s.GetAwardBySupplier(ctx, a.RfqID, a.SupplierID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetAward(ctx context.Context, id string) (*model.Award, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+awardColumns+` FROM awards WHERE id = $1`, id)
	return scanAward(row)
}

func (s *PostgresStore) GetAwardBySupplier(ctx context.Context, rfqID, supplierID string) (*model.Award, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+awardColumns+` FROM awards WHERE rfq_id = $1 AND supplier_id = $2`, rfqID, supplierID)
	return scanAward(row)
}

func (s *PostgresStore) ListAwards(ctx context.Context, rfqID string) ([]model.Award, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+awardColumns+` FROM awards WHERE rfq_id = $1 ORDER BY created_at, id`, rfqID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list awards")
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
	return awards, eris.Wrap(rows.Err(), "postgres: list awards iterate")
}

func (s *PostgresStore) UpdateAwardStatus(ctx context.Context, id string, status model.AwardStatus, cancel *Cancellation) error {
	var affected int64
	if cancel != nil {
		tag, err := s.pool.Exec(ctx,
			`UPDATE awards SET status = $1, cancel_reason = $2, cancelled_by = $3, cancelled_at = $4, updated_at = $5 WHERE id = $6`,
			string(status), cancel.Reason, cancel.By, cancel.At.UTC(), time.Now().UTC(), id,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update award status %s", id)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := s.pool.Exec(ctx,
			`UPDATE awards SET status = $1, updated_at = $2 WHERE id = $3`,
			string(status), time.Now().UTC(), id,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update award status %s", id)
		}
		affected = tag.RowsAffected()
	}
	return checkTag(affected, id)
}

func (s *PostgresStore) SetAwardPaymentQR(ctx context.Context, id, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE awards SET payment_qr_key = $1, updated_at = $2 WHERE id = $3`, key, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set award payment qr %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

// --- Shipments ---

func (s *PostgresStore) CreateShipment(ctx context.Context, sh *model.Shipment) error {
	now := time.Now().UTC()
	if sh.ID == "" {
		sh.ID = uuid.New().String()
	}
	sh.CreatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO shipments (id, award_id, tracking_number, carrier, tracking_source, label_key, created_at, shipped_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sh.ID, sh.AwardID, sh.TrackingNumber, sh.Carrier, string(sh.TrackingSource), sh.LabelKey, now, nullTime(sh.ShippedAt),
	)
	return eris.Wrap(err, "postgres: insert shipment")
}

func (s *PostgresStore) GetShipment(ctx context.Context, id string) (*model.Shipment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, award_id, tracking_number, carrier, tracking_source, label_key, created_at, shipped_at
		 FROM shipments WHERE id = $1`, id)

	var sh model.Shipment
	var src string
	var shippedAt sql.NullTime
	err := row.Scan(&sh.ID, &sh.AwardID, &sh.TrackingNumber, &sh.Carrier, &src, &sh.LabelKey, &sh.CreatedAt, &shippedAt)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan shipment")
	}
	sh.TrackingSource = model.TrackingSource(src)
	if shippedAt.Valid {
		t := shippedAt.Time
		sh.ShippedAt = &t
	}
	return &sh, nil
}

func (s *PostgresStore) SetShipmentTracking(ctx context.Context, id, trackingNumber, carrier string, source model.TrackingSource) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE shipments SET tracking_number = $1, carrier = $2, tracking_source = $3 WHERE id = $4`,
		trackingNumber, carrier, string(source), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set shipment tracking %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) MarkShipmentShipped(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE shipments SET shipped_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark shipment shipped %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

// --- Settlements ---

func (s *PostgresStore) CreateSettlementIfAbsent(ctx context.Context, st *model.Settlement) (*model.Settlement, bool, error) {
	now := time.Now().UTC()
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if st.Status == "" {
		st.Status = model.SettlementStatusPending
	}
	st.CreatedAt = now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, award_id, amount, status, qr_key, paid_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULL, $6)
		 ON CONFLICT (award_id) DO NOTHING`,
		st.ID, st.AwardID, st.Amount, string(st.Status), st.QRKey, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert settlement")
	}
	if tag.RowsAffected() > 0 {
		return st, true, nil
	}

	row := s.pool.QueryRow(ctx,
		`SELECT id, award_id, amount, status, qr_key, paid_at, created_at FROM settlements WHERE award_id = $1`,
		st.AwardID)
	existing, err := scanSettlement(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, paidAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET status = $1, paid_at = COALESCE($2, paid_at) WHERE id = $3`,
		string(status), nullTime(paidAt), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update settlement %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) ListSettlements(ctx context.Context, status model.SettlementStatus, limit int) ([]model.Settlement, error) {
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

	rows, err := s.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list settlements")
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
	return settlements, eris.Wrap(rows.Err(), "postgres: list settlements iterate")
}

// --- Notifications and audit ---

func (s *PostgresStore) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, content, link, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Content, n.Link, n.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert notification")
}

func (s *PostgresStore) CountNotifications(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE created_at >= $1`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "postgres: count notifications")
}

func (s *PostgresStore) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, actor_id, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.Detail, e.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert audit entry")
}

// --- Jobs ---

func (s *PostgresStore) InsertJob(ctx context.Context, j *model.Job) (bool, error) {
	now := time.Now().UTC()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobStatusQueued
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, queue, job_type, payload, dedupe_key, status, attempts, max_attempts, backoff_ms, run_at, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', $11, $12)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		j.ID, j.Queue, j.Type, string(j.Payload), j.DedupeKey, string(j.Status),
		j.Attempts, j.MaxAttempts, j.BackoffMS, j.RunAt.UTC(), now, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert job")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2
		 WHERE id IN (
		   SELECT id FROM jobs WHERE queue = $3 AND status = $4 AND run_at <= $5
		   ORDER BY run_at LIMIT $6 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		string(model.JobStatusRunning), now.UTC(), queue, string(model.JobStatusQueued), now.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim due jobs")
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
	return jobs, eris.Wrap(rows.Err(), "postgres: claim due jobs iterate")
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(model.JobStatusDone), time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) RescheduleJob(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, attempts = $2, run_at = $3, last_error = $4, updated_at = $5 WHERE id = $6`,
		string(model.JobStatusQueued), attempts, runAt.UTC(), lastError, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: reschedule job %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, attempts int, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, attempts = $2, last_error = $3, updated_at = $4 WHERE id = $5`,
		string(model.JobStatusFailed), attempts, lastError, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	return checkTag(tag.RowsAffected(), id)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
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

	rows, err := s.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
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
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) CountJobs(ctx context.Context, queue string, status model.JobStatus) (int, error) {
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
	err := s.pool.QueryRow(ctx, rebind(query), args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count jobs")
}
