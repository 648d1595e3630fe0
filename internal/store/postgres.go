package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/loan-ingest/internal/db"
	"github.com/sells-group/loan-ingest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var _ Store = (*PostgresStore)(nil)

const (
	customerCols = `id, agency_id, full_name, phone, email, nrc, address, loan_count, total_borrowed::text, import_batch_id, created_at`
	loanCols     = `id, agency_id, customer_id, borrower_name, borrower_ref, borrower_nrc, principal::text, interest_rate::text, duration_months, loan_type, status, import_batch_id, created_at`
	quarantineQ  = `id, agency_id, import_batch_id, row_index, entity_type, original_data, cleaned_data, confidence, reasons, status, fixed_by, reviewed_by, notes, created_at, updated_at`
	auditCols    = `batch_id, agency_id, user_id, file_name, file_size, result, errors, created_at`
)

// preparedStatements are prepared on each new connection; they are the
// lookups every imported customer row performs.
var preparedStatements = map[string]string{
	"find_customer_by_phone": `SELECT ` + customerCols + ` FROM customers WHERE agency_id = $1 AND phone = $2 LIMIT 1`,
	"find_customer_by_nrc":   `SELECT ` + customerCols + ` FROM customers WHERE agency_id = $1 AND nrc = $2 LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns, minConns := int32(10), int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool, pool.Close), nil
}

func newPostgresWithPool(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: pool}, pool: pool, closeFn: closeFn}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS customers (
	id              TEXT PRIMARY KEY,
	agency_id       TEXT NOT NULL,
	full_name       TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	nrc             TEXT NOT NULL DEFAULT '',
	address         TEXT NOT NULL DEFAULT '',
	loan_count      INTEGER NOT NULL DEFAULT 0,
	total_borrowed  NUMERIC NOT NULL DEFAULT 0,
	import_batch_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_customers_agency_phone ON customers(agency_id, phone) WHERE phone <> '';
CREATE UNIQUE INDEX IF NOT EXISTS uq_customers_agency_nrc ON customers(agency_id, nrc) WHERE nrc <> '';
CREATE INDEX IF NOT EXISTS idx_customers_agency_created ON customers(agency_id, created_at, id);

CREATE TABLE IF NOT EXISTS loans (
	id              TEXT PRIMARY KEY,
	agency_id       TEXT NOT NULL,
	customer_id     TEXT NOT NULL DEFAULT '',
	borrower_name   TEXT NOT NULL DEFAULT '',
	borrower_ref    TEXT NOT NULL DEFAULT '',
	borrower_nrc    TEXT NOT NULL DEFAULT '',
	principal       NUMERIC NOT NULL DEFAULT 0,
	interest_rate   NUMERIC NOT NULL DEFAULT 0,
	duration_months INTEGER NOT NULL DEFAULT 0,
	loan_type       TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'active',
	import_batch_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_loans_agency_status ON loans(agency_id, status);
CREATE INDEX IF NOT EXISTS idx_loans_customer ON loans(customer_id);

CREATE TABLE IF NOT EXISTS import_quarantine (
	id              TEXT PRIMARY KEY,
	agency_id       TEXT NOT NULL,
	import_batch_id TEXT NOT NULL,
	row_index       INTEGER NOT NULL,
	entity_type     TEXT NOT NULL,
	original_data   JSONB NOT NULL,
	cleaned_data    JSONB NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	reasons         JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	fixed_by        TEXT NOT NULL DEFAULT '',
	reviewed_by     TEXT NOT NULL DEFAULT '',
	notes           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quarantine_agency_status ON import_quarantine(agency_id, status);
CREATE INDEX IF NOT EXISTS idx_quarantine_batch ON import_quarantine(import_batch_id);

CREATE TABLE IF NOT EXISTS import_logs (
	batch_id   TEXT PRIMARY KEY,
	agency_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	file_name  TEXT NOT NULL,
	file_size  BIGINT NOT NULL DEFAULT 0,
	result     JSONB NOT NULL,
	errors     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_import_logs_agency ON import_logs(agency_id, created_at DESC);
`

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// WithTx runs fn in a SERIALIZABLE transaction holding an advisory lock on
// the agency, so concurrent imports into one agency queue behind each other.
func (s *PostgresStore) WithTx(ctx context.Context, agencyID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return mapPgError(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, agencyID); err != nil {
		return mapPgError(err, "postgres: lock agency")
	}

	if err := fn(pgQueries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err, "postgres: commit")
	}
	return nil
}

// mapPgError translates serialization failures and unique violations into
// the store sentinels.
func mapPgError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return eris.Wrapf(ErrConflict, "%s: %s", op, pgErr.Message)
		case "23505":
			return eris.Wrapf(ErrDuplicate, "%s: %s", op, pgErr.ConstraintName)
		}
	}
	return eris.Wrap(err, op)
}

// pgQueries implements the customer and loan operations against either the
// pool or a transaction.
type pgQueries struct {
	q db.Querier
}

func (p pgQueries) CreateCustomer(ctx context.Context, c *model.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO customers (id, agency_id, full_name, phone, email, nrc, address, loan_count, total_borrowed, import_batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10, $11)`,
		c.ID, c.AgencyID, c.FullName, c.Phone, c.Email, c.NRC, c.Address,
		c.LoanCount, c.TotalBorrowed.String(), c.ImportBatchID, c.CreatedAt,
	)
	if err != nil {
		return mapPgError(err, "postgres: insert customer")
	}
	return nil
}

func (p pgQueries) GetCustomer(ctx context.Context, agencyID, id string) (*model.Customer, error) {
	c, err := scanCustomer(p.q.QueryRow(ctx,
		`SELECT `+customerCols+` FROM customers WHERE agency_id = $1 AND id = $2`, agencyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: customer %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get customer %s", id)
	}
	return c, nil
}

func (p pgQueries) FindCustomerByPhone(ctx context.Context, agencyID, phone string) (*model.Customer, error) {
	return p.findCustomer(ctx, preparedStatements["find_customer_by_phone"], agencyID, phone)
}

func (p pgQueries) FindCustomerByNRC(ctx context.Context, agencyID, nrc string) (*model.Customer, error) {
	return p.findCustomer(ctx, preparedStatements["find_customer_by_nrc"], agencyID, nrc)
}

func (p pgQueries) findCustomer(ctx context.Context, query, agencyID, key string) (*model.Customer, error) {
	if key == "" {
		return nil, nil
	}
	c, err := scanCustomer(p.q.QueryRow(ctx, query, agencyID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find customer")
	}
	return c, nil
}

func (p pgQueries) ListCustomers(ctx context.Context, agencyID string) ([]model.Customer, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+customerCols+` FROM customers WHERE agency_id = $1 ORDER BY created_at, id`, agencyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list customers")
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan customer")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate customers")
}

func (p pgQueries) IncrementCustomerAggregates(ctx context.Context, agencyID, id string, loans int, amount decimal.Decimal) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE customers SET loan_count = loan_count + $1, total_borrowed = total_borrowed + $2::text::numeric
		 WHERE agency_id = $3 AND id = $4`,
		loans, amount.String(), agencyID, id,
	)
	if err != nil {
		return mapPgError(err, "postgres: increment aggregates")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: customer %s", id)
	}
	return nil
}

func (p pgQueries) CreateLoan(ctx context.Context, l *model.Loan) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = model.LoanActive
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO loans (id, agency_id, customer_id, borrower_name, borrower_ref, borrower_nrc, principal, interest_rate, duration_months, loan_type, status, import_batch_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8::text::numeric, $9, $10, $11, $12, $13)`,
		l.ID, l.AgencyID, l.CustomerID, l.BorrowerName, l.BorrowerRef, l.BorrowerNRC,
		l.Principal.String(), l.InterestRate.String(), l.DurationMonths, l.LoanType,
		string(l.Status), l.ImportBatchID, l.CreatedAt,
	)
	if err != nil {
		return mapPgError(err, "postgres: insert loan")
	}
	return nil
}

func (p pgQueries) GetLoan(ctx context.Context, agencyID, id string) (*model.Loan, error) {
	l, err := scanLoan(p.q.QueryRow(ctx,
		`SELECT `+loanCols+` FROM loans WHERE agency_id = $1 AND id = $2`, agencyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: loan %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get loan %s", id)
	}
	return l, nil
}

func (p pgQueries) ListLoansByStatus(ctx context.Context, agencyID string, status model.LoanStatus) ([]model.Loan, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+loanCols+` FROM loans WHERE agency_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at, id`,
		agencyID, string(status))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list loans")
	}
	defer rows.Close()

	var out []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan loan")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate loans")
}

func (p pgQueries) AssignLoanCustomer(ctx context.Context, agencyID, loanID, customerID string) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE loans SET customer_id = $1, status = $2 WHERE agency_id = $3 AND id = $4 AND status = $5`,
		customerID, string(model.LoanActive), agencyID, loanID, string(model.LoanRequiresMapping),
	)
	if err != nil {
		return mapPgError(err, "postgres: assign loan")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: loan %s is not awaiting mapping", loanID)
	}
	return nil
}

var quarantineCopyCols = []string{
	"id", "agency_id", "import_batch_id", "row_index", "entity_type", "original_data", "cleaned_data",
	"confidence", "reasons", "status", "fixed_by", "reviewed_by", "notes", "created_at", "updated_at",
}

// CreateQuarantined bulk-loads rows with COPY.
func (s *PostgresStore) CreateQuarantined(ctx context.Context, rows []model.QuarantinedRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	data := make([][]any, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Status == "" {
			r.Status = model.QuarantinePending
		}
		r.CreatedAt, r.UpdatedAt = now, now
		original, cleaned, reasons, err := quarantineJSON(r)
		if err != nil {
			return eris.Wrap(err, "postgres: encode quarantined row")
		}
		data = append(data, []any{
			r.ID, r.AgencyID, r.ImportBatchID, r.RowIndex, string(r.EntityType), original, cleaned,
			r.Confidence, reasons, string(r.Status), r.FixedBy, r.ReviewedBy, r.Notes, r.CreatedAt, r.UpdatedAt,
		})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "import_quarantine", quarantineCopyCols, data); err != nil {
		return eris.Wrap(err, "postgres: create quarantined")
	}
	return nil
}

func (s *PostgresStore) GetQuarantined(ctx context.Context, agencyID, id string) (*model.QuarantinedRow, error) {
	r, err := scanQuarantined(s.pool.QueryRow(ctx,
		`SELECT `+quarantineQ+` FROM import_quarantine WHERE agency_id = $1 AND id = $2`, agencyID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: quarantined row %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get quarantined %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListQuarantined(ctx context.Context, agencyID string, filter QuarantineFilter) ([]model.QuarantinedRow, error) {
	query := `SELECT ` + quarantineQ + ` FROM import_quarantine WHERE agency_id = $1`
	args := []any{agencyID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(` AND import_batch_id = $%d`, len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at, row_index LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quarantined")
	}
	defer rows.Close()

	var out []model.QuarantinedRow
	for rows.Next() {
		r, err := scanQuarantined(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan quarantined")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate quarantined")
}

func (s *PostgresStore) UpdateQuarantined(ctx context.Context, row *model.QuarantinedRow) error {
	_, cleaned, _, err := quarantineJSON(row)
	if err != nil {
		return eris.Wrap(err, "postgres: encode quarantined row")
	}
	row.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_quarantine SET cleaned_data = $1, status = $2, fixed_by = $3, reviewed_by = $4, notes = $5, updated_at = $6
		 WHERE agency_id = $7 AND id = $8`,
		cleaned, string(row.Status), row.FixedBy, row.ReviewedBy, row.Notes, row.UpdatedAt, row.AgencyID, row.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update quarantined %s", row.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: quarantined row %s", row.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteQuarantined(ctx context.Context, agencyID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM import_quarantine WHERE agency_id = $1 AND id = $2`, agencyID, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete quarantined %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: quarantined row %s", id)
	}
	return nil
}

func (s *PostgresStore) WriteAuditLog(ctx context.Context, log model.AuditLog) error {
	result, errs, err := auditJSON(log)
	if err != nil {
		return eris.Wrap(err, "postgres: encode audit log")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO import_logs (`+auditCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (batch_id) DO UPDATE SET result = EXCLUDED.result, errors = EXCLUDED.errors, created_at = EXCLUDED.created_at`,
		log.BatchID, log.AgencyID, log.UserID, log.FileName, log.FileSize, result, errs, log.Timestamp,
	)
	return eris.Wrapf(err, "postgres: write audit log %s", log.BatchID)
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, agencyID string, limit int) ([]model.AuditLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auditCols+` FROM import_logs WHERE agency_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agencyID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit logs")
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit log")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit logs")
}
