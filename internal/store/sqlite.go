package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/loan-ingest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqlQueries
	db *sql.DB
	// writeMu serializes writes; SQLite has a single writer anyway and this
	// keeps busy errors out of the import path.
	writeMu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqlQueries: sqlQueries{q: db}, db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS customers (
	id              TEXT PRIMARY KEY,
	agency_id       TEXT NOT NULL,
	full_name       TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	nrc             TEXT NOT NULL DEFAULT '',
	address         TEXT NOT NULL DEFAULT '',
	loan_count      INTEGER NOT NULL DEFAULT 0,
	total_borrowed  TEXT NOT NULL DEFAULT '0',
	import_batch_id TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_customers_agency_phone ON customers(agency_id, phone) WHERE phone <> '';
CREATE UNIQUE INDEX IF NOT EXISTS uq_customers_agency_nrc ON customers(agency_id, nrc) WHERE nrc <> '';

CREATE TABLE IF NOT EXISTS loans (
	id              TEXT PRIMARY KEY,
	agency_id       TEXT NOT NULL,
	customer_id     TEXT NOT NULL DEFAULT '',
	borrower_name   TEXT NOT NULL DEFAULT '',
	borrower_ref    TEXT NOT NULL DEFAULT '',
	borrower_nrc    TEXT NOT NULL DEFAULT '',
	principal       TEXT NOT NULL DEFAULT '0',
	interest_rate   TEXT NOT NULL DEFAULT '0',
	duration_months INTEGER NOT NULL DEFAULT 0,
	loan_type       TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'active',
	import_batch_id TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_loans_agency_status ON loans(agency_id, status);

CREATE TABLE IF NOT EXISTS import_quarantine (
	id              TEXT PRIMARY KEY,
	agency_id       TEXT NOT NULL,
	import_batch_id TEXT NOT NULL,
	row_index       INTEGER NOT NULL,
	entity_type     TEXT NOT NULL,
	original_data   TEXT NOT NULL,
	cleaned_data    TEXT NOT NULL,
	confidence      REAL NOT NULL,
	reasons         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	fixed_by        TEXT NOT NULL DEFAULT '',
	reviewed_by     TEXT NOT NULL DEFAULT '',
	notes           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_quarantine_agency_status ON import_quarantine(agency_id, status);

CREATE TABLE IF NOT EXISTS import_logs (
	batch_id   TEXT PRIMARY KEY,
	agency_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	file_name  TEXT NOT NULL,
	file_size  INTEGER NOT NULL DEFAULT 0,
	result     TEXT NOT NULL,
	errors     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_import_logs_agency ON import_logs(agency_id, created_at);
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

// WithTx runs fn in a transaction. Writers are serialized in-process.
func (s *SQLiteStore) WithTx(ctx context.Context, _ string, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(sqlQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError(err, "sqlite: commit")
	}
	return nil
}

func mapSQLiteError(err error, op string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return eris.Wrapf(ErrDuplicate, "%s: %s", op, msg)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return eris.Wrapf(ErrConflict, "%s: %s", op, msg)
	}
	return eris.Wrap(err, op)
}

// sqlExecutor is satisfied by *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlQueries implements the customer and loan operations against either the
// database or a transaction.
type sqlQueries struct {
	q sqlExecutor
}

const (
	sqliteCustomerCols = `id, agency_id, full_name, phone, email, nrc, address, loan_count, total_borrowed, import_batch_id, created_at`
	sqliteLoanCols     = `id, agency_id, customer_id, borrower_name, borrower_ref, borrower_nrc, principal, interest_rate, duration_months, loan_type, status, import_batch_id, created_at`
)

func (s sqlQueries) CreateCustomer(ctx context.Context, c *model.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO customers (`+sqliteCustomerCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgencyID, c.FullName, c.Phone, c.Email, c.NRC, c.Address,
		c.LoanCount, c.TotalBorrowed.String(), c.ImportBatchID, c.CreatedAt,
	)
	if err != nil {
		return mapSQLiteError(err, "sqlite: insert customer")
	}
	return nil
}

func (s sqlQueries) GetCustomer(ctx context.Context, agencyID, id string) (*model.Customer, error) {
	c, err := scanCustomer(s.q.QueryRowContext(ctx,
		`SELECT `+sqliteCustomerCols+` FROM customers WHERE agency_id = ? AND id = ?`, agencyID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: customer %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get customer %s", id)
	}
	return c, nil
}

func (s sqlQueries) FindCustomerByPhone(ctx context.Context, agencyID, phone string) (*model.Customer, error) {
	return s.findCustomer(ctx, "phone", agencyID, phone)
}

func (s sqlQueries) FindCustomerByNRC(ctx context.Context, agencyID, nrc string) (*model.Customer, error) {
	return s.findCustomer(ctx, "nrc", agencyID, nrc)
}

// findCustomer looks up by a fixed column name; column is never user input.
func (s sqlQueries) findCustomer(ctx context.Context, column, agencyID, key string) (*model.Customer, error) {
	if key == "" {
		return nil, nil
	}
	c, err := scanCustomer(s.q.QueryRowContext(ctx,
		`SELECT `+sqliteCustomerCols+` FROM customers WHERE agency_id = ? AND `+column+` = ? LIMIT 1`, agencyID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find customer by %s", column)
	}
	return c, nil
}

func (s sqlQueries) ListCustomers(ctx context.Context, agencyID string) ([]model.Customer, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteCustomerCols+` FROM customers WHERE agency_id = ? ORDER BY rowid`, agencyID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list customers")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan customer")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate customers")
}

// IncrementCustomerAggregates reads and rewrites total_borrowed so the sum is
// exact decimal arithmetic rather than SQLite REAL addition.
func (s sqlQueries) IncrementCustomerAggregates(ctx context.Context, agencyID, id string, loans int, amount decimal.Decimal) error {
	var total string
	err := s.q.QueryRowContext(ctx,
		`SELECT total_borrowed FROM customers WHERE agency_id = ? AND id = ?`, agencyID, id).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: customer %s", id)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read aggregates")
	}
	current, err := decimal.NewFromString(total)
	if err != nil {
		return eris.Wrapf(err, "sqlite: parse total_borrowed %q", total)
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE customers SET loan_count = loan_count + ?, total_borrowed = ? WHERE agency_id = ? AND id = ?`,
		loans, current.Add(amount).String(), agencyID, id,
	)
	if err != nil {
		return mapSQLiteError(err, "sqlite: increment aggregates")
	}
	return checkRowsAffected(res, ErrNotFound, "customer "+id)
}

func (s sqlQueries) CreateLoan(ctx context.Context, l *model.Loan) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = model.LoanActive
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO loans (`+sqliteLoanCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.AgencyID, l.CustomerID, l.BorrowerName, l.BorrowerRef, l.BorrowerNRC,
		l.Principal.String(), l.InterestRate.String(), l.DurationMonths, l.LoanType,
		string(l.Status), l.ImportBatchID, l.CreatedAt,
	)
	if err != nil {
		return mapSQLiteError(err, "sqlite: insert loan")
	}
	return nil
}

func (s sqlQueries) GetLoan(ctx context.Context, agencyID, id string) (*model.Loan, error) {
	l, err := scanLoan(s.q.QueryRowContext(ctx,
		`SELECT `+sqliteLoanCols+` FROM loans WHERE agency_id = ? AND id = ?`, agencyID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: loan %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get loan %s", id)
	}
	return l, nil
}

func (s sqlQueries) ListLoansByStatus(ctx context.Context, agencyID string, status model.LoanStatus) ([]model.Loan, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteLoanCols+` FROM loans WHERE agency_id = ? AND (? = '' OR status = ?) ORDER BY rowid`,
		agencyID, string(status), string(status))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list loans")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan loan")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate loans")
}

func (s sqlQueries) AssignLoanCustomer(ctx context.Context, agencyID, loanID, customerID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE loans SET customer_id = ?, status = ? WHERE agency_id = ? AND id = ? AND status = ?`,
		customerID, string(model.LoanActive), agencyID, loanID, string(model.LoanRequiresMapping),
	)
	if err != nil {
		return mapSQLiteError(err, "sqlite: assign loan")
	}
	return checkRowsAffected(res, ErrConflict, "loan "+loanID+" is not awaiting mapping")
}

func (s *SQLiteStore) CreateQuarantined(ctx context.Context, rows []model.QuarantinedRow) error {
	if len(rows) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin quarantine tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO import_quarantine (`+quarantineQ+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare quarantine insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
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
			return eris.Wrap(err, "sqlite: encode quarantined row")
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.AgencyID, r.ImportBatchID, r.RowIndex, string(r.EntityType), string(original), string(cleaned),
			r.Confidence, string(reasons), string(r.Status), r.FixedBy, r.ReviewedBy, r.Notes, r.CreatedAt, r.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert quarantined row %d", r.RowIndex)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit quarantine")
}

func (s *SQLiteStore) GetQuarantined(ctx context.Context, agencyID, id string) (*model.QuarantinedRow, error) {
	r, err := scanQuarantined(s.db.QueryRowContext(ctx,
		`SELECT `+quarantineQ+` FROM import_quarantine WHERE agency_id = ? AND id = ?`, agencyID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: quarantined row %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get quarantined %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListQuarantined(ctx context.Context, agencyID string, filter QuarantineFilter) ([]model.QuarantinedRow, error) {
	query := `SELECT ` + quarantineQ + ` FROM import_quarantine WHERE agency_id = ?`
	args := []any{agencyID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BatchID != "" {
		query += ` AND import_batch_id = ?`
		args = append(args, filter.BatchID)
	}
	query += ` ORDER BY created_at, row_index LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quarantined")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QuarantinedRow
	for rows.Next() {
		r, err := scanQuarantined(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quarantined")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate quarantined")
}

func (s *SQLiteStore) UpdateQuarantined(ctx context.Context, row *model.QuarantinedRow) error {
	_, cleaned, _, err := quarantineJSON(row)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode quarantined row")
	}
	row.UpdatedAt = time.Now().UTC()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_quarantine SET cleaned_data = ?, status = ?, fixed_by = ?, reviewed_by = ?, notes = ?, updated_at = ?
		 WHERE agency_id = ? AND id = ?`,
		string(cleaned), string(row.Status), row.FixedBy, row.ReviewedBy, row.Notes, row.UpdatedAt, row.AgencyID, row.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update quarantined %s", row.ID)
	}
	return checkRowsAffected(res, ErrNotFound, "quarantined row "+row.ID)
}

func (s *SQLiteStore) DeleteQuarantined(ctx context.Context, agencyID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM import_quarantine WHERE agency_id = ? AND id = ?`, agencyID, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete quarantined %s", id)
	}
	return checkRowsAffected(res, ErrNotFound, "quarantined row "+id)
}

func (s *SQLiteStore) WriteAuditLog(ctx context.Context, log model.AuditLog) error {
	result, errs, err := auditJSON(log)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode audit log")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_logs (`+auditCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (batch_id) DO UPDATE SET result = excluded.result, errors = excluded.errors, created_at = excluded.created_at`,
		log.BatchID, log.AgencyID, log.UserID, log.FileName, log.FileSize,
		string(result), string(errs), log.Timestamp,
	)
	return eris.Wrapf(err, "sqlite: write audit log %s", log.BatchID)
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, agencyID string, limit int) ([]model.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditCols+` FROM import_logs WHERE agency_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		agencyID, listLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit logs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditLog
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit log")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit logs")
}

// checkRowsAffected returns sentinel wrapped with what when no row changed.
func checkRowsAffected(res sql.Result, sentinel error, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(sentinel, "sqlite: %s", what)
	}
	return nil
}
