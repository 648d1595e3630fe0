// Package store persists customers, loans, quarantined rows, and import audit
// logs per agency.
package store

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/loan-ingest/internal/model"
)

// Sentinel errors. Implementations wrap them so callers can use errors.Is.
var (
	ErrNotFound  = eris.New("store: not found")
	ErrDuplicate = eris.New("store: duplicate customer")
	ErrConflict  = eris.New("store: transaction conflict")
)

// CustomerStore reads and writes customers. Find* methods return (nil, nil)
// when nothing matches; Get* methods return ErrNotFound.
type CustomerStore interface {
	CreateCustomer(ctx context.Context, c *model.Customer) error
	GetCustomer(ctx context.Context, agencyID, id string) (*model.Customer, error)
	FindCustomerByPhone(ctx context.Context, agencyID, phone string) (*model.Customer, error)
	FindCustomerByNRC(ctx context.Context, agencyID, nrc string) (*model.Customer, error)
	ListCustomers(ctx context.Context, agencyID string) ([]model.Customer, error)
	IncrementCustomerAggregates(ctx context.Context, agencyID, id string, loans int, amount decimal.Decimal) error
}

// LoanStore reads and writes loans.
type LoanStore interface {
	CreateLoan(ctx context.Context, l *model.Loan) error
	GetLoan(ctx context.Context, agencyID, id string) (*model.Loan, error)
	ListLoansByStatus(ctx context.Context, agencyID string, status model.LoanStatus) ([]model.Loan, error)
	// AssignLoanCustomer links an orphan loan to a customer and marks it
	// active. It fails with ErrConflict if the loan is no longer an orphan.
	AssignLoanCustomer(ctx context.Context, agencyID, loanID, customerID string) error
}

// QuarantineFilter narrows ListQuarantined.
type QuarantineFilter struct {
	Status  model.QuarantineStatus `json:"status,omitempty"`
	BatchID string                 `json:"batch_id,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
	Offset  int                    `json:"offset,omitempty"`
}

// QuarantineStore holds rows awaiting review.
type QuarantineStore interface {
	CreateQuarantined(ctx context.Context, rows []model.QuarantinedRow) error
	GetQuarantined(ctx context.Context, agencyID, id string) (*model.QuarantinedRow, error)
	ListQuarantined(ctx context.Context, agencyID string, filter QuarantineFilter) ([]model.QuarantinedRow, error)
	UpdateQuarantined(ctx context.Context, row *model.QuarantinedRow) error
	DeleteQuarantined(ctx context.Context, agencyID, id string) error
}

// AuditStore records one summary per import batch.
type AuditStore interface {
	WriteAuditLog(ctx context.Context, log model.AuditLog) error
	ListAuditLogs(ctx context.Context, agencyID string, limit int) ([]model.AuditLog, error)
}

// Tx is the view of the store inside WithTx.
type Tx interface {
	CustomerStore
	LoanStore
}

// Store is the full persistence surface of the ingestion pipeline.
type Store interface {
	CustomerStore
	LoanStore
	QuarantineStore
	AuditStore

	// WithTx runs fn in a transaction. Transactions for the same agency are
	// serialized so check-then-create on phone/NRC cannot race. If fn returns
	// an error the transaction is rolled back and the error returned.
	WithTx(ctx context.Context, agencyID string, fn func(tx Tx) error) error

	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
