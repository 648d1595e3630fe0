package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a persisted loan.
type LoanStatus string

const (
	LoanActive          LoanStatus = "active"
	LoanRequiresMapping LoanStatus = "requires_mapping"
	LoanClosed          LoanStatus = "closed"
)

// Customer is a borrower within one agency. Phone and NRC are unique per agency.
type Customer struct {
	ID            string          `json:"id"`
	AgencyID      string          `json:"agency_id"`
	FullName      string          `json:"full_name"`
	Phone         string          `json:"phone,omitempty"`
	Email         string          `json:"email,omitempty"`
	NRC           string          `json:"nrc,omitempty"`
	Address       string          `json:"address,omitempty"`
	LoanCount     int             `json:"loan_count"`
	TotalBorrowed decimal.Decimal `json:"total_borrowed"`
	ImportBatchID string          `json:"import_batch_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Loan references its owning customer by ID. Orphan loans carry an empty
// CustomerID and status LoanRequiresMapping until reconciled.
type Loan struct {
	ID             string          `json:"id"`
	AgencyID       string          `json:"agency_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	BorrowerName   string          `json:"borrower_name,omitempty"`
	BorrowerRef    string          `json:"borrower_ref,omitempty"`
	BorrowerNRC    string          `json:"borrower_nrc,omitempty"`
	Principal      decimal.Decimal `json:"principal"`
	InterestRate   decimal.Decimal `json:"interest_rate"`
	DurationMonths int             `json:"duration_months"`
	LoanType       string          `json:"loan_type,omitempty"`
	Status         LoanStatus      `json:"status"`
	ImportBatchID  string          `json:"import_batch_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsOrphan reports whether the loan still needs an owning customer.
func (l Loan) IsOrphan() bool {
	return l.Status == LoanRequiresMapping
}

// MatchType describes how an orphan loan was matched to a customer.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchNationalID MatchType = "national_id"
	MatchFuzzy      MatchType = "fuzzy"
	MatchNone       MatchType = "none"
)

// MatchCandidate is the orphan matcher's verdict for one orphan loan.
type MatchCandidate struct {
	CustomerID   string    `json:"customer_id,omitempty"`
	CustomerName string    `json:"customer_name,omitempty"`
	MatchType    MatchType `json:"match_type"`
	Confidence   float64   `json:"confidence"`
	Reason       string    `json:"reason"`
}

// Matched reports whether the candidate names a customer.
func (m MatchCandidate) Matched() bool {
	return m.MatchType != MatchNone && m.CustomerID != ""
}
