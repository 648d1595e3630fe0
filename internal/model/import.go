package model

import "time"

// RowStatus classifies an import row after routing.
type RowStatus string

const (
	RowReady       RowStatus = "ready"
	RowNeedsReview RowStatus = "needs_review"
	RowInvalid     RowStatus = "invalid"
	RowQuarantined RowStatus = "quarantined"
)

// RowAction is what the executor should do with a row.
type RowAction string

const (
	ActionCreate RowAction = "create"
	ActionLink   RowAction = "link"
	ActionSkip   RowAction = "skip"
)

// EntityType is the target of an import run.
type EntityType string

const (
	EntityCustomers EntityType = "customers"
	EntityLoans     EntityType = "loans"
	EntityMixed     EntityType = "mixed"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCustomers, EntityLoans, EntityMixed:
		return true
	default:
		return false
	}
}

// RowData is the merged raw + normalized payload of an import row. Known
// fields are typed; unrecognized source columns ride along in Extra.
type RowData struct {
	Kind         SectionType       `json:"kind"`
	FullName     string            `json:"full_name,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Email        string            `json:"email,omitempty"`
	NRC          string            `json:"nrc,omitempty"`
	Address      string            `json:"address,omitempty"`
	BorrowerRef  string            `json:"borrower_ref,omitempty"`
	Principal    string            `json:"principal,omitempty"`
	InterestRate string            `json:"interest_rate,omitempty"`
	Duration     string            `json:"duration,omitempty"`
	LoanType     string            `json:"loan_type,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// HasCustomerPayload reports whether the row carries enough borrower detail
// to create a customer on its own.
func (d RowData) HasCustomerPayload() bool {
	return d.FullName != "" && (d.Phone != "" || d.NRC != "")
}

// ImportRow is the unit the import executor consumes.
type ImportRow struct {
	RowIndex   int       `json:"row_index"`
	Data       RowData   `json:"data"`
	Status     RowStatus `json:"status"`
	Action     RowAction `json:"action"`
	Errors     []string  `json:"errors,omitempty"`
	CustomerID string    `json:"customer_id,omitempty"`
}

// ImportBatch identifies one run of the pipeline over one uploaded file.
type ImportBatch struct {
	ID         string     `json:"id"`
	AgencyID   string     `json:"agency_id"`
	UserID     string     `json:"user_id"`
	FileName   string     `json:"file_name"`
	FileSize   int64      `json:"file_size"`
	EntityType EntityType `json:"entity_type"`
	DryRun     bool       `json:"dry_run"`
	StartedAt  time.Time  `json:"started_at"`
}

// RowError is a per-row failure reason.
type RowError struct {
	RowIndex int    `json:"row_index"`
	Error    string `json:"error"`
}

// ImportCounts summarizes an executor run.
type ImportCounts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Created int `json:"created"`
	Linked  int `json:"linked"`
}

// AuditLog is the one-per-batch summary written to import_logs.
type AuditLog struct {
	BatchID   string       `json:"batch_id"`
	AgencyID  string       `json:"agency_id"`
	UserID    string       `json:"user_id"`
	FileName  string       `json:"file_name"`
	FileSize  int64        `json:"file_size"`
	Timestamp time.Time    `json:"timestamp"`
	Result    ImportCounts `json:"result"`
	Errors    []RowError   `json:"errors,omitempty"`
}

// RowOutcome is what happened to one import row.
type RowOutcome struct {
	RowIndex   int         `json:"row_index"`
	Kind       SectionType `json:"kind"`
	Action     RowAction   `json:"action"`
	EntityID   string      `json:"entity_id,omitempty"`
	CustomerID string      `json:"customer_id,omitempty"`
	Orphan     bool        `json:"orphan,omitempty"`
	Skipped    bool        `json:"skipped,omitempty"`
	Error      string      `json:"error,omitempty"`
	Warning    string      `json:"warning,omitempty"`
}

// Succeeded reports whether the row was created or linked.
func (o RowOutcome) Succeeded() bool {
	return o.Error == "" && !o.Skipped
}

// ImportResult is the executor's report for one batch.
type ImportResult struct {
	BatchID   string       `json:"batch_id"`
	DryRun    bool         `json:"dry_run"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Counts    ImportCounts `json:"counts"`
	Errors    []RowError   `json:"errors,omitempty"`
	Warnings  []RowError   `json:"warnings,omitempty"`
	Outcomes  []RowOutcome `json:"outcomes"`
}

// Outcome returns the outcome recorded for rowIndex.
func (r *ImportResult) Outcome(rowIndex int) (RowOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.RowIndex == rowIndex {
			return o, true
		}
	}
	return RowOutcome{}, false
}
