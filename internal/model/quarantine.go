package model

import "time"

// QuarantineStatus is the review state of a quarantined row.
type QuarantineStatus string

const (
	QuarantinePending  QuarantineStatus = "pending"
	QuarantineFixed    QuarantineStatus = "fixed"
	QuarantineApproved QuarantineStatus = "approved"
	QuarantineRejected QuarantineStatus = "rejected"
)

// Terminal reports whether no further review transitions are allowed.
func (s QuarantineStatus) Terminal() bool {
	return s == QuarantineApproved || s == QuarantineRejected
}

// QuarantinedRow is a persisted copy of a row that failed routing policy.
type QuarantinedRow struct {
	ID            string            `json:"id"`
	AgencyID      string            `json:"agency_id"`
	ImportBatchID string            `json:"import_batch_id"`
	RowIndex      int               `json:"row_index"`
	EntityType    SectionType       `json:"entity_type"`
	OriginalData  map[string]string `json:"original_data"`
	CleanedData   RowData           `json:"cleaned_data"`
	Confidence    float64           `json:"confidence"`
	Reasons       []string          `json:"quarantine_reasons"`
	Status        QuarantineStatus  `json:"status"`
	FixedBy       string            `json:"fixed_by,omitempty"`
	ReviewedBy    string            `json:"reviewed_by,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
