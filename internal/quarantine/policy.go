// Package quarantine routes normalized rows to import, review, or quarantine,
// and runs the review workflow for quarantined rows.
package quarantine

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
)

// Reason texts.
const (
	ReasonMissingFields = "Missing required fields: "
	ReasonLowConfidence = "Low confidence score: "
	ReasonNameTooShort  = "Name too short"
	ReasonPhoneFormat   = "Phone number has unexpected format"
)

// Policy holds the routing thresholds.
type Policy struct {
	// RequiredFields applies to customer rows.
	RequiredFields []string `yaml:"required_fields" mapstructure:"required_fields"`
	// LoanRequiredFields applies to loan rows, which often carry only a
	// borrower name and the loan terms.
	LoanRequiredFields []string `yaml:"loan_required_fields" mapstructure:"loan_required_fields"`

	QuarantineThreshold  float64 `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
	MaxWarnings          int     `yaml:"max_warnings" mapstructure:"max_warnings"`
	MinNameLength        int     `yaml:"min_name_length" mapstructure:"min_name_length"`
	PhonePrefix          string  `yaml:"phone_prefix" mapstructure:"phone_prefix"`
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		RequiredFields:       []string{model.FieldFullName, model.FieldPhone},
		LoanRequiredFields:   []string{model.FieldFullName},
		QuarantineThreshold:  0.6,
		AutoApproveThreshold: 0.7,
		MaxWarnings:          2,
		MinNameLength:        3,
		PhonePrefix:          "+" + normalize.DefaultCountryCode,
	}
}

// ForSection returns the policy to apply to rows of kind.
func (p Policy) ForSection(kind model.SectionType) Policy {
	if kind == model.SectionLoans && p.LoanRequiredFields != nil {
		p.RequiredFields = p.LoanRequiredFields
	}
	return p
}

// Decision is the router's verdict for one row. Reasons is non-empty exactly
// when ShouldQuarantine is set.
type Decision struct {
	ShouldQuarantine bool            `json:"should_quarantine"`
	Reasons          []string        `json:"reasons,omitempty"`
	Status           model.RowStatus `json:"status"`
}

// Route applies p to rec. Any single reason quarantines the row; otherwise the
// row is ready when its confidence reaches the auto-approve threshold and
// needs review below it.
func Route(rec model.NormalizedRecord, p Policy) Decision {
	var reasons []string

	var missing []string
	for _, f := range p.RequiredFields {
		if !rec.Has(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		reasons = append(reasons, ReasonMissingFields+strings.Join(missing, ", "))
	}

	if rec.Confidence < p.QuarantineThreshold {
		reasons = append(reasons, ReasonLowConfidence+normalize.FormatConfidence(rec.Confidence))
	}
	if len(rec.Warnings) > p.MaxWarnings {
		reasons = append(reasons, fmt.Sprintf("Too many warnings (%d)", len(rec.Warnings)))
	}
	if rec.FullName != "" && utf8.RuneCountInString(strings.TrimSpace(rec.FullName)) < p.MinNameLength {
		reasons = append(reasons, ReasonNameTooShort)
	}
	if rec.Phone != "" && p.PhonePrefix != "" && !strings.HasPrefix(rec.Phone, p.PhonePrefix) {
		reasons = append(reasons, ReasonPhoneFormat)
	}

	if len(reasons) > 0 {
		return Decision{ShouldQuarantine: true, Reasons: reasons, Status: model.RowQuarantined}
	}
	if rec.Confidence >= p.AutoApproveThreshold {
		return Decision{Status: model.RowReady}
	}
	return Decision{Status: model.RowNeedsReview}
}
