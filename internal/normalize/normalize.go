package normalize

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loan-ingest/internal/model"
)

// ErrInvalidField is returned when a supplied value cannot be canonicalized.
var ErrInvalidField = eris.New("normalize: invalid field")

// Confidence penalties, applied multiplicatively.
const (
	PenaltyNoName         = 0.7
	PenaltyNoContact      = 0.6
	PenaltyPhoneFromEmail = 0.9
	PenaltyInvalidEmail   = 0.9
)

// Warning messages attached to normalized records.
const (
	WarnNoName         = "No name found"
	WarnNoContact      = "No phone number or NRC found"
	WarnPhoneFromEmail = "Phone number extracted from email field"
	WarnInvalidEmail   = "Email address could not be validated"
)

// Options tunes rule-based normalization.
type Options struct {
	CountryCode string
}

// Normalizer applies field mappings and cleaning rules to raw rows. It is
// stateless after construction and safe for concurrent use.
type Normalizer struct {
	mappings FieldMappings
	cc       string
}

// New creates a Normalizer. Nil mappings fall back to DefaultMappings.
func New(mappings FieldMappings, opts Options) *Normalizer {
	if mappings == nil {
		mappings = DefaultMappings()
	}
	cc := opts.CountryCode
	if cc == "" {
		cc = DefaultCountryCode
	}
	return &Normalizer{mappings: mappings, cc: cc}
}

// Mappings returns the field mappings in use.
func (n *Normalizer) Mappings() FieldMappings { return n.mappings }

// CountryCode returns the dialing code phones are normalized to.
func (n *Normalizer) CountryCode() string { return n.cc }

// Phone canonicalizes raw with the normalizer's country code.
func (n *Normalizer) Phone(raw string) string { return PhoneWithCountry(raw, n.cc) }

// Normalize cleans one row with the default options.
func Normalize(row model.RawRow, mappings FieldMappings) model.NormalizedRecord {
	return New(mappings, Options{}).Normalize(row)
}

// Normalize resolves each target field through the mappings, cleans it, and
// scores the record.
func (n *Normalizer) Normalize(row model.RawRow) model.NormalizedRecord {
	rec := model.NormalizedRecord{
		FullName: FullName(n.mappings.Lookup(row, model.FieldFullName)),
		Phone:    n.Phone(n.mappings.Lookup(row, model.FieldPhone)),
		NRC:      NRC(n.mappings.Lookup(row, model.FieldNRC)),
		Address:  Address(n.mappings.Lookup(row, model.FieldAddress)),
		Source:   row,
	}

	rawEmail := n.mappings.Lookup(row, model.FieldEmail)
	if rec.Phone == "" && rawEmail != "" {
		if phone, cleaned, ok := extractPhoneFromEmail(rawEmail, n.cc); ok {
			rec.Phone = phone
			rec.PhoneFromEmail = true
			rawEmail = cleaned
		}
	}
	rec.Email = Email(rawEmail)

	Score(&rec, rawEmail != "")
	return rec
}

// Score recomputes Confidence and Warnings from the record's resolved fields.
// emailGiven reports whether the source carried an email value at all.
func Score(rec *model.NormalizedRecord, emailGiven bool) {
	confidence := 1.0
	var warnings []string

	if rec.FullName == "" {
		confidence *= PenaltyNoName
		warnings = append(warnings, WarnNoName)
	}
	if rec.Phone == "" && rec.NRC == "" {
		confidence *= PenaltyNoContact
		warnings = append(warnings, WarnNoContact)
	}
	if rec.PhoneFromEmail {
		confidence *= PenaltyPhoneFromEmail
		warnings = append(warnings, WarnPhoneFromEmail)
	}
	if emailGiven && rec.Email == "" {
		confidence *= PenaltyInvalidEmail
		warnings = append(warnings, WarnInvalidEmail)
	}

	rec.Confidence = clamp01(confidence)
	rec.Warnings = warnings
}

// RowData merges a normalized record with the loan columns and unmapped
// source columns of its row.
func (n *Normalizer) RowData(rec model.NormalizedRecord, kind model.SectionType) model.RowData {
	row := rec.Source
	d := model.RowData{
		Kind:         kind,
		FullName:     rec.FullName,
		Phone:        rec.Phone,
		Email:        rec.Email,
		NRC:          rec.NRC,
		Address:      rec.Address,
		BorrowerRef:  n.mappings.Lookup(row, model.FieldBorrowerRef),
		Principal:    n.mappings.Lookup(row, model.FieldPrincipal),
		InterestRate: n.mappings.Lookup(row, model.FieldInterestRate),
		Duration:     n.mappings.Lookup(row, model.FieldDuration),
		LoanType:     n.mappings.Lookup(row, model.FieldLoanType),
	}

	consumed := n.mappings.Consumed(row)
	for _, h := range row.Order {
		if consumed[h] {
			continue
		}
		v := row.Get(h)
		if v == "" {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]string)
		}
		d.Extra[h] = v
	}
	return d
}

// Canonicalize re-applies the field cleaning rules to already-structured row
// data, such as values edited by a reviewer. It is idempotent on data the
// normalizer produced. A non-empty value that cleans to nothing is an error.
func (n *Normalizer) Canonicalize(d model.RowData) (model.RowData, error) {
	var bad []string
	clean := func(field, raw string, fn func(string) string) string {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return ""
		}
		v := fn(raw)
		if v == "" {
			bad = append(bad, field)
		}
		return v
	}

	d.FullName = clean(model.FieldFullName, d.FullName, FullName)
	d.Phone = clean(model.FieldPhone, d.Phone, n.Phone)
	d.Email = clean(model.FieldEmail, d.Email, Email)
	d.NRC = clean(model.FieldNRC, d.NRC, NRC)
	d.Address = clean(model.FieldAddress, d.Address, Address)

	if len(bad) > 0 {
		return d, eris.Wrapf(ErrInvalidField, "fields %s", strings.Join(bad, ", "))
	}
	return d, nil
}

// CustomerID returns the pre-resolved customer id column of a row, if any.
func (n *Normalizer) CustomerID(row model.RawRow) string {
	return n.mappings.Lookup(row, model.FieldCustomerID)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// FormatConfidence renders a confidence score for reasons and logs.
func FormatConfidence(c float64) string {
	return fmt.Sprintf("%.2f", c)
}
