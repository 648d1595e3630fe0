// Package normalize turns raw spreadsheet rows into cleaned, confidence-scored
// borrower records using deterministic rules.
package normalize

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/sheet"
)

// FieldMappings lists, per target field, the candidate source headers in
// priority order. The first candidate present with a non-empty value wins.
type FieldMappings map[string][]string

// DefaultMappings returns the header vocabulary seen in agency exports.
func DefaultMappings() FieldMappings {
	return FieldMappings{
		model.FieldFullName:     {"Full Name", "Name", "Customer Name", "Borrower Name", "Client Name", "Borrower", "fullName"},
		model.FieldPhone:        {"Phone", "Phone Number", "Mobile", "Mobile Number", "Cell", "Tel", "Telephone", "Contact"},
		model.FieldEmail:        {"Email", "Email Address", "E-mail", "Mail"},
		model.FieldNRC:          {"NRC", "NRC No", "NRC Number", "National ID", "ID Number", "Identity Number"},
		model.FieldAddress:      {"Address", "Physical Address", "Residential Address", "Location"},
		model.FieldCustomerID:   {"Customer ID", "CustomerId", "Client ID"},
		model.FieldBorrowerRef:  {"Borrower ID", "Borrower Ref", "Account Number", "Account No", "Reference"},
		model.FieldPrincipal:    {"Principal", "Amount", "Loan Amount", "Principal Amount"},
		model.FieldInterestRate: {"Interest Rate", "Rate", "Interest", "Interest %"},
		model.FieldDuration:     {"Duration", "Term", "Period", "Duration (Months)", "Months"},
		model.FieldLoanType:     {"Loan Type", "Type", "Product"},
	}
}

// LoadMappings reads field mappings from a YAML file of the form
//
//	mappings:
//	  phone: [Phone, Mobile]
//
// Fields the file does not mention keep their default candidates.
func LoadMappings(path string) (FieldMappings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: read mappings %s", path)
	}

	var wrapper struct {
		Mappings map[string][]string `yaml:"mappings"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "normalize: parse mappings")
	}

	m := DefaultMappings()
	for field, candidates := range wrapper.Mappings {
		if len(candidates) == 0 {
			continue
		}
		m[field] = candidates
	}
	return m, nil
}

// Lookup returns the first non-empty value for field among its candidate
// headers. Each candidate is tried by its literal text and its normalized
// alias.
func (m FieldMappings) Lookup(row model.RawRow, field string) string {
	for _, candidate := range m[field] {
		if v := strings.TrimSpace(row.Get(candidate)); v != "" {
			return v
		}
		if v := strings.TrimSpace(row.Get(sheet.NormalizeHeader(candidate))); v != "" {
			return v
		}
	}
	return ""
}

// Consumed reports the literal headers of row that some mapping claims.
func (m FieldMappings) Consumed(row model.RawRow) map[string]bool {
	claimed := make(map[string]bool)
	for _, candidates := range m {
		for _, c := range candidates {
			claimed[sheet.NormalizeHeader(c)] = true
		}
	}
	out := make(map[string]bool, len(row.Order))
	for _, h := range row.Order {
		if claimed[sheet.NormalizeHeader(h)] {
			out[h] = true
		}
	}
	return out
}
