package model

// SectionType is the inferred semantic type of a file section.
type SectionType string

const (
	SectionCustomers    SectionType = "customers"
	SectionLoans        SectionType = "loans"
	SectionBranches     SectionType = "branches"
	SectionTransactions SectionType = "transactions"
	SectionUnknown      SectionType = "unknown"
)

// Importable reports whether rows of this section type can be handed to the
// import executor.
func (t SectionType) Importable() bool {
	return t == SectionCustomers || t == SectionLoans
}

// RawRow is one data row of a section, keyed by header. Values holds both the
// literal header text and its normalized alias so lookups can use either.
type RawRow struct {
	Index  int               `json:"index"` // position among data rows, dropped rows included
	Values map[string]string `json:"values"`
	Order  []string          `json:"order"` // literal headers in column order
}

// Get returns the value stored under key, or "" when absent.
func (r RawRow) Get(key string) string {
	if r.Values == nil {
		return ""
	}
	return r.Values[key]
}

// Literal returns the row as a header → value map using only the literal
// header names, in the shape the cleaning adapter and quarantine store expect.
func (r RawRow) Literal() map[string]string {
	out := make(map[string]string, len(r.Order))
	for _, h := range r.Order {
		out[h] = r.Values[h]
	}
	return out
}

// FileSection is a named block of rows within one uploaded file.
type FileSection struct {
	Name    string       `json:"name"`
	Type    SectionType  `json:"type"`
	Headers []string     `json:"headers"`
	Rows    []RawRow     `json:"rows"`
	Dropped []DroppedRow `json:"dropped,omitempty"`
}

// DroppedRow is a line discarded by the short-row noise heuristic, retained
// so the drop can be audited.
type DroppedRow struct {
	Line   int      `json:"line"`
	Fields []string `json:"fields"`
}

// NormalizedRecord is the rule-based (and optionally adapter-assisted)
// cleaning output for one RawRow. Empty strings mean the field is absent.
type NormalizedRecord struct {
	Phone          string   `json:"phone,omitempty"`
	Email          string   `json:"email,omitempty"`
	FullName       string   `json:"full_name,omitempty"`
	NRC            string   `json:"nrc,omitempty"`
	Address        string   `json:"address,omitempty"`
	Confidence     float64  `json:"confidence"`
	Warnings       []string `json:"warnings,omitempty"`
	PhoneFromEmail bool     `json:"phone_from_email,omitempty"`
	FixedFields    []string `json:"fixed_fields,omitempty"`
	Source         RawRow   `json:"source"`
}

// Has reports whether the named target field resolved to a value.
func (n NormalizedRecord) Has(field string) bool {
	switch field {
	case FieldFullName:
		return n.FullName != ""
	case FieldPhone:
		return n.Phone != ""
	case FieldEmail:
		return n.Email != ""
	case FieldNRC:
		return n.NRC != ""
	case FieldAddress:
		return n.Address != ""
	default:
		return n.Source.Get(field) != ""
	}
}

// Target field names used by field mappings, required-field policy, and
// RowData.
const (
	FieldFullName     = "fullName"
	FieldPhone        = "phone"
	FieldEmail        = "email"
	FieldNRC          = "nrc"
	FieldAddress      = "address"
	FieldCustomerID   = "customerId"
	FieldBorrowerRef  = "borrowerRef"
	FieldPrincipal    = "principal"
	FieldInterestRate = "interestRate"
	FieldDuration     = "duration"
	FieldLoanType     = "loanType"
)
