package sheet

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/model"
)

// ImplicitSectionName names the single section of a file with no delimiters.
const ImplicitSectionName = "Main Data"

var delimiterRe = regexp.MustCompile(`(?i)^===?\s*(.+?)\s*===?$`)

// Split breaks file text into sections delimited by "=== NAME ===" lines. A
// file without delimiters is one implicit section typed from its headers.
func Split(text string) []model.FileSection {
	text = strings.TrimPrefix(text, "\ufeff")

	var (
		sections []model.FileSection
		cur      *sectionBuilder
	)

	closeCurrent := func() {
		if cur == nil {
			return
		}
		if sec, ok := cur.build(); ok {
			sections = append(sections, sec)
		}
		cur = nil
	}

	for lineNo, rec := range SplitRecords(text) {
		trimmed := strings.TrimSpace(rec)
		// Spreadsheet exports pad delimiter lines with empty cells.
		if m := delimiterRe.FindStringSubmatch(strings.TrimRight(trimmed, ", \t")); m != nil {
			closeCurrent()
			cur = newSectionBuilder(strings.TrimSpace(m[1]), false)
			continue
		}
		if trimmed == "" {
			continue
		}
		if cur == nil {
			cur = newSectionBuilder(ImplicitSectionName, true)
		}
		cur.add(lineNo+1, ParseLine(rec))
	}
	closeCurrent()

	return sections
}

// NormalizeHeader lowercases a header and strips all whitespace so that
// "Phone Number" and "phonenumber" address the same column.
func NormalizeHeader(h string) string {
	return strings.Join(strings.Fields(strings.ToLower(h)), "")
}

type sectionBuilder struct {
	name     string
	implicit bool
	headers  []string
	rows     []model.RawRow
	dropped  []model.DroppedRow
	// dataRows counts non-blank data rows, kept or dropped.
	dataRows int
}

func newSectionBuilder(name string, implicit bool) *sectionBuilder {
	return &sectionBuilder{name: name, implicit: implicit}
}

// add consumes one parsed record: the first becomes the header row, the rest
// are zipped against it.
func (b *sectionBuilder) add(line int, fields []string) {
	if b.headers == nil {
		b.headers = cleanHeaders(fields)
		return
	}
	if allEmpty(fields) {
		return
	}
	index := b.dataRows
	b.dataRows++
	if len(fields)*2 < len(b.headers) {
		zap.L().Warn("sheet: dropping short row",
			zap.String("section", b.name),
			zap.Int("line", line),
			zap.Int("fields", len(fields)),
			zap.Int("headers", len(b.headers)),
			zap.Strings("values", fields),
		)
		b.dropped = append(b.dropped, model.DroppedRow{Line: line, Fields: fields})
		return
	}

	values := make(map[string]string, len(b.headers)*2)
	for i, h := range b.headers {
		v := ""
		if i < len(fields) {
			v = fields[i]
		}
		setFirst(values, h, v)
		if alias := NormalizeHeader(h); alias != h {
			setFirst(values, alias, v)
		}
	}

	b.rows = append(b.rows, model.RawRow{
		Index:  index,
		Values: values,
		Order:  b.headers,
	})
}

func (b *sectionBuilder) build() (model.FileSection, bool) {
	// A preamble before the first delimiter with no data is not a section.
	if b.implicit && len(b.rows) == 0 {
		return model.FileSection{}, false
	}
	name := b.name
	typeName := name
	if b.implicit {
		typeName = ""
	}
	return model.FileSection{
		Name:    name,
		Type:    InferType(typeName, b.headers),
		Headers: b.headers,
		Rows:    b.rows,
		Dropped: b.dropped,
	}, true
}

// setFirst stores v under k unless k already holds a non-empty value, so a
// duplicated header keeps its first populated column.
func setFirst(m map[string]string, k, v string) {
	if existing, ok := m[k]; ok && existing != "" {
		return
	}
	m[k] = v
}

func cleanHeaders(fields []string) []string {
	headers := make([]string, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			f = fmt.Sprintf("column_%d", i+1)
		}
		headers[i] = f
	}
	return headers
}

func allEmpty(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

var sectionVocabulary = []struct {
	words []string
	typ   model.SectionType
}{
	{[]string{"borrower", "customer", "client"}, model.SectionCustomers},
	{[]string{"loan"}, model.SectionLoans},
	{[]string{"branch", "location"}, model.SectionBranches},
	{[]string{"transaction", "payment"}, model.SectionTransactions},
}

// InferType classifies a section by its name, falling back to header
// vocabulary when the name is empty or unrecognized.
func InferType(name string, headers []string) model.SectionType {
	lower := strings.ToLower(name)
	if lower != "" {
		for _, v := range sectionVocabulary {
			for _, w := range v.words {
				if strings.Contains(lower, w) {
					return v.typ
				}
			}
		}
	}
	return inferFromHeaders(headers)
}

func inferFromHeaders(headers []string) model.SectionType {
	var hasName, hasContact, hasAmount, hasTerms bool
	for _, h := range headers {
		n := NormalizeHeader(h)
		switch {
		case strings.Contains(n, "amount") || strings.Contains(n, "principal"):
			hasAmount = true
		case strings.Contains(n, "rate") || strings.Contains(n, "interest") ||
			strings.Contains(n, "duration") || strings.Contains(n, "term") || strings.Contains(n, "period"):
			hasTerms = true
		}
		if strings.Contains(n, "name") {
			hasName = true
		}
		if strings.Contains(n, "phone") || strings.Contains(n, "mobile") ||
			strings.Contains(n, "tel") || strings.Contains(n, "nrc") {
			hasContact = true
		}
	}

	// Loan sheets often repeat borrower name and phone, so the loan shape wins.
	switch {
	case hasAmount && hasTerms:
		return model.SectionLoans
	case hasName && hasContact:
		return model.SectionCustomers
	default:
		return model.SectionUnknown
	}
}
