package sheet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loan-ingest/internal/model"
)

func TestSplit_BorrowersThenLoans(t *testing.T) {
	text := `=== BORROWERS ===
Full Name,Phone Number,NRC
Masheda Beleshi,0971234567,123456/10/1
John Banda,0977654321,

=== LOANS ===
Borrower Name,Amount,Interest Rate,Duration
Masheda Beleshi,5000,15,6
`
	sections := Split(text)
	require.Len(t, sections, 2)

	assert.Equal(t, "BORROWERS", sections[0].Name)
	assert.Equal(t, model.SectionCustomers, sections[0].Type)
	assert.Equal(t, []string{"Full Name", "Phone Number", "NRC"}, sections[0].Headers)
	require.Len(t, sections[0].Rows, 2)

	assert.Equal(t, "LOANS", sections[1].Name)
	assert.Equal(t, model.SectionLoans, sections[1].Type)
	require.Len(t, sections[1].Rows, 1)
	assert.Equal(t, "5000", sections[1].Rows[0].Get("Amount"))
}

func TestSplit_RowKeysLiteralAndNormalized(t *testing.T) {
	sections := Split("Full Name,Phone Number\nJane Phiri,0966000111\n")
	require.Len(t, sections, 1)
	row := sections[0].Rows[0]

	assert.Equal(t, "Jane Phiri", row.Get("Full Name"))
	assert.Equal(t, "Jane Phiri", row.Get("fullname"))
	assert.Equal(t, "0966000111", row.Get("phonenumber"))
	assert.Equal(t, 0, row.Index)
	assert.Equal(t, map[string]string{"Full Name": "Jane Phiri", "Phone Number": "0966000111"}, row.Literal())
}

func TestSplit_ImplicitSectionTypedFromHeaders(t *testing.T) {
	sections := Split("Name,Mobile,Email\nA B,0977000000,a@b.com\n")
	require.Len(t, sections, 1)
	assert.Equal(t, ImplicitSectionName, sections[0].Name)
	assert.Equal(t, model.SectionCustomers, sections[0].Type)
}

func TestSplit_ShortRowsDroppedAndRecorded(t *testing.T) {
	text := "a,b,c,d,e,f\n1,2,3,4,5,6\nnoise\n1,2,3,,,\n"
	sections := Split(text)
	require.Len(t, sections, 1)

	assert.Len(t, sections[0].Rows, 2)
	require.Len(t, sections[0].Dropped, 1)
	assert.Equal(t, []string{"noise"}, sections[0].Dropped[0].Fields)
	assert.Equal(t, 3, sections[0].Dropped[0].Line)
}

func TestSplit_RowIndexCountsDroppedRows(t *testing.T) {
	text := "a,b,c,d,e,f\n1,2,3,4,5,6\nnoise\n\n7,8,9,,,\n"
	sections := Split(text)
	require.Len(t, sections, 1)

	rows := sections[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, 2, rows[1].Index)
	assert.Equal(t, "7", rows[1].Get("a"))
}

func TestSplit_HalfHeaderCountKept(t *testing.T) {
	sections := Split("a,b,c,d\n1,2\n")
	require.Len(t, sections, 1)
	assert.Len(t, sections[0].Rows, 1)
	assert.Empty(t, sections[0].Dropped)
}

func TestSplit_DelimiterVariants(t *testing.T) {
	text := "== customers ==,,,\nName,Phone\nA,1\n===Loan Book===\nAmount,Rate\n1,2\n"
	sections := Split(text)
	require.Len(t, sections, 2)
	assert.Equal(t, "customers", sections[0].Name)
	assert.Equal(t, "Loan Book", sections[1].Name)
	assert.Equal(t, model.SectionLoans, sections[1].Type)
}

func TestSplit_UnknownSectionCarried(t *testing.T) {
	sections := Split("=== NOTES ===\nfoo,bar\n1,2\n")
	require.Len(t, sections, 1)
	assert.Equal(t, model.SectionUnknown, sections[0].Type)
	assert.Len(t, sections[0].Rows, 1)
}

func TestSplit_BOMAndBlankLines(t *testing.T) {
	sections := Split("\ufeffName,Phone\n\n\nA,1\n,\n")
	require.Len(t, sections, 1)
	assert.Equal(t, []string{"Name", "Phone"}, sections[0].Headers)
	assert.Len(t, sections[0].Rows, 1)
}

func TestSplit_EmptyHeaderNamed(t *testing.T) {
	sections := Split("Name,,Phone\nA,x,1\n")
	require.Len(t, sections, 1)
	assert.Equal(t, []string{"Name", "column_2", "Phone"}, sections[0].Headers)
	assert.Equal(t, "x", sections[0].Rows[0].Get("column_2"))
}

func TestInferType(t *testing.T) {
	tests := []struct {
		name    string
		section string
		headers []string
		want    model.SectionType
	}{
		{"borrowers name", "BORROWERS", nil, model.SectionCustomers},
		{"client list", "Client List", nil, model.SectionCustomers},
		{"loans name", "Active Loans", nil, model.SectionLoans},
		{"branches", "Branch Offices", nil, model.SectionBranches},
		{"locations", "locations", nil, model.SectionBranches},
		{"payments", "Payments", nil, model.SectionTransactions},
		{"header customers", "", []string{"Full Name", "Phone"}, model.SectionCustomers},
		{"header nrc", "", []string{"Name", "NRC No"}, model.SectionCustomers},
		{"header loans", "", []string{"Principal", "Interest"}, model.SectionLoans},
		{"header loans with borrower", "", []string{"Name", "Phone", "Amount", "Duration"}, model.SectionLoans},
		{"unknown name falls to headers", "Sheet1", []string{"Amount", "Term"}, model.SectionLoans},
		{"unknown", "", []string{"foo", "bar"}, model.SectionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferType(tt.section, tt.headers))
		})
	}
}

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "phonenumber", NormalizeHeader("  Phone  Number "))
	assert.Equal(t, "nrc", NormalizeHeader("NRC"))
}
