package quarantine

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
)

func row(kv ...string) model.RawRow {
	r := model.RawRow{Values: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Values[kv[i]] = kv[i+1]
		r.Order = append(r.Order, kv[i])
	}
	return r
}

func TestRoute_MissingNameAndPhone(t *testing.T) {
	rec := normalize.Normalize(row("Email", "someone@example.com"), nil)
	d := Route(rec, DefaultPolicy())

	require.True(t, d.ShouldQuarantine)
	assert.Equal(t, model.RowQuarantined, d.Status)
	assert.Contains(t, d.Reasons, "Missing required fields: fullName, phone")
	assert.Contains(t, d.Reasons, "Low confidence score: 0.42")
}

func TestRoute_Reasons(t *testing.T) {
	clean := model.NormalizedRecord{FullName: "Jane Phiri", Phone: "+260971234567", Confidence: 1}

	tests := []struct {
		name   string
		mutate func(r *model.NormalizedRecord)
		want   string
	}{
		{"missing phone", func(r *model.NormalizedRecord) { r.Phone = "" }, "Missing required fields: phone"},
		{"low confidence", func(r *model.NormalizedRecord) { r.Confidence = 0.5 }, "Low confidence score: 0.50"},
		{"too many warnings", func(r *model.NormalizedRecord) { r.Warnings = []string{"a", "b", "c"} }, "Too many warnings (3)"},
		{"short name", func(r *model.NormalizedRecord) { r.FullName = "Jo" }, "Name too short"},
		{"foreign phone", func(r *model.NormalizedRecord) { r.Phone = "+447911123456" }, "Phone number has unexpected format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := clean
			tt.mutate(&rec)
			d := Route(rec, DefaultPolicy())
			require.True(t, d.ShouldQuarantine)
			assert.Equal(t, []string{tt.want}, d.Reasons)
		})
	}
}

func TestRoute_ReadyAndNeedsReview(t *testing.T) {
	rec := model.NormalizedRecord{FullName: "Jane Phiri", Phone: "+260971234567", Confidence: 1}
	d := Route(rec, DefaultPolicy())
	assert.False(t, d.ShouldQuarantine)
	assert.Empty(t, d.Reasons)
	assert.Equal(t, model.RowReady, d.Status)

	rec.Confidence = 0.65
	d = Route(rec, DefaultPolicy())
	assert.False(t, d.ShouldQuarantine)
	assert.Equal(t, model.RowNeedsReview, d.Status)

	// Exactly at the quarantine threshold is not "below" it.
	rec.Confidence = 0.6
	assert.False(t, Route(rec, DefaultPolicy()).ShouldQuarantine)
}

func TestPolicy_ForSection(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, []string{model.FieldFullName}, p.ForSection(model.SectionLoans).RequiredFields)
	assert.Equal(t, []string{model.FieldFullName, model.FieldPhone}, p.ForSection(model.SectionCustomers).RequiredFields)

	// A loan row with a name but no phone or NRC is importable, flagged for review.
	rec := normalize.Normalize(row("Borrower Name", "jane phiri", "Amount", "5000"), nil)
	d := Route(rec, p.ForSection(model.SectionLoans))
	assert.False(t, d.ShouldQuarantine)
	assert.Equal(t, model.RowNeedsReview, d.Status)
}

func TestRoute_ReasonsNonEmptyIffQuarantined(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	names := []string{"", "Jo", "Jane Phiri"}
	phones := []string{"", "+260971234567", "+447911123456"}

	for i := 0; i < 300; i++ {
		rec := model.NormalizedRecord{
			FullName:   names[rng.IntN(len(names))],
			Phone:      phones[rng.IntN(len(phones))],
			Confidence: rng.Float64(),
		}
		for j := rng.IntN(5); j > 0; j-- {
			rec.Warnings = append(rec.Warnings, "w")
		}
		d := Route(rec, DefaultPolicy())
		assert.Equal(t, d.ShouldQuarantine, len(d.Reasons) > 0, "record %+v", rec)
		if d.ShouldQuarantine {
			assert.Equal(t, model.RowQuarantined, d.Status)
		} else {
			assert.NotEqual(t, model.RowQuarantined, d.Status)
		}
	}
}
