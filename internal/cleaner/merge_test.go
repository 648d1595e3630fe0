package cleaner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
)

func TestMerge_ErrorKeepsBase(t *testing.T) {
	base := normalize.Normalize(rawRow(0, "Name", "jane phiri"), nil)
	got := Merge(base, Result{Response: &Response{FullName: "Someone Else", Confidence: 1}, Err: errors.New("boom")})
	assert.Equal(t, base, got)

	assert.Equal(t, base, Merge(base, Result{}))
}

func TestMerge_InvalidOverridesIgnored(t *testing.T) {
	base := normalize.Normalize(rawRow(0, "Name", "jane phiri", "Email", "jane@example.com"), nil)
	got := Merge(base, Result{Response: &Response{
		Phone:      "12",
		Email:      "not-an-email",
		NRC:        "x",
		Confidence: 0.95,
	}})

	assert.Empty(t, got.Phone)
	assert.Equal(t, "jane@example.com", got.Email)
	assert.Empty(t, got.NRC)
	assert.Empty(t, got.FixedFields)
	// Still missing contact, so the rule score wins over the adapter's 0.95.
	assert.InDelta(t, normalize.PenaltyNoContact, got.Confidence, 1e-9)
}

func TestMerge_ConfidenceIsMinimum(t *testing.T) {
	base := normalize.Normalize(rawRow(0, "Name", "jane phiri", "Phone", "0971234567"), nil)
	assert.InDelta(t, 1.0, base.Confidence, 1e-9)

	got := Merge(base, Result{Response: &Response{Confidence: 0.4, Warnings: []string{"Name looks like a company"}}})
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
	assert.Equal(t, []string{"Name looks like a company"}, got.Warnings)
}

func TestMerge_FixedNameClearsWarning(t *testing.T) {
	base := normalize.Normalize(rawRow(0, "Phone", "0971234567", "Notes", "JANE PHIRI"), nil)
	assert.Contains(t, base.Warnings, normalize.WarnNoName)

	got := Merge(base, Result{Response: &Response{FullName: "JANE PHIRI", Confidence: 0.9}})
	assert.Equal(t, "Jane Phiri", got.FullName)
	assert.NotContains(t, got.Warnings, normalize.WarnNoName)
	assert.Equal(t, []string{model.FieldFullName}, got.FixedFields)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestMerge_AdapterPhoneReplacesEmailExtraction(t *testing.T) {
	base := normalize.Normalize(rawRow(0, "Name", "jane phiri", "Email", "jane0971234567@example.com"), nil)
	assert.True(t, base.PhoneFromEmail)

	got := Merge(base, Result{Response: &Response{Phone: "+260 955 111 222", Confidence: 1}})
	assert.Equal(t, "+260955111222", got.Phone)
	assert.False(t, got.PhoneFromEmail)
	assert.NotContains(t, got.Warnings, normalize.WarnPhoneFromEmail)
}

func TestMerge_ConfidenceNeverOutOfRange(t *testing.T) {
	base := normalize.Normalize(rawRow(0, "Name", "jane phiri", "Phone", "0971234567"), nil)
	for _, c := range []float64{-0.5, 0, 0.5, 1, 7} {
		got := Merge(base, Result{Response: &Response{Confidence: c}})
		assert.GreaterOrEqual(t, got.Confidence, 0.0)
		assert.LessOrEqual(t, got.Confidence, 1.0)
	}
}
