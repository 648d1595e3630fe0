package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhone(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"trunk zero with dashes", "097-654-3210", "+260976543210"},
		{"already canonical", "+260976543210", "+260976543210"},
		{"country code no plus", "260976543210", "+260976543210"},
		{"double zero prefix", "00260976543210", "+260976543210"},
		{"bare mobile 9", "976543210", "+260976543210"},
		{"bare mobile 7", "771234567", "+260771234567"},
		{"spaces and parens", "(097) 654 3210", "+260976543210"},
		{"foreign international kept", "+254712345678", "+254712345678"},
		{"foreign wrong length", "+2547123456", ""},
		{"bare landline rejected", "211234567", ""},
		{"too short", "12345", ""},
		{"too long", "09765432101", ""},
		{"embedded plus", "097+6543210", ""},
		{"letters only", "n/a", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Phone(tt.raw))
		})
	}
}

func TestPhone_Idempotent(t *testing.T) {
	inputs := []string{
		"097-654-3210", "+260976543210", "260 97 654 3210", "976543210",
		"0771234567", "+254712345678", "00260966123456", "tel: 0955 000 111",
	}
	for _, in := range inputs {
		once := Phone(in)
		if once == "" {
			continue
		}
		assert.Equal(t, once, Phone(once), "input %q", in)
	}
}

func TestPhoneWithCountry(t *testing.T) {
	assert.Equal(t, "+263771234567", PhoneWithCountry("0771234567", "263"))
	assert.Equal(t, "+263771234567", PhoneWithCountry("263771234567", "263"))
	assert.Equal(t, "", PhoneWithCountry("260771234567", "263"))
}

func TestExtractPhoneFromEmail(t *testing.T) {
	phone, cleaned, ok := ExtractPhoneFromEmail("danny0970842495sakala@gmail.com")
	assert.True(t, ok)
	assert.Equal(t, "+260970842495", phone)
	assert.Equal(t, "dannysakala@gmail.com", cleaned)

	phone, cleaned, ok = ExtractPhoneFromEmail("mary.0966123456.banda@yahoo.com")
	assert.True(t, ok)
	assert.Equal(t, "+260966123456", phone)
	assert.Equal(t, "mary.banda@yahoo.com", cleaned)

	_, cleaned, ok = ExtractPhoneFromEmail("jane.phiri@gmail.com")
	assert.False(t, ok)
	assert.Equal(t, "jane.phiri@gmail.com", cleaned)

	_, _, ok = ExtractPhoneFromEmail("user2024@gmail.com")
	assert.False(t, ok)
}

func TestEmail(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"valid", "jane@example.com", "jane@example.com"},
		{"uppercase trimmed", "  Jane.Phiri@Example.COM ", "jane.phiri@example.com"},
		{"internal whitespace", "jane phiri@example.com", "janephiri@example.com"},
		{"repeated dots", "jane..phiri@example..com", "jane.phiri@example.com"},
		{"dot before at", "jane.@example.com", "jane@example.com"},
		{"dot after at", "jane@.example.com", "jane@example.com"},
		{"no at", "jane.example.com", ""},
		{"no tld", "jane@example", ""},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Email(tt.raw))
		})
	}
}

func TestFullName(t *testing.T) {
	assert.Equal(t, "Masheda Beleshi", FullName("  masheda   BELESHI "))
	assert.Equal(t, "John Banda", FullName("john banda"))
	assert.Equal(t, "", FullName("   "))
	assert.Equal(t, FullName("john banda"), FullName(FullName("john banda")))
}

func TestNRC(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"123456/10/1", "123456101"},
		{" 123456-10-1 ", "123456101"},
		{"ab 123 456 78", "AB12345678"},
		{"1234567", ""},
		{"123456789012345678901", ""},
		{"123456#10#1", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NRC(tt.raw))
		})
	}
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "Plot 12, Kabulonga Road", Address("  Plot 12,   Kabulonga\tRoad "))
	assert.Equal(t, `"Plot  12"  Lusaka`, Address(`"Plot  12"  Lusaka`))
	assert.Equal(t, "", Address("  "))
}
