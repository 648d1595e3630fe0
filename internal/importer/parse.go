package importer

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// parseAmount reads a money value such as "K5,000.00" or "5 000". Currency
// text before the number and thousands separators are ignored.
func parseAmount(raw string) (decimal.Decimal, error) {
	s := stripNumeric(raw)
	if s == "" {
		return decimal.Zero, eris.Errorf("no amount in %q", raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "parse amount %q", raw)
	}
	return d, nil
}

// parseRate reads an interest rate; "15%", "15" and "15.5 %" are percentages.
// An empty value is zero.
func parseRate(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return parseAmount(raw)
}

// parseDuration reads a term in months from values like "6", "6 months" or
// "12m". An empty value is zero.
func parseDuration(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, eris.Errorf("no duration in %q", raw)
	}
	n, err := strconv.Atoi(raw[:end])
	if err != nil {
		return 0, eris.Wrapf(err, "parse duration %q", raw)
	}
	return n, nil
}

// stripNumeric extracts the first number in raw. Leading currency text is
// skipped, and spaces or commas between digit groups are dropped. Anything
// else after the number ends it, so "15% p.a." yields "15".
func stripNumeric(raw string) string {
	rs := []rune(raw)
	digitAt := func(i int) bool { return i < len(rs) && rs[i] >= '0' && rs[i] <= '9' }

	var b strings.Builder
	started := false
	for i, r := range rs {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			started = true
		case r == '.' && (started || digitAt(i+1)):
			b.WriteRune(r)
			started = true
		case started && (r == ',' || r == ' ' || r == '\u00a0') && digitAt(i+1):
			// digit group separator
		case started:
			return b.String()
		case r == '-' && digitAt(i+1):
			b.WriteRune(r)
		}
	}
	return b.String()
}
