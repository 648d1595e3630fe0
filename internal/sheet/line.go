// Package sheet tokenizes uploaded spreadsheet dumps into typed sections of rows.
package sheet

import (
	"strings"
)

// ParseLine splits one CSV record into fields. Fields are comma separated and
// may be wrapped in double quotes, inside which commas and newlines are
// literal and "" is an escaped quote. Unquoted fields are trimmed. The parse
// is best effort: an unterminated quote runs to the end of the record.
func ParseLine(line string) []string {
	var (
		fields   []string
		buf      strings.Builder
		inQuotes bool
		quoted   bool
	)

	flush := func() {
		v := buf.String()
		if !quoted {
			v = strings.TrimSpace(v)
		}
		fields = append(fields, v)
		buf.Reset()
		quoted = false
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuotes:
			if c == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					buf.WriteRune('"')
					i++
					continue
				}
				inQuotes = false
				continue
			}
			buf.WriteRune(c)
		case c == '"' && !quoted && strings.TrimSpace(buf.String()) == "":
			buf.Reset()
			inQuotes = true
			quoted = true
		case c == ',':
			flush()
		case quoted && (c == ' ' || c == '\t' || c == '\r'):
			// padding after a closing quote
		default:
			buf.WriteRune(c)
		}
	}
	flush()

	return fields
}

// JoinLine encodes fields as one CSV record, quoting any field that would not
// survive ParseLine unquoted.
func JoinLine(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		if needsQuote(f) {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(f, `"`, `""`))
			b.WriteByte('"')
			continue
		}
		b.WriteString(f)
	}
	return b.String()
}

func needsQuote(f string) bool {
	if f == "" {
		return false
	}
	if strings.ContainsAny(f, ",\"\n\r") {
		return true
	}
	return strings.TrimSpace(f) != f
}

// SplitRecords splits file text into logical records. A newline inside a
// quoted field does not end the record. Quotes only open a field when they
// appear at its start, so stray inch marks in free text do not swallow the
// rest of the file. If a quote is never closed, the remainder is split on
// plain newlines instead.
func SplitRecords(text string) []string {
	var records []string

	start := 0
	inQuotes := false
	atFieldStart := true
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuotes:
			if c == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					i++
					continue
				}
				inQuotes = false
			}
		case c == '"' && atFieldStart:
			inQuotes = true
			atFieldStart = false
		case c == ',':
			atFieldStart = true
		case c == '\n':
			records = append(records, trimCR(string(runes[start:i])))
			start = i + 1
			atFieldStart = true
		case c == ' ' || c == '\t':
		default:
			atFieldStart = false
		}
	}

	if start < len(runes) {
		rest := string(runes[start:])
		if inQuotes {
			for _, l := range strings.Split(rest, "\n") {
				records = append(records, trimCR(l))
			}
		} else {
			records = append(records, trimCR(rest))
		}
	}

	return records
}

func trimCR(s string) string {
	return strings.TrimSuffix(s, "\r")
}
