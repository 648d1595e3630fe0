package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultCountryCode is the Zambian dialing code.
const DefaultCountryCode = "260"

const subscriberDigits = 9

var (
	emailRe        = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9\-]+(\.[a-z0-9\-]+)*\.[a-z]{2,}$`)
	repeatedDotRe  = regexp.MustCompile(`\.{2,}`)
	digitRunRe     = regexp.MustCompile(`[0-9]+`)
	doubledPunctRe = regexp.MustCompile(`([._\-])[._\-]+`)
)

// Phone canonicalizes raw to +<country><9 digits> using the default country
// code, returning "" when raw does not look like a phone number.
func Phone(raw string) string {
	return PhoneWithCountry(raw, DefaultCountryCode)
}

// PhoneWithCountry canonicalizes raw for the given dialing code. Accepted
// shapes: +CC#########, 00CC#########, CC#########, 0######### and bare
// ######### mobile numbers beginning with 7 or 9. An explicitly international
// number of the same length under another country code is kept as written so
// routing policy can flag it.
func PhoneWithCountry(raw, cc string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return ""
	}

	international := false
	switch {
	case strings.HasPrefix(s, "+"):
		international = true
		s = s[1:]
	case strings.HasPrefix(s, "00"):
		international = true
		s = s[2:]
	}
	if strings.Contains(s, "+") {
		return ""
	}

	switch {
	case international && len(s) == len(cc)+subscriberDigits:
		return "+" + s
	case international:
		return ""
	case len(s) == len(cc)+subscriberDigits && strings.HasPrefix(s, cc):
		return "+" + s
	case len(s) == subscriberDigits+1 && s[0] == '0':
		return "+" + cc + s[1:]
	case len(s) == subscriberDigits && (s[0] == '7' || s[0] == '9'):
		return "+" + cc + s
	default:
		return ""
	}
}

// ExtractPhoneFromEmail finds a phone-shaped digit run embedded in an email
// address, normalizes it, and returns the email with the digits removed.
func ExtractPhoneFromEmail(email string) (phone, cleaned string, ok bool) {
	return extractPhoneFromEmail(email, DefaultCountryCode)
}

func extractPhoneFromEmail(email, cc string) (phone, cleaned string, ok bool) {
	for _, loc := range digitRunRe.FindAllStringIndex(email, -1) {
		run := email[loc[0]:loc[1]]
		if len(run) < 9 || len(run) > 12 {
			continue
		}
		p := PhoneWithCountry(run, cc)
		if p == "" {
			continue
		}
		rest := email[:loc[0]] + email[loc[1]:]
		return p, tidyEmailPunctuation(rest), true
	}
	return "", email, false
}

// tidyEmailPunctuation collapses doubled separators left behind after
// removing a substring, and strips separators next to '@' or at the edges.
func tidyEmailPunctuation(s string) string {
	s = doubledPunctRe.ReplaceAllString(s, "$1")
	for _, sep := range []string{".", "_", "-"} {
		s = strings.ReplaceAll(s, sep+"@", "@")
		s = strings.ReplaceAll(s, "@"+sep, "@")
	}
	return strings.Trim(s, "._-")
}

// Email lowercases and validates raw. One repair round is attempted before
// giving up: internal whitespace removed, repeated dots collapsed, dots next to
// '@' dropped.
func Email(raw string) string {
	e := strings.ToLower(strings.TrimSpace(raw))
	if e == "" {
		return ""
	}
	if validEmail(e) {
		return e
	}

	e = strings.Join(strings.Fields(e), "")
	e = repeatedDotRe.ReplaceAllString(e, ".")
	e = strings.ReplaceAll(e, ".@", "@")
	e = strings.ReplaceAll(e, "@.", "@")
	e = strings.Trim(e, ".")
	if validEmail(e) {
		return e
	}
	return ""
}

func validEmail(e string) bool {
	if strings.Contains(e, "..") || !emailRe.MatchString(e) {
		return false
	}
	local := e[:strings.IndexByte(e, '@')]
	return !strings.HasPrefix(local, ".") && !strings.HasSuffix(local, ".")
}

// FullName collapses whitespace and title-cases each token.
func FullName(raw string) string {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return ""
	}
	return cases.Title(language.Und).String(name)
}

// NRC uppercases an identity document number and strips separators. Values
// outside 8–20 characters, or with anything but letters and digits left, are
// rejected.
func NRC(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		switch {
		case r == '-' || r == '/' || r == '.' || unicode.IsSpace(r):
			continue
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			return ""
		}
	}
	n := b.String()
	if len(n) < 8 || len(n) > 20 {
		return ""
	}
	return n
}

// Address collapses internal whitespace. Quoted addresses are passed through
// as-is.
func Address(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	if strings.ContainsAny(raw, `"'`) {
		return raw
	}
	return strings.Join(strings.Fields(raw), " ")
}
