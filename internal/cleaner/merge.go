package cleaner

import (
	"slices"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
)

var defaultNormalizer = normalize.New(nil, normalize.Options{})

// Merge overlays an adapter result on a rule-based record using the default
// country code. See (*Cleaner).Merge.
func Merge(base model.NormalizedRecord, res Result) model.NormalizedRecord {
	return merge(defaultNormalizer, base, res)
}

// merge returns base untouched unless res is OK. Each adapter value is passed
// back through the rule functions; values the rules reject are ignored. The
// record is then rescored and its confidence capped at the adapter's.
func merge(n *normalize.Normalizer, base model.NormalizedRecord, res Result) model.NormalizedRecord {
	if !res.OK() {
		return base
	}
	resp := res.Response
	out := base
	out.Warnings = slices.Clone(base.Warnings)
	out.FixedFields = slices.Clone(base.FixedFields)

	emailGiven := base.Email != "" || slices.Contains(base.Warnings, normalize.WarnInvalidEmail)

	if v := n.Phone(resp.Phone); v != "" && v != out.Phone {
		out.Phone = v
		out.PhoneFromEmail = false
		out.FixedFields = appendUnique(out.FixedFields, model.FieldPhone)
	}
	if v := normalize.Email(resp.Email); v != "" && v != out.Email {
		out.Email = v
		emailGiven = true
		out.FixedFields = appendUnique(out.FixedFields, model.FieldEmail)
	}
	if v := normalize.FullName(resp.FullName); v != "" && v != out.FullName {
		out.FullName = v
		out.FixedFields = appendUnique(out.FixedFields, model.FieldFullName)
	}
	if v := normalize.NRC(resp.NRC); v != "" && v != out.NRC {
		out.NRC = v
		out.FixedFields = appendUnique(out.FixedFields, model.FieldNRC)
	}
	if v := normalize.Address(resp.Address); v != "" && v != out.Address {
		out.Address = v
		out.FixedFields = appendUnique(out.FixedFields, model.FieldAddress)
	}

	normalize.Score(&out, emailGiven)
	for _, w := range resp.Warnings {
		out.Warnings = appendUnique(out.Warnings, w)
	}
	for _, f := range resp.FixedFields {
		out.FixedFields = appendUnique(out.FixedFields, f)
	}
	out.Confidence = max(0, min(out.Confidence, resp.Confidence, 1))
	return out
}

func appendUnique(list []string, v string) []string {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
