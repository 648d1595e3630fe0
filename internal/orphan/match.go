package orphan

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
)

// DefaultThreshold is the minimum fuzzy name score FindMatch accepts.
const DefaultThreshold = 0.9

// ScoreNationalID is the confidence of an identity document match.
const ScoreNationalID = 0.95

// Orphan is what an orphan loan records about its borrower.
type Orphan struct {
	LoanID       string `json:"loan_id"`
	BorrowerRef  string `json:"borrower_ref,omitempty"`
	BorrowerName string `json:"borrower_name,omitempty"`
	BorrowerNRC  string `json:"borrower_nrc,omitempty"`
}

// FromLoan extracts the matching keys of a loan.
func FromLoan(l model.Loan) Orphan {
	return Orphan{
		LoanID:       l.ID,
		BorrowerRef:  l.BorrowerRef,
		BorrowerName: l.BorrowerName,
		BorrowerNRC:  l.BorrowerNRC,
	}
}

// FindMatch searches customers for the orphan's owner in three passes and
// returns the first definitive hit: the borrower reference equal to a
// customer id, then equal identity documents, then the best fuzzy name score
// at or above threshold. Equal scores go to the customer seen first. A
// threshold <= 0 means DefaultThreshold.
func FindMatch(o Orphan, customers []model.Customer, threshold float64) model.MatchCandidate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if o.BorrowerRef != "" {
		for _, c := range customers {
			if c.ID == o.BorrowerRef {
				return candidate(c, model.MatchExact, ScoreEqual, "Borrower reference matches customer id")
			}
		}
	}

	if nrc := normalize.NRC(o.BorrowerNRC); nrc != "" {
		for _, c := range customers {
			if normalize.NRC(c.NRC) == nrc {
				return candidate(c, model.MatchNationalID, ScoreNationalID, "NRC matches")
			}
		}
	}

	best, bestScore := -1, 0.0
	for i, c := range customers {
		if s := Similarity(o.BorrowerName, c.FullName); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best >= 0 && bestScore >= threshold {
		return candidate(customers[best], model.MatchFuzzy, bestScore,
			fmt.Sprintf("Name similarity %s", normalize.FormatConfidence(bestScore)))
	}

	return model.MatchCandidate{MatchType: model.MatchNone, Reason: "No customer matched"}
}

// RankCandidates scores every customer against the orphan and returns up to
// limit candidates with a non-zero score, best first. Ties keep the customer
// order. A limit <= 0 returns all of them.
func RankCandidates(o Orphan, customers []model.Customer, limit int) []model.MatchCandidate {
	nrc := normalize.NRC(o.BorrowerNRC)

	var out []model.MatchCandidate
	for _, c := range customers {
		switch {
		case o.BorrowerRef != "" && c.ID == o.BorrowerRef:
			out = append(out, candidate(c, model.MatchExact, ScoreEqual, "Borrower reference matches customer id"))
		case nrc != "" && normalize.NRC(c.NRC) == nrc:
			out = append(out, candidate(c, model.MatchNationalID, ScoreNationalID, "NRC matches"))
		default:
			s := Similarity(o.BorrowerName, c.FullName)
			if s <= 0 {
				continue
			}
			out = append(out, candidate(c, model.MatchFuzzy, s,
				fmt.Sprintf("Name similarity %s", normalize.FormatConfidence(s))))
		}
	}

	slices.SortStableFunc(out, func(a, b model.MatchCandidate) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func candidate(c model.Customer, t model.MatchType, score float64, reason string) model.MatchCandidate {
	return model.MatchCandidate{
		CustomerID:   c.ID,
		CustomerName: c.FullName,
		MatchType:    t,
		Confidence:   score,
		Reason:       reason,
	}
}
