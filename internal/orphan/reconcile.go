package orphan

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/store"
)

// DefaultAutoLinkThreshold is the confidence at which Run links a loan
// without review.
const DefaultAutoLinkThreshold = 0.95

// Options tunes a reconciliation run.
type Options struct {
	// Threshold is the fuzzy name threshold passed to FindMatch.
	Threshold float64
	// AutoLinkThreshold is the minimum match confidence to link a loan.
	AutoLinkThreshold float64
	// CandidateLimit bounds the candidates reported for unlinked loans.
	// Default: 3.
	CandidateLimit int
	// DryRun reports matches without linking.
	DryRun bool
}

// Outcome is the result for one orphan loan.
type Outcome struct {
	LoanID       string                 `json:"loan_id"`
	BorrowerName string                 `json:"borrower_name,omitempty"`
	Match        model.MatchCandidate   `json:"match"`
	Linked       bool                   `json:"linked"`
	Candidates   []model.MatchCandidate `json:"candidates,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Report summarizes a reconciliation run.
type Report struct {
	DryRun   bool      `json:"dry_run"`
	Orphans  int       `json:"orphans"`
	Matched  int       `json:"matched"`
	Linked   int       `json:"linked"`
	Failed   int       `json:"failed"`
	Outcomes []Outcome `json:"outcomes"`
}

// Reconciler matches and links orphan loans.
type Reconciler struct {
	store store.Store
	log   *zap.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{
		store: st,
		log:   zap.L().With(zap.String("component", "orphan")),
	}
}

// Run matches every orphan loan of the agency. Loans whose match reaches
// AutoLinkThreshold are linked unless DryRun is set; the rest are reported
// with their best candidates. A failed link is recorded and the run goes on.
func (r *Reconciler) Run(ctx context.Context, agencyID string, opts Options) (*Report, error) {
	if opts.AutoLinkThreshold <= 0 {
		opts.AutoLinkThreshold = DefaultAutoLinkThreshold
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 3
	}

	loans, err := r.store.ListLoansByStatus(ctx, agencyID, model.LoanRequiresMapping)
	if err != nil {
		return nil, eris.Wrap(err, "orphan: list loans")
	}
	customers, err := r.store.ListCustomers(ctx, agencyID)
	if err != nil {
		return nil, eris.Wrap(err, "orphan: list customers")
	}

	rep := &Report{DryRun: opts.DryRun, Orphans: len(loans)}
	for _, l := range loans {
		if err := ctx.Err(); err != nil {
			return rep, eris.Wrap(err, "orphan: run")
		}

		o := FromLoan(l)
		out := Outcome{LoanID: l.ID, BorrowerName: l.BorrowerName, Match: FindMatch(o, customers, opts.Threshold)}
		if out.Match.Matched() {
			rep.Matched++
		}

		if !out.Match.Matched() || out.Match.Confidence < opts.AutoLinkThreshold {
			out.Candidates = RankCandidates(o, customers, opts.CandidateLimit)
			rep.Outcomes = append(rep.Outcomes, out)
			continue
		}

		if !opts.DryRun {
			if err := r.Link(ctx, agencyID, l.ID, out.Match.CustomerID); err != nil {
				out.Error = err.Error()
				rep.Failed++
				r.log.Warn("orphan: link failed",
					zap.String("loan_id", l.ID),
					zap.String("customer_id", out.Match.CustomerID),
					zap.Error(err),
				)
				rep.Outcomes = append(rep.Outcomes, out)
				continue
			}
			out.Linked = true
			rep.Linked++
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}

	r.log.Info("orphan: run complete",
		zap.String("agency_id", agencyID),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("orphans", rep.Orphans),
		zap.Int("matched", rep.Matched),
		zap.Int("linked", rep.Linked),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

// Candidates ranks the agency's customers for one orphan loan.
func (r *Reconciler) Candidates(ctx context.Context, agencyID, loanID string, limit int) ([]model.MatchCandidate, error) {
	l, err := r.store.GetLoan(ctx, agencyID, loanID)
	if err != nil {
		return nil, eris.Wrapf(err, "orphan: get loan %s", loanID)
	}
	if !l.IsOrphan() {
		return nil, eris.Wrapf(store.ErrConflict, "orphan: loan %s already has a customer", loanID)
	}
	customers, err := r.store.ListCustomers(ctx, agencyID)
	if err != nil {
		return nil, eris.Wrap(err, "orphan: list customers")
	}
	return RankCandidates(FromLoan(*l), customers, limit), nil
}

// Link assigns an orphan loan to a customer and adds the loan to the
// customer's aggregates in one transaction.
func (r *Reconciler) Link(ctx context.Context, agencyID, loanID, customerID string) error {
	err := r.store.WithTx(ctx, agencyID, func(tx store.Tx) error {
		l, err := tx.GetLoan(ctx, agencyID, loanID)
		if err != nil {
			return err
		}
		if _, err := tx.GetCustomer(ctx, agencyID, customerID); err != nil {
			return err
		}
		if err := tx.AssignLoanCustomer(ctx, agencyID, loanID, customerID); err != nil {
			return err
		}
		return tx.IncrementCustomerAggregates(ctx, agencyID, customerID, 1, l.Principal)
	})
	if err != nil {
		return eris.Wrapf(err, "orphan: link loan %s", loanID)
	}
	return nil
}
