// Package importer turns routed rows into customers and loans, and runs the
// end-to-end ingestion pipeline.
package importer

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
	"github.com/sells-group/loan-ingest/internal/resilience"
	"github.com/sells-group/loan-ingest/internal/store"
)

// ErrValidation marks a row that lacks what its action requires.
var ErrValidation = eris.New("importer: validation failed")

// WarnOrphanLoan is attached to loans stored without an owning customer.
const WarnOrphanLoan = "No matching customer; loan requires mapping"

// Options tunes an Executor.
type Options struct {
	// RetryAttempts is the total number of tries for a row whose
	// transaction conflicts. Default: 2.
	RetryAttempts int
	// RetryBackoff is the wait before the retry. Default: 50ms.
	RetryBackoff time.Duration
	// Normalizer canonicalizes row contact fields before duplicate checks.
	// Default: normalize.New with default mappings and country code.
	Normalizer *normalize.Normalizer
}

// Executor persists import rows.
type Executor struct {
	store store.Store
	opts  Options
	log   *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(st store.Store, opts Options) *Executor {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 2
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New(nil, normalize.Options{})
	}
	return &Executor{
		store: st,
		opts:  opts,
		log:   zap.L().With(zap.String("component", "importer")),
	}
}

// Execute imports rows for batch. Customer rows run before loan rows so loans
// can reference customers created earlier in the batch. A failing row is
// recorded and the batch continues. When batch.DryRun is set nothing is
// written, including the audit log. The only error returned is for an
// unknown entity type.
func (e *Executor) Execute(ctx context.Context, batch model.ImportBatch, rows []model.ImportRow, entity model.EntityType) (*model.ImportResult, error) {
	if !entity.Valid() {
		return nil, eris.Wrapf(ErrValidation, "importer: entity type %q", entity)
	}

	log := e.log.With(zap.String("batch_id", batch.ID), zap.String("agency_id", batch.AgencyID))
	b := newResultBuilder(batch.ID, batch.DryRun)
	run := &batchRun{
		exec:   e,
		batch:  batch,
		entity: entity,
		seen:   newSeenSet(),
	}

	ordered := orderRows(rows)
	for i, row := range ordered {
		if err := ctx.Err(); err != nil {
			for _, rest := range ordered[i:] {
				b.skipped(rest, "import cancelled")
			}
			b.res.Cancelled = true
			log.Warn("importer: cancelled", zap.Int("remaining", len(ordered)-i))
			break
		}
		run.process(ctx, b, row)
	}

	res := b.result()
	log.Info("importer: batch complete",
		zap.Bool("dry_run", batch.DryRun),
		zap.Int("created", res.Counts.Created),
		zap.Int("linked", res.Counts.Linked),
		zap.Int("skipped", res.Counts.Skipped),
		zap.Int("failed", res.Counts.Failed),
	)

	if !batch.DryRun {
		e.writeAudit(ctx, batch, res)
	}
	return res, nil
}

func (e *Executor) writeAudit(ctx context.Context, batch model.ImportBatch, res *model.ImportResult) {
	entry := model.AuditLog{
		BatchID:   batch.ID,
		AgencyID:  batch.AgencyID,
		UserID:    batch.UserID,
		FileName:  batch.FileName,
		FileSize:  batch.FileSize,
		Timestamp: time.Now().UTC(),
		Result:    res.Counts,
		Errors:    res.Errors,
	}
	// The audit write must not be lost to a cancelled import.
	if err := e.store.WriteAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		e.log.Error("importer: write audit log",
			zap.String("batch_id", batch.ID),
			zap.Error(err),
		)
	}
}

// withRetry runs fn, retrying once more when the store reports a
// transaction conflict.
func (e *Executor) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts:    e.opts.RetryAttempts,
		InitialBackoff: e.opts.RetryBackoff,
		MaxBackoff:     e.opts.RetryBackoff,
		Multiplier:     1,
		ShouldRetry:    func(err error) bool { return errors.Is(err, store.ErrConflict) },
		OnRetry:        resilience.RetryLogger("importer", "row transaction"),
	}, fn)
}

// orderRows returns customer rows, then loan rows, then everything else, each
// group in input order.
func orderRows(rows []model.ImportRow) []model.ImportRow {
	rank := func(r model.ImportRow) int {
		switch r.Data.Kind {
		case model.SectionCustomers:
			return 0
		case model.SectionLoans:
			return 1
		default:
			return 2
		}
	}
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b model.ImportRow) int { return rank(a) - rank(b) })
	return out
}

// batchRun is the state of one Execute call.
type batchRun struct {
	exec   *Executor
	batch  model.ImportBatch
	entity model.EntityType
	// seen tracks customers a dry run would have created.
	seen *seenSet
}

func (r *batchRun) process(ctx context.Context, b *resultBuilder, row model.ImportRow) {
	switch row.Status {
	case model.RowInvalid:
		msg := strings.Join(row.Errors, "; ")
		if msg == "" {
			msg = "invalid row"
		}
		b.failed(row, eris.Wrap(ErrValidation, msg))
		return
	case model.RowQuarantined:
		b.skipped(row, "row is quarantined")
		return
	}

	if row.Action == model.ActionSkip {
		b.skipped(row, "skip requested")
		return
	}
	if row.Action != model.ActionCreate && row.Action != model.ActionLink {
		b.failed(row, eris.Wrapf(ErrValidation, "unknown action %q", row.Action))
		return
	}
	if row.Action == model.ActionLink && row.CustomerID == "" {
		b.failed(row, eris.Wrap(ErrValidation, "customer id required for link action"))
		return
	}
	if err := r.checkEntity(row.Data.Kind); err != nil {
		b.failed(row, err)
		return
	}

	data, err := r.exec.opts.Normalizer.Canonicalize(row.Data)
	if err != nil {
		b.failed(row, eris.Wrap(ErrValidation, err.Error()))
		return
	}
	row.Data = data

	switch row.Data.Kind {
	case model.SectionCustomers:
		err = r.customerRow(ctx, b, row)
	case model.SectionLoans:
		err = r.loanRow(ctx, b, row)
	}
	if err != nil {
		r.exec.log.Debug("importer: row failed",
			zap.String("batch_id", r.batch.ID),
			zap.Int("row", row.RowIndex),
			zap.Error(err),
		)
		b.failed(row, err)
	}
}

// checkEntity rejects rows the import type does not cover, including rows of
// sections that are not importable at all.
func (r *batchRun) checkEntity(kind model.SectionType) error {
	if !kind.Importable() {
		return eris.Wrapf(ErrValidation, "unsupported section type %q", kind)
	}
	switch {
	case r.entity == model.EntityCustomers && kind != model.SectionCustomers,
		r.entity == model.EntityLoans && kind != model.SectionLoans:
		return eris.Wrapf(ErrValidation, "%s row in %s import", kind, r.entity)
	}
	return nil
}

func (r *batchRun) customerRow(ctx context.Context, b *resultBuilder, row model.ImportRow) error {
	agency := r.batch.AgencyID

	if row.Action == model.ActionLink {
		if r.batch.DryRun && r.seen.hasID(row.CustomerID) {
			b.linked(row, row.CustomerID, row.CustomerID)
			return nil
		}
		if _, err := r.exec.store.GetCustomer(ctx, agency, row.CustomerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return eris.Wrapf(ErrValidation, "customer %s not found", row.CustomerID)
			}
			return eris.Wrap(err, "importer: link customer")
		}
		b.linked(row, row.CustomerID, row.CustomerID)
		return nil
	}

	c, err := customerFromRow(agency, r.batch.ID, row.Data)
	if err != nil {
		return err
	}

	if r.batch.DryRun {
		if err := r.dryRunDuplicate(ctx, c.Phone, c.NRC); err != nil {
			return err
		}
		id := r.seen.add(c.Phone, c.NRC)
		b.created(row, id, id, false, "")
		return nil
	}

	err = r.exec.withRetry(ctx, func(ctx context.Context) error {
		c.ID = ""
		return r.exec.store.WithTx(ctx, agency, func(tx store.Tx) error {
			if err := checkDuplicate(ctx, tx, agency, c.Phone, c.NRC); err != nil {
				return err
			}
			return tx.CreateCustomer(ctx, c)
		})
	})
	if err != nil {
		return err
	}
	b.created(row, c.ID, c.ID, false, "")
	return nil
}

func (r *batchRun) loanRow(ctx context.Context, b *resultBuilder, row model.ImportRow) error {
	agency := r.batch.AgencyID
	loan, err := loanFromRow(agency, r.batch.ID, row.Data)
	if err != nil {
		return err
	}

	if r.batch.DryRun {
		return r.dryRunLoan(ctx, b, row, loan)
	}

	var customerID string
	var orphan bool
	err = r.exec.withRetry(ctx, func(ctx context.Context) error {
		l := *loan
		return r.exec.store.WithTx(ctx, agency, func(tx store.Tx) error {
			owner, err := r.resolveOwner(ctx, tx, row)
			if err != nil {
				return err
			}
			if owner == "" {
				l.Status = model.LoanRequiresMapping
			} else {
				l.CustomerID = owner
				l.Status = model.LoanActive
			}
			if err := tx.CreateLoan(ctx, &l); err != nil {
				return err
			}
			if owner != "" {
				if err := tx.IncrementCustomerAggregates(ctx, agency, owner, 1, l.Principal); err != nil {
					return err
				}
			}
			*loan = l
			customerID, orphan = owner, owner == ""
			return nil
		})
	})
	if err != nil {
		return err
	}

	if orphan {
		b.created(row, loan.ID, "", true, WarnOrphanLoan)
		return nil
	}
	if row.Action == model.ActionLink {
		b.linked(row, loan.ID, customerID)
		return nil
	}
	b.created(row, loan.ID, customerID, false, "")
	return nil
}

// resolveOwner finds or, for mixed imports, creates the loan's customer. An
// empty id means the loan is an orphan.
func (r *batchRun) resolveOwner(ctx context.Context, tx store.Tx, row model.ImportRow) (string, error) {
	agency := r.batch.AgencyID
	d := row.Data

	if row.CustomerID != "" {
		c, err := tx.GetCustomer(ctx, agency, row.CustomerID)
		if errors.Is(err, store.ErrNotFound) {
			return "", eris.Wrapf(ErrValidation, "customer %s not found", row.CustomerID)
		}
		if err != nil {
			return "", eris.Wrap(err, "importer: get customer")
		}
		return c.ID, nil
	}

	if c, err := tx.FindCustomerByPhone(ctx, agency, d.Phone); err != nil {
		return "", eris.Wrap(err, "importer: find by phone")
	} else if c != nil {
		return c.ID, nil
	}
	if c, err := tx.FindCustomerByNRC(ctx, agency, d.NRC); err != nil {
		return "", eris.Wrap(err, "importer: find by nrc")
	} else if c != nil {
		return c.ID, nil
	}

	if r.entity == model.EntityMixed && d.HasCustomerPayload() {
		c, err := customerFromRow(agency, r.batch.ID, d)
		if err != nil {
			return "", err
		}
		if err := tx.CreateCustomer(ctx, c); err != nil {
			return "", err
		}
		return c.ID, nil
	}
	return "", nil
}

func (r *batchRun) dryRunLoan(ctx context.Context, b *resultBuilder, row model.ImportRow, loan *model.Loan) error {
	agency := r.batch.AgencyID
	d := row.Data
	st := r.exec.store

	owner := ""
	switch {
	case row.CustomerID != "":
		if !r.seen.hasID(row.CustomerID) {
			if _, err := st.GetCustomer(ctx, agency, row.CustomerID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return eris.Wrapf(ErrValidation, "customer %s not found", row.CustomerID)
				}
				return eris.Wrap(err, "importer: get customer")
			}
		}
		owner = row.CustomerID
	default:
		if id := r.seen.lookup(d.Phone, d.NRC); id != "" {
			owner = id
			break
		}
		c, err := findExisting(ctx, st, agency, d.Phone, d.NRC)
		if err != nil {
			return err
		}
		if c != nil {
			owner = c.ID
		} else if r.entity == model.EntityMixed && d.HasCustomerPayload() {
			owner = r.seen.add(d.Phone, d.NRC)
		}
	}

	if owner == "" {
		b.created(row, loan.ID, "", true, WarnOrphanLoan)
		return nil
	}
	if row.Action == model.ActionLink {
		b.linked(row, loan.ID, owner)
		return nil
	}
	b.created(row, loan.ID, owner, false, "")
	return nil
}

// dryRunDuplicate checks the store and the customers this dry run has
// already counted.
func (r *batchRun) dryRunDuplicate(ctx context.Context, phone, nrc string) error {
	if r.seen.lookup(phone, "") != "" {
		return eris.Wrapf(store.ErrDuplicate, "importer: phone %s appears earlier in batch", phone)
	}
	if r.seen.lookup("", nrc) != "" {
		return eris.Wrapf(store.ErrDuplicate, "importer: nrc %s appears earlier in batch", nrc)
	}
	return checkDuplicate(ctx, r.exec.store, r.batch.AgencyID, phone, nrc)
}

// checkDuplicate fails with store.ErrDuplicate when a customer already holds
// phone or nrc.
func checkDuplicate(ctx context.Context, cs store.CustomerStore, agency, phone, nrc string) error {
	existing, err := cs.FindCustomerByPhone(ctx, agency, phone)
	if err != nil {
		return eris.Wrap(err, "importer: find by phone")
	}
	if existing != nil {
		return eris.Wrapf(store.ErrDuplicate, "importer: phone %s belongs to customer %s", phone, existing.ID)
	}
	existing, err = cs.FindCustomerByNRC(ctx, agency, nrc)
	if err != nil {
		return eris.Wrap(err, "importer: find by nrc")
	}
	if existing != nil {
		return eris.Wrapf(store.ErrDuplicate, "importer: nrc %s belongs to customer %s", nrc, existing.ID)
	}
	return nil
}

func findExisting(ctx context.Context, cs store.CustomerStore, agency, phone, nrc string) (*model.Customer, error) {
	c, err := cs.FindCustomerByPhone(ctx, agency, phone)
	if err != nil || c != nil {
		return c, eris.Wrap(err, "importer: find by phone")
	}
	c, err = cs.FindCustomerByNRC(ctx, agency, nrc)
	return c, eris.Wrap(err, "importer: find by nrc")
}

func customerFromRow(agency, batchID string, d model.RowData) (*model.Customer, error) {
	if d.FullName == "" {
		return nil, eris.Wrap(ErrValidation, "full name required to create customer")
	}
	return &model.Customer{
		AgencyID:      agency,
		FullName:      d.FullName,
		Phone:         d.Phone,
		Email:         d.Email,
		NRC:           d.NRC,
		Address:       d.Address,
		LoanCount:     0,
		TotalBorrowed: decimal.Zero,
		ImportBatchID: batchID,
	}, nil
}

func loanFromRow(agency, batchID string, d model.RowData) (*model.Loan, error) {
	if strings.TrimSpace(d.Principal) == "" {
		return nil, eris.Wrap(ErrValidation, "principal required to create loan")
	}
	principal, err := parseAmount(d.Principal)
	if err != nil {
		return nil, eris.Wrap(ErrValidation, err.Error())
	}
	if !principal.IsPositive() {
		return nil, eris.Wrapf(ErrValidation, "principal %s must be positive", principal)
	}
	rate, err := parseRate(d.InterestRate)
	if err != nil {
		return nil, eris.Wrap(ErrValidation, err.Error())
	}
	months, err := parseDuration(d.Duration)
	if err != nil {
		return nil, eris.Wrap(ErrValidation, err.Error())
	}
	return &model.Loan{
		AgencyID:       agency,
		BorrowerName:   d.FullName,
		BorrowerRef:    d.BorrowerRef,
		BorrowerNRC:    d.NRC,
		Principal:      principal,
		InterestRate:   rate,
		DurationMonths: months,
		LoanType:       d.LoanType,
		ImportBatchID:  batchID,
	}, nil
}
