package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/store"
)

const testAgency = "agency-1"

func testBatch(dryRun bool) model.ImportBatch {
	return model.ImportBatch{
		ID:       "batch-1",
		AgencyID: testAgency,
		UserID:   "user-1",
		FileName: "book.csv",
		FileSize: 128,
		DryRun:   dryRun,
	}
}

func testExecutor(st store.Store) *Executor {
	return NewExecutor(st, Options{RetryBackoff: time.Millisecond})
}

func customerRow(idx int, name, phone, nrc string) model.ImportRow {
	return model.ImportRow{
		RowIndex: idx,
		Data: model.RowData{
			Kind:     model.SectionCustomers,
			FullName: name,
			Phone:    phone,
			NRC:      nrc,
		},
		Status: model.RowReady,
		Action: model.ActionCreate,
	}
}

func loanRow(idx int, name, phone, principal string) model.ImportRow {
	return model.ImportRow{
		RowIndex: idx,
		Data: model.RowData{
			Kind:         model.SectionLoans,
			FullName:     name,
			Phone:        phone,
			Principal:    principal,
			InterestRate: "15%",
			Duration:     "6 months",
		},
		Status: model.RowReady,
		Action: model.ActionCreate,
	}
}

func TestExecute_CreatesCustomers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", "123456101"),
		customerRow(1, "John Banda", "+260977654321", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)

	assert.Equal(t, model.ImportCounts{Success: 2, Created: 2}, res.Counts)
	assert.Empty(t, res.Errors)

	customers, err := st.ListCustomers(ctx, testAgency)
	require.NoError(t, err)
	require.Len(t, customers, 2)
	for _, c := range customers {
		assert.NotEmpty(t, c.ID)
		assert.Zero(t, c.LoanCount)
		assert.True(t, c.TotalBorrowed.IsZero())
		assert.Equal(t, "batch-1", c.ImportBatchID)
	}

	o, ok := res.Outcome(0)
	require.True(t, ok)
	assert.True(t, o.Succeeded())
	assert.NotEmpty(t, o.EntityID)
}

func TestExecute_DuplicatePhoneFailsRowOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
		customerRow(1, "M. Beleshi", "+260971234567", ""),
		customerRow(2, "John Banda", "+260977654321", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Counts.Created)
	assert.Equal(t, 1, res.Counts.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].RowIndex)
	assert.Contains(t, res.Errors[0].Error, "duplicate customer")

	customers, err := st.ListCustomers(ctx, testAgency)
	require.NoError(t, err)
	assert.Len(t, customers, 2)
}

func TestExecute_DuplicateNRCAgainstExisting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateCustomer(ctx, &model.Customer{
		AgencyID: testAgency,
		FullName: "Existing",
		NRC:      "123456101",
	}))

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Someone Else", "+260955000000", "123456101"),
	}, model.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Failed)
	assert.Contains(t, res.Errors[0].Error, "nrc 123456101")
}

func TestExecute_LocalFormatPhoneMatchesExisting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateCustomer(ctx, &model.Customer{
		AgencyID: testAgency,
		FullName: "John Banda",
		Phone:    "+260976543210",
	}))

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "john banda", "097-654-3210", ""),
		customerRow(1, "Jane Phiri", "not a phone", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Counts.Created)
	assert.Equal(t, 2, res.Counts.Failed)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0].Error, "phone +260976543210")
	assert.Contains(t, res.Errors[1].Error, "invalid field")

	customers, err := st.ListCustomers(ctx, testAgency)
	require.NoError(t, err)
	assert.Len(t, customers, 1)
}

func TestExecute_ConcurrentSamePhoneCreatesOnce(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(*testing.T) store.Store { return store.NewMemory() },
		"sqlite": func(t *testing.T) store.Store {
			st, err := store.NewSQLite(filepath.Join(t.TempDir(), "import.db"))
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() }) //nolint:errcheck
			require.NoError(t, st.Migrate(context.Background()))
			return st
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			exec := testExecutor(st)

			const workers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
				failed  int
			)
			for i := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					batch := testBatch(false)
					batch.ID = fmt.Sprintf("batch-%d", i)
					res, err := exec.Execute(ctx, batch, []model.ImportRow{
						customerRow(0, "Masheda Beleshi", "0971234567", ""),
					}, model.EntityCustomers)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					created += res.Counts.Created
					failed += res.Counts.Failed
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, created)
			assert.Equal(t, workers-1, failed)

			customers, err := st.ListCustomers(ctx, testAgency)
			require.NoError(t, err)
			require.Len(t, customers, 1)
			assert.Equal(t, "+260971234567", customers[0].Phone)
		})
	}
}

func TestExecute_SameNumberOtherAgencyAllowed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateCustomer(ctx, &model.Customer{
		AgencyID: "agency-2",
		FullName: "Other Agency",
		Phone:    "+260971234567",
	}))

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Created)
}

func TestExecute_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	rows := []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
		customerRow(1, "Masheda Again", "+260971234567", ""),
		loanRow(2, "Masheda Beleshi", "+260971234567", "5000"),
		loanRow(3, "Nobody", "", "100"),
	}

	live := store.NewMemory()
	want, err := testExecutor(live).Execute(ctx, testBatch(false), rows, model.EntityMixed)
	require.NoError(t, err)

	dry := store.NewMemory()
	got, err := testExecutor(dry).Execute(ctx, testBatch(true), rows, model.EntityMixed)
	require.NoError(t, err)

	assert.True(t, got.DryRun)
	assert.Equal(t, want.Counts, got.Counts)
	assert.Equal(t, len(want.Errors), len(got.Errors))
	assert.Equal(t, len(want.Warnings), len(got.Warnings))

	customers, err := dry.ListCustomers(ctx, testAgency)
	require.NoError(t, err)
	assert.Empty(t, customers)
	loans, err := dry.ListLoansByStatus(ctx, testAgency, "")
	require.NoError(t, err)
	assert.Empty(t, loans)
	logs, err := dry.ListAuditLogs(ctx, testAgency, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestExecute_LinkRequiresCustomerID(t *testing.T) {
	row := customerRow(0, "Masheda Beleshi", "+260971234567", "")
	row.Action = model.ActionLink

	res, err := testExecutor(store.NewMemory()).Execute(context.Background(), testBatch(false), []model.ImportRow{row}, model.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Failed)
	assert.Contains(t, res.Errors[0].Error, "customer id required for link action")
}

func TestExecute_LinkExistingCustomer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := &model.Customer{AgencyID: testAgency, FullName: "Masheda Beleshi", Phone: "+260971234567"}
	require.NoError(t, st.CreateCustomer(ctx, c))

	link := customerRow(0, "Masheda Beleshi", "+260971234567", "")
	link.Action = model.ActionLink
	link.CustomerID = c.ID
	missing := customerRow(1, "Ghost", "", "")
	missing.Action = model.ActionLink
	missing.CustomerID = "does-not-exist"

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{link, missing}, model.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Linked)
	assert.Equal(t, 1, res.Counts.Failed)
	assert.Equal(t, 1, res.Errors[0].RowIndex)
	assert.Contains(t, res.Errors[0].Error, "customer does-not-exist not found")

	o, _ := res.Outcome(0)
	assert.Equal(t, c.ID, o.CustomerID)
}

func TestExecute_LoanReferencesCustomerCreatedEarlier(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// Loan first in input; customers still run first.
	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		loanRow(0, "Masheda Beleshi", "+260971234567", "K5,000.00"),
		customerRow(1, "Masheda Beleshi", "+260971234567", ""),
		loanRow(2, "Masheda Beleshi", "+260971234567", "2500.50"),
	}, model.EntityMixed)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Counts.Created)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, model.SectionCustomers, res.Outcomes[0].Kind)
	assert.Equal(t, 1, res.Outcomes[0].RowIndex)

	c, err := st.FindCustomerByPhone(ctx, testAgency, "+260971234567")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 2, c.LoanCount)
	assert.True(t, c.TotalBorrowed.Equal(decimal.RequireFromString("7500.50")), c.TotalBorrowed.String())

	loans, err := st.ListLoansByStatus(ctx, testAgency, model.LoanActive)
	require.NoError(t, err)
	require.Len(t, loans, 2)
	assert.Equal(t, c.ID, loans[0].CustomerID)
	assert.True(t, loans[0].InterestRate.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, 6, loans[0].DurationMonths)
}

func TestExecute_OrphanLoan(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		loanRow(0, "Unknown Borrower", "+260955111222", "1200"),
	}, model.EntityLoans)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Counts.Created)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnOrphanLoan, res.Warnings[0].Error)
	o, _ := res.Outcome(0)
	assert.True(t, o.Orphan)
	assert.Empty(t, o.CustomerID)

	orphans, err := st.ListLoansByStatus(ctx, testAgency, model.LoanRequiresMapping)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Empty(t, orphans[0].CustomerID)
	assert.Equal(t, "Unknown Borrower", orphans[0].BorrowerName)

	customers, err := st.ListCustomers(ctx, testAgency)
	require.NoError(t, err)
	assert.Empty(t, customers, "loans import must not create customers")
}

func TestExecute_MixedCreatesCustomerFromLoanRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		loanRow(0, "Jane Phiri", "+260966000111", "800"),
	}, model.EntityMixed)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Created)

	c, err := st.FindCustomerByPhone(ctx, testAgency, "+260966000111")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Jane Phiri", c.FullName)
	assert.Equal(t, 1, c.LoanCount)

	o, _ := res.Outcome(0)
	assert.Equal(t, c.ID, o.CustomerID)
	assert.False(t, o.Orphan)
}

func TestExecute_LoanValidation(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		want      string
	}{
		{"missing", "", "principal required"},
		{"garbage", "n/a", "no amount"},
		{"zero", "0", "must be positive"},
		{"negative", "-10", "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := testExecutor(store.NewMemory()).Execute(context.Background(), testBatch(false), []model.ImportRow{
				loanRow(0, "Jane Phiri", "", tt.principal),
			}, model.EntityLoans)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Counts.Failed)
			assert.Contains(t, res.Errors[0].Error, tt.want)
		})
	}
}

func TestExecute_StatusAndActionHandling(t *testing.T) {
	invalid := customerRow(0, "A", "", "")
	invalid.Status = model.RowInvalid
	invalid.Errors = []string{"bad phone", "bad name"}

	held := customerRow(1, "Held Row", "+260971234567", "")
	held.Status = model.RowQuarantined

	skip := customerRow(2, "Skip Me", "+260977654321", "")
	skip.Action = model.ActionSkip

	review := customerRow(3, "Needs Review", "+260955000001", "")
	review.Status = model.RowNeedsReview

	res, err := testExecutor(store.NewMemory()).Execute(context.Background(), testBatch(false),
		[]model.ImportRow{invalid, held, skip, review}, model.EntityCustomers)
	require.NoError(t, err)

	assert.Equal(t, model.ImportCounts{Success: 1, Created: 1, Failed: 1, Skipped: 2}, res.Counts)
	assert.Contains(t, res.Errors[0].Error, "bad phone; bad name")
}

func TestExecute_RejectsUnimportableAndMismatchedRows(t *testing.T) {
	branch := model.ImportRow{
		RowIndex: 0,
		Data:     model.RowData{Kind: model.SectionBranches, Extra: map[string]string{"Branch": "Main"}},
		Status:   model.RowReady,
		Action:   model.ActionCreate,
	}
	loan := loanRow(1, "Jane Phiri", "", "100")

	res, err := testExecutor(store.NewMemory()).Execute(context.Background(), testBatch(false),
		[]model.ImportRow{branch, loan}, model.EntityCustomers)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Counts.Failed)
	byRow := map[int]string{}
	for _, e := range res.Errors {
		byRow[e.RowIndex] = e.Error
	}
	assert.Contains(t, byRow[0], `unsupported section type "branches"`)
	assert.Contains(t, byRow[1], "loans row in customers import")
}

func TestExecute_InvalidEntityType(t *testing.T) {
	_, err := testExecutor(store.NewMemory()).Execute(context.Background(), testBatch(false), nil, "branches")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestExecute_CancelledSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := store.NewMemory()

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
		customerRow(1, "John Banda", "+260977654321", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 2, res.Counts.Skipped)

	logs, err := st.ListAuditLogs(context.Background(), testAgency, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestExecute_WritesAuditLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	_, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
		customerRow(1, "Dup", "+260971234567", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)

	logs, err := st.ListAuditLogs(ctx, testAgency, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "batch-1", logs[0].BatchID)
	assert.Equal(t, "user-1", logs[0].UserID)
	assert.Equal(t, "book.csv", logs[0].FileName)
	assert.Equal(t, int64(128), logs[0].FileSize)
	assert.Equal(t, 1, logs[0].Result.Created)
	require.Len(t, logs[0].Errors, 1)
	assert.Equal(t, 1, logs[0].Errors[0].RowIndex)
}

type failingAuditStore struct {
	*store.MemoryStore
}

func (failingAuditStore) WriteAuditLog(context.Context, model.AuditLog) error {
	return eris.New("audit table unavailable")
}

func TestExecute_AuditFailureDoesNotFailImport(t *testing.T) {
	ctx := context.Background()
	st := failingAuditStore{store.NewMemory()}

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Created)

	customers, err := st.ListCustomers(ctx, testAgency)
	require.NoError(t, err)
	assert.Len(t, customers, 1)
}

type conflictStore struct {
	*store.MemoryStore
	failures int
	calls    int
}

func (s *conflictStore) WithTx(ctx context.Context, agencyID string, fn func(tx store.Tx) error) error {
	s.calls++
	if s.calls <= s.failures {
		return eris.Wrap(store.ErrConflict, "could not serialize access")
	}
	return s.MemoryStore.WithTx(ctx, agencyID, fn)
}

func TestExecute_RetriesConflictOnce(t *testing.T) {
	ctx := context.Background()
	st := &conflictStore{MemoryStore: store.NewMemory(), failures: 1}

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counts.Created)
	assert.Equal(t, 2, st.calls)
}

func TestExecute_PersistentConflictFailsRow(t *testing.T) {
	ctx := context.Background()
	st := &conflictStore{MemoryStore: store.NewMemory(), failures: 10}

	res, err := testExecutor(st).Execute(ctx, testBatch(false), []model.ImportRow{
		customerRow(0, "Masheda Beleshi", "+260971234567", ""),
		customerRow(1, "John Banda", "+260977654321", ""),
	}, model.EntityCustomers)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Failed)
	assert.Equal(t, 4, st.calls)
	assert.Contains(t, res.Errors[0].Error, "transaction conflict")
}

func TestOrderRows(t *testing.T) {
	branch := model.ImportRow{RowIndex: 0, Data: model.RowData{Kind: model.SectionBranches}}
	rows := []model.ImportRow{
		branch,
		loanRow(1, "", "", "1"),
		customerRow(2, "", "", ""),
		loanRow(3, "", "", "1"),
		customerRow(4, "", "", ""),
	}
	var got []int
	for _, r := range orderRows(rows) {
		got = append(got, r.RowIndex)
	}
	assert.Equal(t, []int{2, 4, 1, 3, 0}, got)
	assert.Equal(t, 0, rows[0].RowIndex, "input must not be reordered in place")
}
