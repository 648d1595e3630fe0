package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loan-ingest/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// backends runs each behavioral test against every Store implementation
// that can run without external services.
func backends(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
}

func TestStore_CustomerCreateAndFind(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c := &model.Customer{AgencyID: "ag1", FullName: "Jane Phiri", Phone: "260971234567", NRC: "123456101"}
		require.NoError(t, st.CreateCustomer(ctx, c))
		assert.NotEmpty(t, c.ID)

		got, err := st.GetCustomer(ctx, "ag1", c.ID)
		require.NoError(t, err)
		assert.Equal(t, "Jane Phiri", got.FullName)
		assert.True(t, got.TotalBorrowed.IsZero())

		byPhone, err := st.FindCustomerByPhone(ctx, "ag1", "260971234567")
		require.NoError(t, err)
		require.NotNil(t, byPhone)
		assert.Equal(t, c.ID, byPhone.ID)

		byNRC, err := st.FindCustomerByNRC(ctx, "ag1", "123456101")
		require.NoError(t, err)
		require.NotNil(t, byNRC)
		assert.Equal(t, c.ID, byNRC.ID)

		other, err := st.FindCustomerByPhone(ctx, "ag2", "260971234567")
		require.NoError(t, err)
		assert.Nil(t, other)

		empty, err := st.FindCustomerByPhone(ctx, "ag1", "")
		require.NoError(t, err)
		assert.Nil(t, empty)
	})
}

func TestStore_GetCustomerNotFound(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		_, err := st.GetCustomer(context.Background(), "ag1", "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_CustomerUniquePerAgency(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.CreateCustomer(ctx, &model.Customer{AgencyID: "ag1", FullName: "A", Phone: "260971234567"}))

		err := st.CreateCustomer(ctx, &model.Customer{AgencyID: "ag1", FullName: "B", Phone: "260971234567"})
		assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

		// Same phone in another agency is allowed.
		require.NoError(t, st.CreateCustomer(ctx, &model.Customer{AgencyID: "ag2", FullName: "B", Phone: "260971234567"}))

		// Empty phone and NRC never collide.
		require.NoError(t, st.CreateCustomer(ctx, &model.Customer{AgencyID: "ag1", FullName: "C"}))
		require.NoError(t, st.CreateCustomer(ctx, &model.Customer{AgencyID: "ag1", FullName: "D"}))

		list, err := st.ListCustomers(ctx, "ag1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"A", "C", "D"}, []string{list[0].FullName, list[1].FullName, list[2].FullName})
	})
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		boom := errors.New("boom")

		err := st.WithTx(ctx, "ag1", func(tx Tx) error {
			require.NoError(t, tx.CreateCustomer(ctx, &model.Customer{AgencyID: "ag1", FullName: "Ghost", Phone: "260970000001"}))
			found, err := tx.FindCustomerByPhone(ctx, "ag1", "260970000001")
			require.NoError(t, err)
			require.NotNil(t, found)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		found, err := st.FindCustomerByPhone(ctx, "ag1", "260970000001")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestStore_WithTxCommits(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		var customerID string
		err := st.WithTx(ctx, "ag1", func(tx Tx) error {
			c := &model.Customer{AgencyID: "ag1", FullName: "Jane", Phone: "260971111111"}
			if err := tx.CreateCustomer(ctx, c); err != nil {
				return err
			}
			customerID = c.ID
			if err := tx.CreateLoan(ctx, &model.Loan{
				AgencyID:   "ag1",
				CustomerID: c.ID,
				Principal:  decimal.RequireFromString("5000.50"),
			}); err != nil {
				return err
			}
			return tx.IncrementCustomerAggregates(ctx, "ag1", c.ID, 1, decimal.RequireFromString("5000.50"))
		})
		require.NoError(t, err)

		c, err := st.GetCustomer(ctx, "ag1", customerID)
		require.NoError(t, err)
		assert.Equal(t, 1, c.LoanCount)
		assert.True(t, decimal.RequireFromString("5000.50").Equal(c.TotalBorrowed), "total %s", c.TotalBorrowed)

		loans, err := st.ListLoansByStatus(ctx, "ag1", model.LoanActive)
		require.NoError(t, err)
		require.Len(t, loans, 1)
		assert.Equal(t, customerID, loans[0].CustomerID)
	})
}

func TestStore_IncrementAggregatesExactDecimal(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		c := &model.Customer{AgencyID: "ag1", FullName: "Jane"}
		require.NoError(t, st.CreateCustomer(ctx, c))
		for range 3 {
			require.NoError(t, st.IncrementCustomerAggregates(ctx, "ag1", c.ID, 1, decimal.RequireFromString("0.1")))
		}
		got, err := st.GetCustomer(ctx, "ag1", c.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.LoanCount)
		assert.Equal(t, "0.3", got.TotalBorrowed.String())

		err = st.IncrementCustomerAggregates(ctx, "ag1", "missing", 1, decimal.NewFromInt(1))
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_AssignOrphanLoan(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		l := &model.Loan{AgencyID: "ag1", BorrowerName: "Jane", Status: model.LoanRequiresMapping}
		require.NoError(t, st.CreateLoan(ctx, l))

		orphans, err := st.ListLoansByStatus(ctx, "ag1", model.LoanRequiresMapping)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.True(t, orphans[0].IsOrphan())

		require.NoError(t, st.AssignLoanCustomer(ctx, "ag1", l.ID, "cust-1"))
		got, err := st.GetLoan(ctx, "ag1", l.ID)
		require.NoError(t, err)
		assert.Equal(t, "cust-1", got.CustomerID)
		assert.Equal(t, model.LoanActive, got.Status)

		err = st.AssignLoanCustomer(ctx, "ag1", l.ID, "cust-2")
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		all, err := st.ListLoansByStatus(ctx, "ag1", "")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_QuarantineLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		rows := []model.QuarantinedRow{
			{
				AgencyID:      "ag1",
				ImportBatchID: "b1",
				RowIndex:      0,
				EntityType:    model.SectionCustomers,
				OriginalData:  map[string]string{"Name": "J"},
				CleanedData:   model.RowData{Kind: model.SectionCustomers, FullName: "J"},
				Confidence:    0.42,
				Reasons:       []string{"Name too short"},
			},
			{AgencyID: "ag1", ImportBatchID: "b1", RowIndex: 1, EntityType: model.SectionCustomers, Confidence: 0.5},
			{AgencyID: "ag1", ImportBatchID: "b2", RowIndex: 0, EntityType: model.SectionLoans, Confidence: 0.5},
		}
		require.NoError(t, st.CreateQuarantined(ctx, rows))
		for _, r := range rows {
			assert.NotEmpty(t, r.ID)
			assert.Equal(t, model.QuarantinePending, r.Status)
		}

		got, err := st.GetQuarantined(ctx, "ag1", rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"Name": "J"}, got.OriginalData)
		assert.Equal(t, "J", got.CleanedData.FullName)
		assert.Equal(t, []string{"Name too short"}, got.Reasons)
		assert.InDelta(t, 0.42, got.Confidence, 1e-9)

		_, err = st.GetQuarantined(ctx, "other", rows[0].ID)
		assert.True(t, errors.Is(err, ErrNotFound))

		batch1, err := st.ListQuarantined(ctx, "ag1", QuarantineFilter{BatchID: "b1"})
		require.NoError(t, err)
		assert.Len(t, batch1, 2)

		paged, err := st.ListQuarantined(ctx, "ag1", QuarantineFilter{BatchID: "b1", Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, 1, paged[0].RowIndex)

		got.Status = model.QuarantineFixed
		got.FixedBy = "reviewer"
		got.CleanedData.FullName = "Jane Phiri"
		require.NoError(t, st.UpdateQuarantined(ctx, got))

		fixed, err := st.ListQuarantined(ctx, "ag1", QuarantineFilter{Status: model.QuarantineFixed})
		require.NoError(t, err)
		require.Len(t, fixed, 1)
		assert.Equal(t, "Jane Phiri", fixed[0].CleanedData.FullName)
		assert.Equal(t, "reviewer", fixed[0].FixedBy)

		require.NoError(t, st.DeleteQuarantined(ctx, "ag1", rows[2].ID))
		err = st.DeleteQuarantined(ctx, "ag1", rows[2].ID)
		assert.True(t, errors.Is(err, ErrNotFound))

		missing := &model.QuarantinedRow{ID: "nope", AgencyID: "ag1"}
		assert.True(t, errors.Is(st.UpdateQuarantined(ctx, missing), ErrNotFound))
	})
}

func TestStore_AuditLogs(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		for i, id := range []string{"b1", "b2"} {
			require.NoError(t, st.WriteAuditLog(ctx, model.AuditLog{
				BatchID:   id,
				AgencyID:  "ag1",
				UserID:    "u1",
				FileName:  "book.csv",
				FileSize:  120,
				Timestamp: base.Add(time.Duration(i) * time.Minute),
				Result:    model.ImportCounts{Success: 3, Failed: 1, Created: 2, Linked: 1},
				Errors:    []model.RowError{{RowIndex: 4, Error: "missing name"}},
			}))
		}

		logs, err := st.ListAuditLogs(ctx, "ag1", 10)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "b2", logs[0].BatchID)
		assert.Equal(t, 3, logs[0].Result.Success)
		assert.Equal(t, []model.RowError{{RowIndex: 4, Error: "missing name"}}, logs[0].Errors)

		none, err := st.ListAuditLogs(ctx, "ag2", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
