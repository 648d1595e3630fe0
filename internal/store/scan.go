package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/loan-ingest/internal/model"
)

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row, and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanCustomer(row scannable) (*model.Customer, error) {
	var c model.Customer
	var total string
	if err := row.Scan(&c.ID, &c.AgencyID, &c.FullName, &c.Phone, &c.Email, &c.NRC, &c.Address,
		&c.LoanCount, &total, &c.ImportBatchID, &c.CreatedAt); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return nil, eris.Wrapf(err, "parse total_borrowed %q", total)
	}
	c.TotalBorrowed = d
	return &c, nil
}

func scanLoan(row scannable) (*model.Loan, error) {
	var l model.Loan
	var principal, rate string
	if err := row.Scan(&l.ID, &l.AgencyID, &l.CustomerID, &l.BorrowerName, &l.BorrowerRef, &l.BorrowerNRC,
		&principal, &rate, &l.DurationMonths, &l.LoanType, &l.Status, &l.ImportBatchID, &l.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if l.Principal, err = decimal.NewFromString(principal); err != nil {
		return nil, eris.Wrapf(err, "parse principal %q", principal)
	}
	if l.InterestRate, err = decimal.NewFromString(rate); err != nil {
		return nil, eris.Wrapf(err, "parse interest_rate %q", rate)
	}
	return &l, nil
}

func scanQuarantined(row scannable) (*model.QuarantinedRow, error) {
	var r model.QuarantinedRow
	var original, cleaned, reasons []byte
	if err := row.Scan(&r.ID, &r.AgencyID, &r.ImportBatchID, &r.RowIndex, &r.EntityType,
		&original, &cleaned, &r.Confidence, &reasons, &r.Status,
		&r.FixedBy, &r.ReviewedBy, &r.Notes, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(original, &r.OriginalData); err != nil {
		return nil, eris.Wrap(err, "unmarshal original_data")
	}
	if err := json.Unmarshal(cleaned, &r.CleanedData); err != nil {
		return nil, eris.Wrap(err, "unmarshal cleaned_data")
	}
	if err := json.Unmarshal(reasons, &r.Reasons); err != nil {
		return nil, eris.Wrap(err, "unmarshal reasons")
	}
	return &r, nil
}

func scanAuditLog(row scannable) (*model.AuditLog, error) {
	var a model.AuditLog
	var result, errs []byte
	if err := row.Scan(&a.BatchID, &a.AgencyID, &a.UserID, &a.FileName, &a.FileSize,
		&result, &errs, &a.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(result, &a.Result); err != nil {
		return nil, eris.Wrap(err, "unmarshal result")
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &a.Errors); err != nil {
			return nil, eris.Wrap(err, "unmarshal errors")
		}
	}
	return &a, nil
}

// quarantineJSON encodes the JSON columns of a quarantined row.
func quarantineJSON(r *model.QuarantinedRow) (original, cleaned, reasons []byte, err error) {
	if r.OriginalData == nil {
		r.OriginalData = map[string]string{}
	}
	if original, err = json.Marshal(r.OriginalData); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal original_data")
	}
	if cleaned, err = json.Marshal(r.CleanedData); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal cleaned_data")
	}
	if r.Reasons == nil {
		r.Reasons = []string{}
	}
	if reasons, err = json.Marshal(r.Reasons); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal reasons")
	}
	return original, cleaned, reasons, nil
}

func auditJSON(a model.AuditLog) (result, errs []byte, err error) {
	if result, err = json.Marshal(a.Result); err != nil {
		return nil, nil, eris.Wrap(err, "marshal result")
	}
	if a.Errors == nil {
		a.Errors = []model.RowError{}
	}
	if errs, err = json.Marshal(a.Errors); err != nil {
		return nil, nil, eris.Wrap(err, "marshal errors")
	}
	return result, errs, nil
}
