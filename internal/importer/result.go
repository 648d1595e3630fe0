package importer

import (
	"github.com/sells-group/loan-ingest/internal/model"
)

// resultBuilder accumulates per-row outcomes and counts.
type resultBuilder struct {
	res *model.ImportResult
}

func newResultBuilder(batchID string, dryRun bool) *resultBuilder {
	return &resultBuilder{res: &model.ImportResult{BatchID: batchID, DryRun: dryRun}}
}

func (b *resultBuilder) created(row model.ImportRow, entityID, customerID string, orphan bool, warning string) {
	b.res.Counts.Created++
	b.res.Counts.Success++
	b.add(row, model.RowOutcome{EntityID: entityID, CustomerID: customerID, Orphan: orphan, Warning: warning})
}

func (b *resultBuilder) linked(row model.ImportRow, entityID, customerID string) {
	b.res.Counts.Linked++
	b.res.Counts.Success++
	b.add(row, model.RowOutcome{EntityID: entityID, CustomerID: customerID})
}

func (b *resultBuilder) skipped(row model.ImportRow, reason string) {
	b.res.Counts.Skipped++
	b.add(row, model.RowOutcome{Skipped: true, Warning: reason})
}

func (b *resultBuilder) failed(row model.ImportRow, err error) {
	b.res.Counts.Failed++
	b.res.Errors = append(b.res.Errors, model.RowError{RowIndex: row.RowIndex, Error: err.Error()})
	b.add(row, model.RowOutcome{Error: err.Error()})
}

func (b *resultBuilder) add(row model.ImportRow, o model.RowOutcome) {
	o.RowIndex = row.RowIndex
	o.Kind = row.Data.Kind
	o.Action = row.Action
	if o.Warning != "" && !o.Skipped {
		b.res.Warnings = append(b.res.Warnings, model.RowError{RowIndex: row.RowIndex, Error: o.Warning})
	}
	b.res.Outcomes = append(b.res.Outcomes, o)
}

func (b *resultBuilder) result() *model.ImportResult {
	return b.res
}
