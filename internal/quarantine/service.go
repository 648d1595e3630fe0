package quarantine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/normalize"
	"github.com/sells-group/loan-ingest/internal/store"
)

// Importer executes import rows. It is satisfied by *importer.Executor.
type Importer interface {
	Execute(ctx context.Context, batch model.ImportBatch, rows []model.ImportRow, entity model.EntityType) (*model.ImportResult, error)
}

// releasePageSize bounds each ListQuarantined call while collecting approved
// rows.
const releasePageSize = 500

// Service is the review workflow over quarantined rows.
type Service struct {
	store store.QuarantineStore
	norm  *normalize.Normalizer
	log   *zap.Logger
}

// NewService creates a Service. Reviewer edits are canonicalized with norm;
// nil uses the default normalizer.
func NewService(st store.QuarantineStore, norm *normalize.Normalizer) *Service {
	if norm == nil {
		norm = normalize.New(nil, normalize.Options{})
	}
	return &Service{
		store: st,
		norm:  norm,
		log:   zap.L().With(zap.String("component", "quarantine")),
	}
}

// List returns quarantined rows matching filter.
func (s *Service) List(ctx context.Context, agencyID string, filter store.QuarantineFilter) ([]model.QuarantinedRow, error) {
	rows, err := s.store.ListQuarantined(ctx, agencyID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "quarantine: list")
	}
	return rows, nil
}

// Get returns one quarantined row.
func (s *Service) Get(ctx context.Context, agencyID, id string) (*model.QuarantinedRow, error) {
	row, err := s.store.GetQuarantined(ctx, agencyID, id)
	if err != nil {
		return nil, eris.Wrapf(err, "quarantine: get %s", id)
	}
	return row, nil
}

// Fix replaces the row's cleaned data with a reviewer's edit, canonicalized
// the same way as imported rows. The row stays reviewable until approved or
// rejected.
func (s *Service) Fix(ctx context.Context, agencyID, id string, cleaned model.RowData, user, notes string) (*model.QuarantinedRow, error) {
	cleaned, err := s.norm.Canonicalize(cleaned)
	if err != nil {
		return nil, eris.Wrapf(err, "quarantine: fix %s", id)
	}
	return s.update(ctx, agencyID, id, model.QuarantineFixed, func(row *model.QuarantinedRow) {
		if cleaned.Kind == "" {
			cleaned.Kind = row.CleanedData.Kind
		}
		row.CleanedData = cleaned
		row.FixedBy = user
		if notes != "" {
			row.Notes = notes
		}
	})
}

// Approve marks the row for import.
func (s *Service) Approve(ctx context.Context, agencyID, id, user string) (*model.QuarantinedRow, error) {
	return s.update(ctx, agencyID, id, model.QuarantineApproved, func(row *model.QuarantinedRow) {
		row.ReviewedBy = user
	})
}

// Reject marks the row as never to be imported. It is kept for audit.
func (s *Service) Reject(ctx context.Context, agencyID, id, user, notes string) (*model.QuarantinedRow, error) {
	return s.update(ctx, agencyID, id, model.QuarantineRejected, func(row *model.QuarantinedRow) {
		row.ReviewedBy = user
		if notes != "" {
			row.Notes = notes
		}
	})
}

func (s *Service) update(ctx context.Context, agencyID, id string, to model.QuarantineStatus, apply func(*model.QuarantinedRow)) (*model.QuarantinedRow, error) {
	row, err := s.store.GetQuarantined(ctx, agencyID, id)
	if err != nil {
		return nil, eris.Wrapf(err, "quarantine: get %s", id)
	}
	if err := Transition(row.Status, to); err != nil {
		return nil, err
	}

	apply(row)
	row.Status = to
	if err := s.store.UpdateQuarantined(ctx, row); err != nil {
		return nil, eris.Wrapf(err, "quarantine: update %s", id)
	}

	s.log.Info("quarantine: status changed",
		zap.String("agency_id", agencyID),
		zap.String("id", id),
		zap.String("status", string(to)),
	)
	return row, nil
}

// ReleaseSummary reports an ImportApproved run.
type ReleaseSummary struct {
	BatchID   string           `json:"batch_id"`
	Attempted int              `json:"attempted"`
	Imported  int              `json:"imported"`
	Failed    []ReleaseFailure `json:"failed,omitempty"`
}

// ReleaseFailure is an approved row the executor could not import. It stays
// in quarantine with status approved.
type ReleaseFailure struct {
	ID       string `json:"id"`
	RowIndex int    `json:"row_index"`
	Error    string `json:"error"`
}

// ImportApproved hands approved rows (of batchID, or of every batch when
// batchID is empty) to exec and deletes each row it imported.
func (s *Service) ImportApproved(ctx context.Context, agencyID, batchID, userID string, exec Importer) (*ReleaseSummary, error) {
	approved, err := s.listAll(ctx, agencyID, store.QuarantineFilter{
		Status:  model.QuarantineApproved,
		BatchID: batchID,
	})
	if err != nil {
		return nil, err
	}

	summary := &ReleaseSummary{BatchID: batchID, Attempted: len(approved)}
	if len(approved) == 0 {
		return summary, nil
	}

	// Rows from different sections share source indexes, so the executor
	// sees positions in approved instead.
	rows := make([]model.ImportRow, len(approved))
	for i, q := range approved {
		rows[i] = model.ImportRow{
			RowIndex: i,
			Data:     q.CleanedData,
			Status:   model.RowReady,
			Action:   model.ActionCreate,
		}
		if rows[i].Data.Kind == "" {
			rows[i].Data.Kind = q.EntityType
		}
	}

	releaseID := batchID
	if releaseID == "" {
		releaseID = "release-" + uuid.New().String()
	}
	batch := model.ImportBatch{
		ID:         releaseID,
		AgencyID:   agencyID,
		UserID:     userID,
		FileName:   "quarantine release",
		EntityType: model.EntityMixed,
		StartedAt:  time.Now().UTC(),
	}

	result, err := exec.Execute(ctx, batch, rows, model.EntityMixed)
	if err != nil {
		return nil, eris.Wrap(err, "quarantine: import approved")
	}

	for i, q := range approved {
		outcome, ok := result.Outcome(i)
		if !ok {
			summary.Failed = append(summary.Failed, ReleaseFailure{ID: q.ID, RowIndex: q.RowIndex, Error: "not processed"})
			continue
		}
		if !outcome.Succeeded() {
			msg := outcome.Error
			if msg == "" {
				msg = "skipped"
			}
			summary.Failed = append(summary.Failed, ReleaseFailure{ID: q.ID, RowIndex: q.RowIndex, Error: msg})
			continue
		}
		if result.DryRun {
			summary.Imported++
			continue
		}
		if err := s.store.DeleteQuarantined(ctx, agencyID, q.ID); err != nil {
			s.log.Error("quarantine: delete imported row",
				zap.String("id", q.ID),
				zap.Error(err),
			)
		}
		summary.Imported++
	}

	s.log.Info("quarantine: released approved rows",
		zap.String("agency_id", agencyID),
		zap.String("batch_id", batchID),
		zap.Int("attempted", summary.Attempted),
		zap.Int("imported", summary.Imported),
		zap.Int("failed", len(summary.Failed)),
	)
	return summary, nil
}

func (s *Service) listAll(ctx context.Context, agencyID string, filter store.QuarantineFilter) ([]model.QuarantinedRow, error) {
	var all []model.QuarantinedRow
	filter.Limit = releasePageSize
	for {
		page, err := s.store.ListQuarantined(ctx, agencyID, filter)
		if err != nil {
			return nil, eris.Wrap(err, "quarantine: list approved")
		}
		all = append(all, page...)
		if len(page) < releasePageSize {
			return all, nil
		}
		filter.Offset += len(page)
	}
}
