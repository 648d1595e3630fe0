package importer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/cleaner"
	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/quarantine"
	"github.com/sells-group/loan-ingest/internal/sheet"
	"github.com/sells-group/loan-ingest/internal/store"
)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Load     sheet.LoadOptions
	Executor Options
}

// Pipeline runs one uploaded file from bytes to persisted entities.
type Pipeline struct {
	store   store.Store
	cleaner *cleaner.Cleaner
	policy  quarantine.Policy
	exec    *Executor
	opts    PipelineOptions
}

// NewPipeline creates a Pipeline.
func NewPipeline(st store.Store, cl *cleaner.Cleaner, policy quarantine.Policy, opts PipelineOptions) *Pipeline {
	if opts.Executor.Normalizer == nil {
		opts.Executor.Normalizer = cl.Normalizer()
	}
	return &Pipeline{
		store:   st,
		cleaner: cl,
		policy:  policy,
		exec:    NewExecutor(st, opts.Executor),
		opts:    opts,
	}
}

// Executor returns the executor the pipeline hands rows to.
func (p *Pipeline) Executor() *Executor { return p.exec }

// Input names the file to import and who is importing it.
type Input struct {
	// Location is a local path or an ftp:// URL.
	Location   string
	AgencyID   string
	UserID     string
	EntityType model.EntityType
	DryRun     bool
	// BatchID overrides the generated batch id.
	BatchID string
}

// SectionSummary reports how one section of the file was routed.
type SectionSummary struct {
	Name        string            `json:"name"`
	Type        model.SectionType `json:"type"`
	Rows        int               `json:"rows"`
	Dropped     int               `json:"dropped"`
	Ready       int               `json:"ready"`
	NeedsReview int               `json:"needs_review"`
	Quarantined int               `json:"quarantined"`
}

// Summary is the outcome of one pipeline run.
type Summary struct {
	BatchID     string                 `json:"batch_id"`
	FileName    string                 `json:"file_name"`
	DryRun      bool                   `json:"dry_run"`
	Cancelled   bool                   `json:"cancelled,omitempty"`
	Counts      model.ImportCounts     `json:"counts"`
	Ready       int                    `json:"ready"`
	NeedsReview int                    `json:"needs_review"`
	Quarantined int                    `json:"quarantined"`
	Sections    []SectionSummary       `json:"sections"`
	Errors      []model.RowError       `json:"errors,omitempty"`
	Warnings    []model.RowError       `json:"warnings,omitempty"`
	Duration    time.Duration          `json:"duration"`
	Result      *model.ImportResult    `json:"-"`
	Quarantine  []model.QuarantinedRow `json:"-"`
}

// Run imports one file. Only an unreadable file or an invalid input fails the
// run; row problems are reported in the Summary.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Summary, error) {
	start := time.Now()
	if in.AgencyID == "" {
		return nil, eris.Wrap(ErrValidation, "importer: agency id required")
	}
	if !in.EntityType.Valid() {
		return nil, eris.Wrapf(ErrValidation, "importer: entity type %q", in.EntityType)
	}

	batch := model.ImportBatch{
		ID:         in.BatchID,
		AgencyID:   in.AgencyID,
		UserID:     in.UserID,
		EntityType: in.EntityType,
		DryRun:     in.DryRun,
		StartedAt:  start.UTC(),
	}
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("batch_id", batch.ID),
		zap.String("agency_id", batch.AgencyID),
	)

	doc, err := sheet.Load(ctx, in.Location, p.opts.Load)
	if err != nil {
		return nil, eris.Wrap(err, "importer: load")
	}
	batch.FileName, batch.FileSize = doc.Name, doc.Size

	sections, err := sheet.Sections(doc)
	if err != nil {
		return nil, eris.Wrap(err, "importer: split")
	}
	log.Info("pipeline: file loaded",
		zap.String("file", doc.Name),
		zap.Int64("bytes", doc.Size),
		zap.Int("sections", len(sections)),
	)

	sum := &Summary{BatchID: batch.ID, FileName: doc.Name, DryRun: in.DryRun}
	rows, held := p.route(ctx, batch, sections, sum, log)

	if len(held) > 0 && !in.DryRun {
		if err := p.store.CreateQuarantined(ctx, held); err != nil {
			// The rows are neither imported nor held; report them as failures.
			log.Error("pipeline: quarantine write failed", zap.Int("rows", len(held)), zap.Error(err))
			for _, q := range held {
				sum.Errors = append(sum.Errors, model.RowError{
					RowIndex: q.RowIndex,
					Error:    eris.Wrap(err, "quarantine row").Error(),
				})
				sum.Counts.Failed++
			}
			held = nil
		}
	}
	sum.Quarantine = held

	res, err := p.exec.Execute(ctx, batch, rows, in.EntityType)
	if err != nil {
		return nil, err
	}
	sum.Result = res
	sum.Cancelled = res.Cancelled
	sum.Counts.Success += res.Counts.Success
	sum.Counts.Failed += res.Counts.Failed
	sum.Counts.Skipped += res.Counts.Skipped
	sum.Counts.Created += res.Counts.Created
	sum.Counts.Linked += res.Counts.Linked
	sum.Errors = append(sum.Errors, res.Errors...)
	sum.Warnings = append(sum.Warnings, res.Warnings...)
	sum.Duration = time.Since(start)

	log.Info("pipeline: complete",
		zap.Bool("dry_run", in.DryRun),
		zap.Int("ready", sum.Ready),
		zap.Int("needs_review", sum.NeedsReview),
		zap.Int("quarantined", sum.Quarantined),
		zap.Int("created", sum.Counts.Created),
		zap.Int("failed", sum.Counts.Failed),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// route cleans and classifies every row. Row indexes run across the whole
// file so they stay unique within the batch.
func (p *Pipeline) route(ctx context.Context, batch model.ImportBatch, sections []model.FileSection, sum *Summary, log *zap.Logger) ([]model.ImportRow, []model.QuarantinedRow) {
	norm := p.cleaner.Normalizer()

	var rows []model.ImportRow
	var held []model.QuarantinedRow
	next := 0

	for _, sec := range sections {
		ss := SectionSummary{Name: sec.Name, Type: sec.Type, Rows: len(sec.Rows), Dropped: len(sec.Dropped)}
		for _, d := range sec.Dropped {
			log.Debug("pipeline: dropped short row",
				zap.String("section", sec.Name),
				zap.Int("line", d.Line),
				zap.Int("fields", len(d.Fields)),
			)
		}

		if !sec.Type.Importable() {
			// Passed through so the executor rejects each row with a reason.
			for _, raw := range sec.Rows {
				rows = append(rows, model.ImportRow{
					RowIndex: next,
					Data:     model.RowData{Kind: sec.Type, Extra: raw.Literal()},
					Status:   model.RowReady,
					Action:   model.ActionCreate,
				})
				next++
			}
			log.Warn("pipeline: section not importable",
				zap.String("section", sec.Name),
				zap.String("type", string(sec.Type)),
				zap.Int("rows", len(sec.Rows)),
			)
			sum.Sections = append(sum.Sections, ss)
			continue
		}

		policy := p.policy.ForSection(sec.Type)
		records := p.cleaner.CleanAll(ctx, sec.Rows)
		for _, rec := range records {
			idx := next
			next++

			decision := quarantine.Route(rec, policy)
			data := norm.RowData(rec, sec.Type)

			if decision.ShouldQuarantine {
				held = append(held, model.QuarantinedRow{
					AgencyID:      batch.AgencyID,
					ImportBatchID: batch.ID,
					RowIndex:      idx,
					EntityType:    sec.Type,
					OriginalData:  rec.Source.Literal(),
					CleanedData:   data,
					Confidence:    rec.Confidence,
					Reasons:       decision.Reasons,
					Status:        model.QuarantinePending,
				})
				ss.Quarantined++
				continue
			}

			row := model.ImportRow{
				RowIndex:   idx,
				Data:       data,
				Status:     decision.Status,
				Action:     model.ActionCreate,
				CustomerID: norm.CustomerID(rec.Source),
			}
			if row.CustomerID != "" && sec.Type == model.SectionCustomers {
				row.Action = model.ActionLink
			}
			if decision.Status == model.RowNeedsReview {
				ss.NeedsReview++
			} else {
				ss.Ready++
			}
			rows = append(rows, row)
		}

		sum.Ready += ss.Ready
		sum.NeedsReview += ss.NeedsReview
		sum.Quarantined += ss.Quarantined
		sum.Sections = append(sum.Sections, ss)
	}
	return rows, held
}
