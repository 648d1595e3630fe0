package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/importer"
	"github.com/sells-group/loan-ingest/internal/model"
)

var (
	importFile    string
	importAgency  string
	importUser    string
	importType    string
	importBatchID string
	importDryRun  bool
	importNoAI    bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import customers and loans from a CSV or XLSX file",
	Long:  "Loads a local file or ftp:// URL, cleans and routes each row, holds doubtful rows in quarantine and imports the rest. --dry-run previews the counts without writing.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Stop submitting rows on interrupt; committed rows stay.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		entity := model.EntityType(importType)
		if !entity.Valid() {
			return eris.Errorf("invalid --type %q (want customers, loans or mixed)", importType)
		}

		env, err := initEnv(ctx, "import", importNoAI)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Pipeline.Run(ctx, importer.Input{
			Location:   importFile,
			AgencyID:   importAgency,
			UserID:     importUser,
			EntityType: entity,
			DryRun:     importDryRun,
			BatchID:    importBatchID,
		})
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("batch_id", sum.BatchID),
			zap.String("file", sum.FileName),
			zap.Bool("dry_run", sum.DryRun),
			zap.Int("created", sum.Counts.Created),
			zap.Int("linked", sum.Counts.Linked),
			zap.Int("quarantined", sum.Quarantined),
			zap.Int("failed", sum.Counts.Failed),
		)
		return writeJSON(cmd.OutOrStdout(), sum)
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path or ftp:// URL of the file to import (required)")
	importCmd.Flags().StringVar(&importAgency, "agency", "", "agency id (required)")
	importCmd.Flags().StringVar(&importUser, "user", "", "id of the user running the import")
	importCmd.Flags().StringVar(&importType, "type", string(model.EntityMixed), "entity type: customers, loans or mixed")
	importCmd.Flags().StringVar(&importBatchID, "batch-id", "", "batch id (default generated)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "classify and count without writing")
	importCmd.Flags().BoolVar(&importNoAI, "no-ai", false, "skip LLM cleaning")
	_ = importCmd.MarkFlagRequired("file")
	_ = importCmd.MarkFlagRequired("agency")
	rootCmd.AddCommand(importCmd)
}
