package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/model"
	"github.com/sells-group/loan-ingest/internal/store"
)

var (
	qAgency  string
	qUser    string
	qNotes   string
	qStatus  string
	qBatchID string
	qLimit   int
	qOffset  int
	qData    string
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Review quarantined rows",
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined rows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "quarantine", true)
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.Quarantine.List(cmd.Context(), qAgency, store.QuarantineFilter{
			Status:  model.QuarantineStatus(qStatus),
			BatchID: qBatchID,
			Limit:   qLimit,
			Offset:  qOffset,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), rows)
	},
}

var quarantineFixCmd = &cobra.Command{
	Use:   "fix ID",
	Short: "Replace a row's cleaned data with corrected values",
	Long:  "Reads the corrected row as JSON from --data (a file path, or - for stdin).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleaned, err := readRowData(cmd, qData)
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "quarantine", true)
		if err != nil {
			return err
		}
		defer env.Close()

		row, err := env.Quarantine.Fix(cmd.Context(), qAgency, args[0], cleaned, qUser, qNotes)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), row)
	},
}

var quarantineApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a row for import",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "quarantine", true)
		if err != nil {
			return err
		}
		defer env.Close()

		row, err := env.Quarantine.Approve(cmd.Context(), qAgency, args[0], qUser)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), row)
	},
}

var quarantineRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a row; it is kept for audit and never imported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "quarantine", true)
		if err != nil {
			return err
		}
		defer env.Close()

		row, err := env.Quarantine.Reject(cmd.Context(), qAgency, args[0], qUser, qNotes)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), row)
	},
}

var quarantineReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Import approved rows and remove them from quarantine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "quarantine", true)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Quarantine.ImportApproved(cmd.Context(), qAgency, qBatchID, qUser, env.Pipeline.Executor())
		if err != nil {
			return err
		}
		zap.L().Info("quarantine release complete",
			zap.String("batch_id", sum.BatchID),
			zap.Int("attempted", sum.Attempted),
			zap.Int("imported", sum.Imported),
			zap.Int("failed", len(sum.Failed)),
		)
		return writeJSON(cmd.OutOrStdout(), sum)
	},
}

func readRowData(cmd *cobra.Command, path string) (model.RowData, error) {
	var d model.RowData
	if path == "" {
		return d, eris.New("--data is required")
	}

	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return d, eris.Wrap(err, "read row data")
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, eris.Wrap(err, "parse row data")
	}
	return d, nil
}

func init() {
	quarantineCmd.PersistentFlags().StringVar(&qAgency, "agency", "", "agency id (required)")
	quarantineCmd.PersistentFlags().StringVar(&qUser, "user", "", "reviewer id")
	_ = quarantineCmd.MarkPersistentFlagRequired("agency")

	quarantineListCmd.Flags().StringVar(&qStatus, "status", "", "filter by status: pending, fixed, approved or rejected")
	quarantineListCmd.Flags().StringVar(&qBatchID, "batch-id", "", "filter by import batch")
	quarantineListCmd.Flags().IntVar(&qLimit, "limit", 100, "maximum rows to return")
	quarantineListCmd.Flags().IntVar(&qOffset, "offset", 0, "rows to skip")

	quarantineFixCmd.Flags().StringVar(&qData, "data", "", "JSON file with the corrected row, or - for stdin")
	quarantineFixCmd.Flags().StringVar(&qNotes, "notes", "", "reviewer notes")
	quarantineRejectCmd.Flags().StringVar(&qNotes, "notes", "", "reviewer notes")

	quarantineReleaseCmd.Flags().StringVar(&qBatchID, "batch-id", "", "only release rows of this batch")

	quarantineCmd.AddCommand(quarantineListCmd, quarantineFixCmd, quarantineApproveCmd, quarantineRejectCmd, quarantineReleaseCmd)
	rootCmd.AddCommand(quarantineCmd)
}
