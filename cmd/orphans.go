package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/loan-ingest/internal/orphan"
)

var (
	orphanAgency    string
	orphanDryRun    bool
	orphanThreshold float64
	orphanAutoLink  float64
	orphanLimit     int
)

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "Match loans that have no customer",
}

var orphansMatchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match orphan loans to customers and link confident matches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "orphans", true)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Reconciler.Run(cmd.Context(), orphanAgency, orphanOptions())
		if err != nil {
			return err
		}
		zap.L().Info("orphan match complete",
			zap.Bool("dry_run", report.DryRun),
			zap.Int("orphans", report.Orphans),
			zap.Int("matched", report.Matched),
			zap.Int("linked", report.Linked),
			zap.Int("failed", report.Failed),
		)
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

var orphansCandidatesCmd = &cobra.Command{
	Use:   "candidates LOAN_ID",
	Short: "List ranked customer candidates for an orphan loan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "orphans", true)
		if err != nil {
			return err
		}
		defer env.Close()

		cands, err := env.Reconciler.Candidates(cmd.Context(), orphanAgency, args[0], orphanLimit)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), cands)
	},
}

var orphansLinkCmd = &cobra.Command{
	Use:   "link LOAN_ID CUSTOMER_ID",
	Short: "Assign an orphan loan to a customer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "orphans", true)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Reconciler.Link(cmd.Context(), orphanAgency, args[0], args[1]); err != nil {
			return err
		}
		zap.L().Info("loan linked", zap.String("loan_id", args[0]), zap.String("customer_id", args[1]))
		return nil
	},
}

// orphanOptions merges flags over config; zero flags keep the config value.
func orphanOptions() orphan.Options {
	opts := orphan.Options{
		Threshold:         cfg.Orphan.FuzzyThreshold,
		AutoLinkThreshold: cfg.Orphan.AutoLinkThreshold,
		CandidateLimit:    orphanLimit,
		DryRun:            orphanDryRun,
	}
	if orphanThreshold > 0 {
		opts.Threshold = orphanThreshold
	}
	if orphanAutoLink > 0 {
		opts.AutoLinkThreshold = orphanAutoLink
	}
	return opts
}

func init() {
	orphansCmd.PersistentFlags().StringVar(&orphanAgency, "agency", "", "agency id (required)")
	_ = orphansCmd.MarkPersistentFlagRequired("agency")
	orphansCmd.PersistentFlags().IntVar(&orphanLimit, "limit", 3, "candidates to report per loan")

	orphansMatchCmd.Flags().BoolVar(&orphanDryRun, "dry-run", false, "report matches without linking")
	orphansMatchCmd.Flags().Float64Var(&orphanThreshold, "threshold", 0, "minimum fuzzy name score (default from config)")
	orphansMatchCmd.Flags().Float64Var(&orphanAutoLink, "auto-link", 0, "minimum score to link (default from config)")

	orphansCmd.AddCommand(orphansMatchCmd, orphansCandidatesCmd, orphansLinkCmd)
	rootCmd.AddCommand(orphansCmd)
}
