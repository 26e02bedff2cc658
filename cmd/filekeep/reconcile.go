package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/filekeep/filekeep/internal/retention"
	"github.com/filekeep/filekeep/pkg/bytesize"
)

var (
	reconcileDir         string
	reconcileMaxAge      time.Duration
	reconcileMaxFiles    int
	reconcileKeepBackups bool
	reconcileDryRun      bool
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply the retention policy to an artifact directory",
		Long: `Reconcile scans the artifact directory, groups files by logical
document, and deletes versions that violate the retention policy.

Examples:
  # Keep one version per document, nothing older than 30 days
  filekeep reconcile --dir /srv/uploads --max-age 720h

  # Keep a fallback version per document, cap the directory at 500 files
  filekeep reconcile --dir /srv/uploads --keep-backups --max-files 500

  # Preview only
  filekeep reconcile --dir /srv/uploads --max-age 720h --dry-run`,
		RunE: runReconcile,
	}

	cmd.Flags().StringVar(&reconcileDir, "dir", "", "artifact directory (required)")
	cmd.Flags().DurationVar(&reconcileMaxAge, "max-age", 0, "purge versions older than this (0 = no limit)")
	cmd.Flags().IntVar(&reconcileMaxFiles, "max-files", 0, "global cap on surviving artifacts (0 = no limit)")
	cmd.Flags().BoolVar(&reconcileKeepBackups, "keep-backups", false, "keep a fallback version per document")
	cmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "compute the plan without deleting")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}

func runReconcile(cmd *cobra.Command, args []string) error {
	setupLogging()

	dir, err := filepath.Abs(reconcileDir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}

	scanner := retention.NewScanner(retention.ScannerConfig{FS: osfs.New("/")})
	policy := retention.Policy{
		MaxAge:      reconcileMaxAge,
		MaxFiles:    reconcileMaxFiles,
		KeepBackups: reconcileKeepBackups,
		DryRun:      reconcileDryRun,
	}

	report, err := scanner.Reconcile(cmd.Context(), dir, policy)
	if err != nil {
		return err
	}

	printReport(report)
	return nil
}

func printReport(report *retention.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if report.DryRun {
		fmt.Fprintln(w, "DRY RUN\t(no files were deleted)")
	}
	fmt.Fprintf(w, "Total files:\t%d\n", report.TotalFiles)
	fmt.Fprintf(w, "Kept:\t%d\n", len(report.Kept))
	fmt.Fprintf(w, "Deleted:\t%d\n", len(report.Deleted))
	if report.FailedDeletes > 0 {
		fmt.Fprintf(w, "Failed deletes:\t%d\n", report.FailedDeletes)
	}
	fmt.Fprintf(w, "Freed:\t%s\n", bytesize.Format(report.FreedBytes))
	for reason, count := range report.ReasonCounts() {
		fmt.Fprintf(w, "  %s:\t%d\n", reason, count)
	}
	_ = w.Flush()
}
