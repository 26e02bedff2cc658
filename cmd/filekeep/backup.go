package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/filekeep/filekeep/internal/backup"
	"github.com/filekeep/filekeep/internal/metrics"
	"github.com/filekeep/filekeep/pkg/bytesize"
)

var (
	backupStoreDir     string
	backupMaxPerFile   int
	backupMaxAge       time.Duration
	backupMaxTotalSize string
	backupMeta         []string
	restoreTarget      string
)

func newBackupCmd() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage pre-overwrite backups",
		Long: `Manage the backup store holding pre-overwrite snapshots.

Examples:
  # Snapshot a file before overwriting it
  filekeep backup create /srv/uploads/1700000000000_model_v2.xlsx --meta user=admin

  # List all valid backups
  filekeep backup list --store /srv/uploads/backups

  # Restore to the original location
  filekeep backup restore 1700000000123_backup_model_v2.xlsx

  # Prune the whole store by age and per-file count
  filekeep backup sweep --store /srv/uploads/backups --max-per-file 10 --max-age 720h`,
	}

	backupCmd.PersistentFlags().StringVar(&backupStoreDir, "store", "", "backup store directory (default: <file dir>/backups)")
	backupCmd.PersistentFlags().IntVar(&backupMaxPerFile, "max-per-file", 10, "backups kept per original file (0 = no limit)")
	backupCmd.PersistentFlags().DurationVar(&backupMaxAge, "max-age", 30*24*time.Hour, "purge backups older than this (0 = no limit)")
	backupCmd.PersistentFlags().StringVar(&backupMaxTotalSize, "max-total-size", "", "store-wide size budget, e.g. 1GB (empty = no limit)")

	createCmd := &cobra.Command{
		Use:   "create <path>",
		Short: "Snapshot a file into the backup store",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupCreate,
	}
	createCmd.Flags().StringArrayVar(&backupMeta, "meta", nil, "metadata key=value (repeatable)")
	backupCmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List valid backups, newest first",
		RunE:    runBackupList,
	}
	backupCmd.AddCommand(listCmd)

	restoreCmd := &cobra.Command{
		Use:   "restore <backup-name>",
		Short: "Restore a backup to its original path or a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupRestore,
	}
	restoreCmd.Flags().StringVar(&restoreTarget, "target", "", "restore destination (default: recorded original path)")
	backupCmd.AddCommand(restoreCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Prune the whole backup store by its policy",
		RunE:  runBackupSweep,
	}
	backupCmd.AddCommand(sweepCmd)

	return backupCmd
}

// newManager builds a backup manager rooted at the host filesystem. The
// store defaults to a backups/ subdirectory next to refPath.
func newManager(refPath string) (*backup.Manager, error) {
	dir := backupStoreDir
	if dir == "" {
		if refPath == "" {
			return nil, fmt.Errorf("--store is required")
		}
		dir = filepath.Join(filepath.Dir(refPath), "backups")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store directory: %w", err)
	}

	var maxTotalSize int64
	if backupMaxTotalSize != "" {
		if maxTotalSize, err = bytesize.Parse(backupMaxTotalSize); err != nil {
			return nil, fmt.Errorf("invalid --max-total-size: %w", err)
		}
	}

	mgr := backup.NewManager(backup.Config{
		FS:  osfs.New("/"),
		Dir: dir,
		Policy: backup.Policy{
			MaxPerFile:   backupMaxPerFile,
			MaxAge:       backupMaxAge,
			MaxTotalSize: maxTotalSize,
		},
		Metrics: metrics.Init(nil),
	})
	if err := mgr.Init(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	setupLogging()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	mgr, err := newManager(path)
	if err != nil {
		return err
	}

	meta, err := parseMetadata(backupMeta)
	if err != nil {
		return err
	}

	res, err := mgr.Create(cmd.Context(), path, meta)
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("Skipped: %s does not exist, nothing to protect\n", path)
		return nil
	}
	fmt.Printf("Created %s (pruned %d older backups)\n", res.BackupName, res.Pruned)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	setupLogging()

	mgr, err := newManager("")
	if err != nil {
		return err
	}
	records, err := mgr.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tORIGINAL\tBACKUP")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			rec.Time().UTC().Format(time.RFC3339),
			rec.OriginalPath,
			filepath.Base(rec.BackupPath))
	}
	return w.Flush()
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	setupLogging()

	mgr, err := newManager("")
	if err != nil {
		return err
	}

	target := restoreTarget
	if target != "" {
		if target, err = filepath.Abs(target); err != nil {
			return fmt.Errorf("resolve target: %w", err)
		}
	}

	res, err := mgr.Restore(cmd.Context(), args[0], target)
	if err != nil {
		return err
	}
	fmt.Printf("Restored to %s\n", res.RestoredTo)
	return nil
}

func runBackupSweep(cmd *cobra.Command, args []string) error {
	setupLogging()

	mgr, err := newManager("")
	if err != nil {
		return err
	}
	res, err := mgr.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d backups (%d failures)\n", res.Pruned, res.Failed)
	return nil
}

// parseMetadata parses repeated key=value flags.
func parseMetadata(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", kv)
		}
		meta[k] = v
	}
	return meta, nil
}
