// filekeep manages retention and pre-overwrite backups for a directory of
// uploaded artifacts.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/filekeep/filekeep/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Hidden service mode flag (set when invoked by the service manager)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filekeep",
		Short: "FileKeep - upload artifact retention and backup",
		Long: `FileKeep reconciles a directory of uploaded artifacts against a
retention policy and keeps pre-overwrite backups in an isolated store.

Examples:
  # Preview what a reconcile would delete
  filekeep reconcile --dir /srv/uploads --max-age 720h --keep-backups --dry-run

  # Snapshot a file before overwriting it
  filekeep backup create /srv/uploads/1700000000000_model_v2.xlsx --meta user=admin

  # Restore a prior version
  filekeep backup restore 1700000000123_backup_model_v2.xlsx

  # Run the scheduler in the foreground
  filekeep watch --config /etc/filekeep/filekeep.yaml

  # Install the scheduler as a system service
  sudo filekeep service install`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Hidden service mode flag (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newReconcileCmd())
	rootCmd.AddCommand(newBackupCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging configures logging for service mode. It writes
// directly to a file because the service manager may not redirect stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/filekeep-service.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}
