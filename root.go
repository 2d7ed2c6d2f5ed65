package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/vaultsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagArchiveURL string
	flagParallel   int
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE.
var resolvedCfg *config.Resolved

// logOutput is where buildLogger writes. It is stderr unless [logging]
// log_file names a file, which stays open for the life of the process.
var logOutput io.Writer = os.Stderr

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vaultsync",
		Short:   "Device-to-archive media sync",
		Long:    "Captures media files, uploads them to the archive, restores them on demand and migrates them between devices.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagArchiveURL, "archive-url", "", "archive service URL")
	cmd.PersistentFlags().IntVar(&flagParallel, "parallel", 0, "concurrent transfers")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newForgetCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override chain
// and stores the result in resolvedCfg for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	// Only pass flags the user explicitly set; zero values would otherwise
	// shadow the config file.
	if cmd.Flags().Changed("archive-url") {
		cli.ArchiveURL = &flagArchiveURL
	}

	if cmd.Flags().Changed("parallel") {
		cli.ParallelTransfers = &flagParallel
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	if resolved.Logging.LogFile != "" {
		f, err := os.OpenFile(resolved.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}

		logOutput = f
	}

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		if resolvedCfg.Logging.LogFormat != "" {
			format = resolvedCfg.Logging.LogFormat
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, logOutput) {
		return slog.New(slog.NewJSONHandler(logOutput, opts))
	}

	return slog.New(slog.NewTextHandler(logOutput, opts))
}

// useJSONLogs picks the handler for format. "auto" means text on a
// terminal and JSON everywhere else.
func useJSONLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)

	return !ok || !isatty.IsTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
