package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vaultsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration in effect after defaults, file, environment and flags are applied.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if flagJSON {
				return printConfigJSON(os.Stdout, resolvedCfg)
			}

			return config.RenderEffective(resolvedCfg, os.Stdout)
		},
	}
}

// configJSON is the JSON view of config.Resolved. The password is reduced
// to whether one was supplied.
type configJSON struct {
	ConfigPath        string         `json:"config_path"`
	ArchiveURL        string         `json:"archive_url"`
	DeviceID          string         `json:"device_id"`
	DeviceName        string         `json:"device_name"`
	ProbeTimeout      string         `json:"probe_timeout"`
	RequestTimeout    string         `json:"request_timeout"`
	PasswordSet       bool           `json:"password_set"`
	ParallelTransfers int            `json:"parallel_transfers"`
	ChunkSize         int64          `json:"chunk_size"`
	BandwidthLimit    int64          `json:"bandwidth_limit"`
	WatchSettle       string         `json:"watch_settle"`
	HandleTTL         string         `json:"handle_ttl"`
	ReportAttempts    int            `json:"report_attempts"`
	ParallelReports   int            `json:"parallel_reports"`
	LogLevel          string         `json:"log_level"`
	LogFormat         string         `json:"log_format"`
	LogFile           string         `json:"log_file,omitempty"`
	StateDB           string         `json:"state_db"`
	MediaDirs         map[int]string `json:"media_dirs"`
}

func printConfigJSON(w io.Writer, r *config.Resolved) error {
	out := configJSON{
		ConfigPath:        r.ConfigPath,
		ArchiveURL:        r.ArchiveURL,
		DeviceID:          r.DeviceID,
		DeviceName:        r.DeviceName,
		ProbeTimeout:      r.ProbeTimeout.String(),
		RequestTimeout:    r.RequestTimeout.String(),
		PasswordSet:       r.Password != "",
		ParallelTransfers: r.ParallelTransfers,
		ChunkSize:         r.ChunkSize,
		BandwidthLimit:    r.BandwidthLimit,
		WatchSettle:       r.WatchSettle.String(),
		HandleTTL:         r.HandleTTL.String(),
		ReportAttempts:    r.ReportAttempts,
		ParallelReports:   r.ParallelReports,
		LogLevel:          r.Logging.LogLevel,
		LogFormat:         r.Logging.LogFormat,
		LogFile:           r.Logging.LogFile,
		StateDB:           r.StateDB,
		MediaDirs:         r.MediaDirs,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
