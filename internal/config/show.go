package config

import (
	"fmt"
	"io"
	"sort"
)

// RenderEffective writes the resolved configuration as an annotated TOML-ish
// summary to w. This powers "config show": the values in effect after all
// four override layers have been applied. The password is never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[archive]\n")
	ew.printf("  url             = %q\n", r.ArchiveURL)
	ew.printf("  device_id       = %q\n", r.DeviceID)
	ew.printf("  device_name     = %q\n", r.DeviceName)
	ew.printf("  probe_timeout   = %q\n", r.ProbeTimeout)
	ew.printf("  request_timeout = %q\n", r.RequestTimeout)

	if r.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", r.UserAgent)
	}

	ew.printf("  password        = %s\n\n", passwordSource(r))

	ew.printf("[transfers]\n")
	ew.printf("  parallel_transfers = %d\n", r.ParallelTransfers)
	ew.printf("  chunk_size         = %d\n", r.ChunkSize)
	ew.printf("  bandwidth_limit    = %d  # bytes/s, 0 = unlimited\n", r.BandwidthLimit)
	ew.printf("  watch_settle       = %q\n\n", r.WatchSettle)

	ew.printf("[migration]\n")
	ew.printf("  handle_ttl       = %q\n", r.HandleTTL)
	ew.printf("  report_attempts  = %d\n", r.ReportAttempts)
	ew.printf("  parallel_reports = %d\n\n", r.ParallelReports)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.Logging.LogLevel)
	ew.printf("  log_format = %q\n", r.Logging.LogFormat)

	if r.Logging.LogFile != "" {
		ew.printf("  log_file   = %q\n", r.Logging.LogFile)
	}

	ew.printf("\n[storage]\n")
	ew.printf("  state_db = %q\n", r.StateDB)

	parts := make([]int, 0, len(r.MediaDirs))
	for p := range r.MediaDirs {
		parts = append(parts, p)
	}

	sort.Ints(parts)

	for _, p := range parts {
		ew.printf("\n[partition.%d]\n", p)
		ew.printf("  media_dir = %q\n", r.MediaDirs[p])
	}

	return ew.err
}

func passwordSource(r *Resolved) string {
	if r.Password != "" {
		return "(from " + EnvPassword + ")"
	}

	return "(prompted)"
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
