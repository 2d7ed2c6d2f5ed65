package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"
)

// Validation range constants.
const (
	minParallelTransfers = 1
	maxParallelTransfers = 32
	minChunkBytes        = 4 * kibibyte
	maxChunkBytes        = 64 * mebibyte
	minProbeTimeout      = 1 * time.Second
	minRequestTimeout    = 10 * time.Second
	minHandleTTL         = 1 * time.Minute
	maxReportAttempts    = 10
	maxParallelReports   = 32
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateArchive(&cfg.Archive)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateMigration(&cfg.Migration)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validatePartitions(cfg.Partitions)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.ArchiveURL != "" {
		if err := validateURL(r.ArchiveURL); err != nil {
			errs = append(errs, err)
		}
	}

	for p, dir := range r.MediaDirs {
		if !filepath.IsAbs(dir) {
			errs = append(errs, fmt.Errorf("partition.%d.media_dir: must be absolute after expansion, got %q", p, dir))
		}
	}

	if r.ParallelTransfers < minParallelTransfers || r.ParallelTransfers > maxParallelTransfers {
		errs = append(errs, fmt.Errorf("parallel_transfers: must be between %d and %d, got %d",
			minParallelTransfers, maxParallelTransfers, r.ParallelTransfers))
	}

	return errors.Join(errs...)
}

func validateArchive(a *ArchiveConfig) []error {
	var errs []error

	if a.URL != "" {
		if err := validateURL(a.URL); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, validateDurationMin("probe_timeout", a.ProbeTimeout, minProbeTimeout)...)
	errs = append(errs, validateDurationMin("request_timeout", a.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url: must be an http or https URL, got %q", raw)
	}

	return nil
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.ParallelTransfers < minParallelTransfers || t.ParallelTransfers > maxParallelTransfers {
		errs = append(errs, fmt.Errorf("parallel_transfers: must be between %d and %d, got %d",
			minParallelTransfers, maxParallelTransfers, t.ParallelTransfers))
	}

	errs = append(errs, validateChunkSize(t.ChunkSize)...)

	if _, err := ParseBandwidth(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	errs = append(errs, validateDurationNonNeg("watch_settle", t.WatchSettle)...)

	return errs
}

func validateChunkSize(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("chunk_size: %w", err)}
	}

	if bytes < minChunkBytes || bytes > maxChunkBytes {
		return []error{fmt.Errorf("chunk_size: must be between 4KiB and 64MiB, got %s", s)}
	}

	return nil
}

func validateMigration(m *MigrationConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("handle_ttl", m.HandleTTL, minHandleTTL)...)

	if m.ReportAttempts < 1 || m.ReportAttempts > maxReportAttempts {
		errs = append(errs, fmt.Errorf("report_attempts: must be between 1 and %d, got %d",
			maxReportAttempts, m.ReportAttempts))
	}

	if m.ParallelReports < 1 || m.ParallelReports > maxParallelReports {
		errs = append(errs, fmt.Errorf("parallel_reports: must be between 1 and %d, got %d",
			maxParallelReports, m.ParallelReports))
	}

	return errs
}

func validatePartitions(parts map[string]PartitionConfig) []error {
	var errs []error

	for name, p := range parts {
		n, err := strconv.Atoi(name)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("partition.%s: partition must be a non-negative integer", name))
			continue
		}

		if p.MediaDir == "" {
			errs = append(errs, fmt.Errorf("partition.%s.media_dir: must not be empty", name))
		}
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
