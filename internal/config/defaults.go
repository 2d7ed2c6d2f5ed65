package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file, except that an archive
// URL must still be supplied before anything talks to the archive.
const (
	defaultProbeTimeout      = "10s"
	defaultRequestTimeout    = "30m"
	defaultParallelTransfers = 4
	defaultChunkSize         = "256KiB"
	defaultBandwidthLimit    = "0"
	defaultWatchSettle       = "2s"
	defaultHandleTTL         = "30m"
	defaultReportAttempts    = 3
	defaultParallelReports   = 4
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{
			ProbeTimeout:   defaultProbeTimeout,
			RequestTimeout: defaultRequestTimeout,
		},
		Transfers: TransfersConfig{
			ParallelTransfers: defaultParallelTransfers,
			ChunkSize:         defaultChunkSize,
			BandwidthLimit:    defaultBandwidthLimit,
			WatchSettle:       defaultWatchSettle,
		},
		Migration: MigrationConfig{
			HandleTTL:       defaultHandleTTL,
			ReportAttempts:  defaultReportAttempts,
			ParallelReports: defaultParallelReports,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Partitions: make(map[string]PartitionConfig),
	}
}
