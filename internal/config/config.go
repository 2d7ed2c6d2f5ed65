// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for vaultsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// resolves the raw string settings into typed values once, at startup.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Archive    ArchiveConfig              `toml:"archive"`
	Transfers  TransfersConfig            `toml:"transfers"`
	Migration  MigrationConfig            `toml:"migration"`
	Logging    LoggingConfig              `toml:"logging"`
	Storage    StorageConfig              `toml:"storage"`
	Partitions map[string]PartitionConfig `toml:"partition"`
}

// ArchiveConfig locates the archive service and identifies this device to it.
type ArchiveConfig struct {
	URL            string `toml:"url"`
	DeviceID       string `toml:"device_id"`
	DeviceName     string `toml:"device_name"`
	ProbeTimeout   string `toml:"probe_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// TransfersConfig controls the worker pool, chunking and bandwidth.
type TransfersConfig struct {
	ParallelTransfers int    `toml:"parallel_transfers"`
	ChunkSize         string `toml:"chunk_size"`
	BandwidthLimit    string `toml:"bandwidth_limit"`
	WatchSettle       string `toml:"watch_settle"`
}

// MigrationConfig tunes device-to-device migration.
type MigrationConfig struct {
	HandleTTL       string `toml:"handle_ttl"`
	ReportAttempts  int    `toml:"report_attempts"`
	ParallelReports int    `toml:"parallel_reports"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// StorageConfig locates the on-device metadata store.
type StorageConfig struct {
	StateDB string `toml:"state_db"`
}

// PartitionConfig is one [partition.N] table. N is the partition number
// the archive calls a slot.
type PartitionConfig struct {
	MediaDir string `toml:"media_dir"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath        string  // --config flag (empty = use default)
	ArchiveURL        *string // --archive-url flag
	ParallelTransfers *int    // --parallel flag
}

// Resolved is the effective configuration with every value parsed.
type Resolved struct {
	ConfigPath string

	ArchiveURL     string
	DeviceID       string
	DeviceName     string
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	UserAgent      string

	// Password comes only from the environment; it is never read from the
	// config file and never rendered.
	Password string

	ParallelTransfers int
	ChunkSize         int64
	BandwidthLimit    int64 // bytes per second, 0 = unlimited
	WatchSettle       time.Duration

	HandleTTL       time.Duration
	ReportAttempts  int
	ParallelReports int

	Logging LoggingConfig

	StateDB   string
	MediaDirs map[int]string
}
