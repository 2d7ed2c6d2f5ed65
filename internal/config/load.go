package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// first-run experience: users can start without creating a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns the fully parsed and validated configuration.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.ArchiveURL != "" {
		cfg.Archive.URL = env.ArchiveURL
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.ArchiveURL != nil {
		cfg.Archive.URL = *cli.ArchiveURL
	}

	if cli.ParallelTransfers != nil {
		cfg.Transfers.ParallelTransfers = *cli.ParallelTransfers
	}

	resolved, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	resolved.ConfigPath = cfgPath
	resolved.Password = env.Password

	// 5. Validate the final result
	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// resolve parses every string setting of an already validated Config.
func resolve(cfg *Config) (*Resolved, error) {
	r := &Resolved{
		ArchiveURL:        strings.TrimRight(cfg.Archive.URL, "/"),
		DeviceID:          cfg.Archive.DeviceID,
		DeviceName:        cfg.Archive.DeviceName,
		UserAgent:         cfg.Archive.UserAgent,
		ParallelTransfers: cfg.Transfers.ParallelTransfers,
		ReportAttempts:    cfg.Migration.ReportAttempts,
		ParallelReports:   cfg.Migration.ParallelReports,
		Logging:           cfg.Logging,
		StateDB:           expandTilde(cfg.Storage.StateDB),
		MediaDirs:         make(map[int]string, len(cfg.Partitions)),
	}

	var err error

	durations := []struct {
		value string
		dst   *time.Duration
	}{
		{cfg.Archive.ProbeTimeout, &r.ProbeTimeout},
		{cfg.Archive.RequestTimeout, &r.RequestTimeout},
		{cfg.Transfers.WatchSettle, &r.WatchSettle},
		{cfg.Migration.HandleTTL, &r.HandleTTL},
	}

	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(d.value); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if r.ChunkSize, err = ParseSize(cfg.Transfers.ChunkSize); err != nil {
		return nil, fmt.Errorf("config: chunk_size: %w", err)
	}

	if r.BandwidthLimit, err = ParseBandwidth(cfg.Transfers.BandwidthLimit); err != nil {
		return nil, fmt.Errorf("config: bandwidth_limit: %w", err)
	}

	for name, p := range cfg.Partitions {
		n, err := strconv.Atoi(name)
		if err != nil {
			return nil, fmt.Errorf("config: partition %q: %w", name, err)
		}

		r.MediaDirs[n] = expandTilde(p.MediaDir)
	}

	if r.StateDB == "" {
		r.StateDB = DefaultStateDBPath()
	}

	if r.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			r.DeviceID = host
		}
	}

	if r.DeviceName == "" {
		r.DeviceName = r.DeviceID
	}

	return r, nil
}
