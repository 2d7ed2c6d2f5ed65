package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "VAULTSYNC_CONFIG"
	EnvArchiveURL = "VAULTSYNC_ARCHIVE_URL"
	EnvPassword   = "VAULTSYNC_PASSWORD"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // VAULTSYNC_CONFIG: override config file path
	ArchiveURL string // VAULTSYNC_ARCHIVE_URL: archive base URL
	Password   string // VAULTSYNC_PASSWORD: archive password for non-interactive use
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ArchiveURL: os.Getenv(EnvArchiveURL),
		Password:   os.Getenv(EnvPassword),
	}
}
