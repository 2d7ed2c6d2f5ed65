package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

const fullConfig = `
[archive]
url = "https://archive.example/api/"
device_id = "cam-1"
device_name = "Front camera"
probe_timeout = "5s"
request_timeout = "1h"
user_agent = "vaultsync-test"

[transfers]
parallel_transfers = 8
chunk_size = "1MiB"
bandwidth_limit = "5MB/s"
watch_settle = "500ms"

[migration]
handle_ttl = "10m"
report_attempts = 5
parallel_reports = 2

[logging]
log_level = "debug"
log_format = "json"
log_file = "/var/log/vaultsync.log"

[storage]
state_db = "/var/lib/vaultsync/state.db"

[partition.0]
media_dir = "/media/photos"

[partition.3]
media_dir = "/media/videos"
`

func TestLoad_ValidFullConfig(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://archive.example/api/", cfg.Archive.URL)
	assert.Equal(t, "cam-1", cfg.Archive.DeviceID)
	assert.Equal(t, 8, cfg.Transfers.ParallelTransfers)
	assert.Equal(t, "5MB/s", cfg.Transfers.BandwidthLimit)
	assert.Equal(t, 5, cfg.Migration.ReportAttempts)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "/media/videos", cfg.Partitions["3"].MediaDir)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, "[transfers]\nparallel_transfers = 2\n"))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Transfers.ParallelTransfers)
	assert.Equal(t, "256KiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, "30m", cfg.Migration.HandleTTL)
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[archive\nurl = "))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationFailure(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[migration]\nhandle_ttl = \"5s\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handle_ttl")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestResolve_OverrideChain(t *testing.T) {
	path := writeTestConfig(t, fullConfig)

	r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.NoError(t, err)

	assert.Equal(t, path, r.ConfigPath)
	assert.Equal(t, "https://archive.example/api", r.ArchiveURL, "trailing slash trimmed")
	assert.Equal(t, "Front camera", r.DeviceName)
	assert.Equal(t, 5*time.Second, r.ProbeTimeout)
	assert.Equal(t, int64(1024*1024), r.ChunkSize)
	assert.Equal(t, int64(5_000_000), r.BandwidthLimit)
	assert.Equal(t, 500*time.Millisecond, r.WatchSettle)
	assert.Equal(t, 10*time.Minute, r.HandleTTL)
	assert.Equal(t, map[int]string{0: "/media/photos", 3: "/media/videos"}, r.MediaDirs)
	assert.Equal(t, "/var/lib/vaultsync/state.db", r.StateDB)

	// env beats file, CLI beats env
	r, err = Resolve(EnvOverrides{ConfigPath: path, ArchiveURL: "http://env.example", Password: "pw"}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "http://env.example", r.ArchiveURL)
	assert.Equal(t, "pw", r.Password)

	flagURL := "http://flag.example"
	parallel := 3
	r, err = Resolve(
		EnvOverrides{ConfigPath: "/nonexistent/ignored.toml", ArchiveURL: "http://env.example"},
		CLIOverrides{ConfigPath: path, ArchiveURL: &flagURL, ParallelTransfers: &parallel},
	)
	require.NoError(t, err)
	assert.Equal(t, "http://flag.example", r.ArchiveURL)
	assert.Equal(t, 3, r.ParallelTransfers)
}

func TestResolve_RejectsBadOverride(t *testing.T) {
	path := writeTestConfig(t, "")

	_, err := Resolve(EnvOverrides{ConfigPath: path, ArchiveURL: "ftp://nope"}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")

	zero := 0
	_, err = Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{ParallelTransfers: &zero})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel_transfers")
}

func TestResolve_RelativeMediaDir(t *testing.T) {
	path := writeTestConfig(t, "[partition.0]\nmedia_dir = \"relative/dir\"\n")

	_, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
}
