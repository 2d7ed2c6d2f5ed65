package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vaultsync/internal/archive/archivetest"
	"github.com/tonimelisma/vaultsync/internal/asset"
)

const (
	testPassword = "correct horse"
	testDevice   = "dev-a"
)

// cliEnv is a config file, media directory and fake archive for running
// the real command tree end to end.
type cliEnv struct {
	srv      *archivetest.Server
	cfgPath  string
	mediaDir string
	stateDB  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	e := &cliEnv{
		srv:      archivetest.New(t, testPassword),
		cfgPath:  filepath.Join(dir, "config.toml"),
		mediaDir: filepath.Join(dir, "media"),
		stateDB:  filepath.Join(dir, "state", "state.db"),
	}

	require.NoError(t, os.MkdirAll(e.mediaDir, 0o700))

	cfg := fmt.Sprintf(`[archive]
url = %q
device_id = %q

[transfers]
parallel_transfers = 2

[logging]
log_level = "error"

[storage]
state_db = %q

[partition.0]
media_dir = %q
`, e.srv.URL, testDevice, e.stateDB, e.mediaDir)
	require.NoError(t, os.WriteFile(e.cfgPath, []byte(cfg), 0o600))

	t.Setenv("VAULTSYNC_CONFIG", "")
	t.Setenv("VAULTSYNC_ARCHIVE_URL", "")
	t.Setenv("VAULTSYNC_PASSWORD", testPassword)

	t.Cleanup(func() {
		resolvedCfg = nil
		logOutput = os.Stderr
	})

	return e
}

func (e *cliEnv) run(args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--config", e.cfgPath, "--quiet"}, args...))

	return cmd.ExecuteContext(context.Background())
}

// lookup reads one asset from the state database between commands.
func (e *cliEnv) lookup(t *testing.T, find func(asset.Store) (*asset.Asset, error)) *asset.Asset {
	t.Helper()

	store, err := asset.NewSQLiteStore(context.Background(), e.stateDB, slog.Default())
	require.NoError(t, err)

	defer store.Close()

	a, err := find(store)
	require.NoError(t, err)

	return a
}

func byRef(ref asset.Ref) func(asset.Store) (*asset.Asset, error) {
	return func(s asset.Store) (*asset.Asset, error) { return s.Get(context.Background(), ref) }
}

func TestCLI_AddUploadPurgeRestore(t *testing.T) {
	e := newCLIEnv(t)

	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("frames"), 0o600))

	require.NoError(t, e.run("add", src, "--upload"))

	data, ok := e.srv.File(0, testDevice, 1)
	require.True(t, ok)
	assert.Equal(t, "frames", string(data))

	require.NoError(t, e.run("purge", "1"))

	_, err := os.Stat(filepath.Join(e.mediaDir, "clip.mp4"))
	assert.True(t, os.IsNotExist(err))

	ref := asset.Ref{Partition: 0, ID: 1}
	assert.Equal(t, asset.RemoteOnly, e.lookup(t, byRef(ref)).Residency)

	require.NoError(t, e.run("restore", "0@1"))

	restored, err := os.ReadFile(filepath.Join(e.mediaDir, "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "frames", string(restored))

	assert.Equal(t, asset.Local, e.lookup(t, byRef(ref)).Residency)
}

func TestCLI_FailedOperationReturnsError(t *testing.T) {
	e := newCLIEnv(t)

	err := e.run("restore", "0@9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 operations failed")
}

func TestCLI_BadRefRejected(t *testing.T) {
	e := newCLIEnv(t)

	err := e.run("upload", "x@1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad partition")
	assert.Zero(t, e.srv.Requests("PUT /auth"))
}

func TestCLI_LoginWrongPassword(t *testing.T) {
	e := newCLIEnv(t)
	t.Setenv("VAULTSYNC_PASSWORD", "wrong")

	err := e.run("login")
	require.ErrorIs(t, err, errLoginFailed)
}

func TestCLI_Login(t *testing.T) {
	e := newCLIEnv(t)

	require.NoError(t, e.run("login"))
	assert.Equal(t, 1, e.srv.Requests("PUT /auth"))
}

func TestCLI_MigrateRun(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddEntry(testDevice, map[string]any{
		"id": "a", "originalId": 7, "ownerId": testDevice, "slot": 0,
		"name": "a.mp4", "size": 5, "fileDate": 1000, "creationDate": 900,
	})
	e.srv.PutFile(0, testDevice, 7, []byte("hello"))

	require.NoError(t, e.run("migrate", "run", "dev-b", "--payload"))

	reports := e.srv.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "dev-b", reports[0].NewOwnerID)
	assert.Equal(t, int64(7), reports[0].OldOriginalID)

	a := e.lookup(t, func(s asset.Store) (*asset.Asset, error) {
		return s.FindByName(context.Background(), 0, "a.mp4")
	})
	assert.Equal(t, "dev-b", a.RemoteOwnerID)
	assert.Equal(t, reports[0].NewOriginalID, a.ID)

	data, err := os.ReadFile(filepath.Join(e.mediaDir, "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCLI_MigrateRunUsesServerURL(t *testing.T) {
	e := newCLIEnv(t)
	e.srv.AddEntry(testDevice, map[string]any{
		"id": "a", "originalId": 7, "ownerId": testDevice, "slot": 0,
		"name": "a.mp4", "size": 8, "url": e.srv.URL + "/0/file/cdn/99",
	})
	e.srv.PutFile(0, "cdn", 99, []byte("from cdn"))

	require.NoError(t, e.run("migrate", "run", "dev-b", "--payload"))
	require.Len(t, e.srv.Reports(), 1)

	data, err := os.ReadFile(filepath.Join(e.mediaDir, "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "from cdn", string(data))
	assert.Zero(t, e.srv.Requests("GET /0/file/dev-a/7"))
}

func TestCLI_MigrateRunRejectsOwnIdentity(t *testing.T) {
	e := newCLIEnv(t)

	require.Error(t, e.run("migrate", "run", testDevice))
	assert.Zero(t, e.srv.Requests("GET /migration/start"))
}

func TestCLI_UnknownConfigKey(t *testing.T) {
	e := newCLIEnv(t)
	require.NoError(t, os.WriteFile(e.cfgPath, []byte("[archive]\nulr = \"http://x\"\n"), 0o600))

	err := e.run("config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean")
}

func TestCLI_ParallelFlagOverridesConfig(t *testing.T) {
	e := newCLIEnv(t)

	require.NoError(t, e.run("--parallel", "7", "config", "show"))
	require.NotNil(t, resolvedCfg)
	assert.Equal(t, 7, resolvedCfg.ParallelTransfers)
	assert.Equal(t, testDevice, resolvedCfg.DeviceID)
	assert.Equal(t, map[int]string{0: e.mediaDir}, resolvedCfg.MediaDirs)
}

func TestCLI_WatchRefusesSecondInstance(t *testing.T) {
	e := newCLIEnv(t)

	cleanup, err := writePIDFile(watchPIDPath(e.stateDB))
	require.NoError(t, err)

	defer cleanup()

	err = e.run("watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.Zero(t, e.srv.Requests("GET /auth"))
}
