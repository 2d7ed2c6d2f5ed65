package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vaultsync/internal/archive"
	"github.com/tonimelisma/vaultsync/internal/archive/archivetest"
	"github.com/tonimelisma/vaultsync/internal/asset"
	"github.com/tonimelisma/vaultsync/internal/cancel"
)

const (
	testPassword = "correct horse"
	testOwner    = "dev-a"
)

type testEnv struct {
	srv     *archivetest.Server
	session *archive.Session
	client  *archive.Client
	store   *asset.SQLiteStore
	guard   *Guard
	dir     string
	worker  *Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.Default()
	srv := archivetest.New(t, testPassword)

	session := archive.NewSession(
		archive.NewClient(srv.URL, http.DefaultClient, nil, logger, ""),
		func(context.Context) (string, error) { return testPassword, nil },
		logger,
	)
	client := archive.NewClient(srv.URL, http.DefaultClient, session, logger, "")

	store, err := asset.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := &testEnv{
		srv:     srv,
		session: session,
		client:  client,
		store:   store,
		guard:   NewGuard(),
		dir:     t.TempDir(),
	}
	e.worker = e.newWorker(client, session)

	return e
}

func (e *testEnv) newWorker(client Archive, auth Authenticator) *Worker {
	return NewWorker(client, auth, e.store, e.guard, Config{
		OwnerID:   testOwner,
		MediaDirs: map[int]string{0: e.dir},
		ChunkSize: 4,
	}, slog.Default())
}

// addLocal writes a media file and registers it as Local.
func (e *testEnv) addLocal(t *testing.T, name, data string) *asset.Asset {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(e.dir, name), []byte(data), 0o600))

	a, err := e.store.Register(context.Background(), &asset.Asset{
		Partition: 0, Name: name, Size: int64(len(data)),
	})
	require.NoError(t, err)

	return a
}

// addRemote seeds the archive with data and registers a RemoteOnly asset
// pointing at it.
func (e *testEnv) addRemote(t *testing.T, name, data string) *asset.Asset {
	t.Helper()

	a, err := e.store.Register(context.Background(), &asset.Asset{
		Partition: 0, Name: name, Size: int64(len(data)), Residency: asset.RemoteOnly,
		RemoteOwnerID: "dev-old", RemoteOriginalID: 77,
	})
	require.NoError(t, err)

	e.srv.PutFile(0, "dev-old", 77, []byte(data))

	return a
}

func (e *testEnv) residency(t *testing.T, ref asset.Ref) asset.Residency {
	t.Helper()

	a, err := e.store.Get(context.Background(), ref)
	require.NoError(t, err)

	return a.Residency
}

// progressLog records progress calls.
type progressLog struct {
	mu    sync.Mutex
	calls [][2]int64
}

func (p *progressLog) fn(done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, [2]int64{done, total})
}

func (p *progressLog) assertMonotonic(t *testing.T) {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 1; i < len(p.calls); i++ {
		assert.Greater(t, p.calls[i][0], p.calls[i-1][0], "progress went backwards at %d", i)
	}
}

func TestUpload_AdvancesToUploaded(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "0123456789")

	var prog progressLog

	res := e.worker.Upload(context.Background(), a.Ref(), cancel.New(), prog.fn)
	require.Equal(t, Succeeded, res.Outcome, res.Message())
	assert.Equal(t, asset.Uploaded, res.Residency)
	assert.Equal(t, int64(10), res.Bytes)
	assert.NoError(t, res.Err)

	got, err := e.store.Get(context.Background(), a.Ref())
	require.NoError(t, err)
	assert.Equal(t, asset.Uploaded, got.Residency)
	assert.Equal(t, testOwner, got.RemoteOwnerID)
	assert.Equal(t, a.ID, got.RemoteOriginalID)

	data, ok := e.srv.File(0, testOwner, a.ID)
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(data))

	prog.assertMonotonic(t)
	require.NotEmpty(t, prog.calls)
	assert.Equal(t, [2]int64{10, 10}, prog.calls[len(prog.calls)-1])
	assert.Len(t, prog.calls, 3, "4-byte chunks: 4, 8, 10")

	assert.Zero(t, e.guard.Len(), "key released")
}

func TestUpload_RepeatIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "abc")

	first := e.worker.Upload(context.Background(), a.Ref(), cancel.New(), nil)
	second := e.worker.Upload(context.Background(), a.Ref(), cancel.New(), nil)

	assert.Equal(t, Succeeded, first.Outcome)
	assert.Equal(t, Succeeded, second.Outcome)
	assert.Equal(t, asset.Uploaded, e.residency(t, a.Ref()))
	assert.Len(t, e.srv.Uploads(), 2)
}

func TestUpload_ServerErrorLeavesResidency(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "abc")
	e.srv.FailUploads(http.StatusInternalServerError)

	res := e.worker.Upload(context.Background(), a.Ref(), cancel.New(), nil)

	assert.Equal(t, TransferFailed, res.Outcome)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.ErrorIs(t, res.Err, ErrTransferFailed)
	assert.ErrorIs(t, res.Err, archive.ErrServerError)
	assert.Equal(t, asset.Local, e.residency(t, a.Ref()))
	assert.Zero(t, e.guard.Len())
}

func TestUpload_HeldKeyDoesNothing(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "abc")

	// Without the file any attempt to read it would fail loudly.
	require.NoError(t, os.Remove(filepath.Join(e.dir, "clip.mp4")))
	require.True(t, e.guard.TryAcquire(AssetKey(a.Ref())))

	res := e.worker.Upload(context.Background(), a.Ref(), cancel.New(), nil)

	assert.Equal(t, AlreadyInProgress, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrAlreadyInProgress)
	assert.True(t, res.OK())
	assert.Zero(t, e.srv.Requests("POST /0/upload"))
	assert.True(t, e.guard.Held(AssetKey(a.Ref())), "the loser must not release the winner's key")
}

// gatedArchive blocks every upload until released.
type gatedArchive struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	uploads int
}

func (g *gatedArchive) Upload(_ context.Context, _ archive.UploadRequest, content io.Reader) error {
	g.mu.Lock()
	g.uploads++
	g.mu.Unlock()

	g.once.Do(func() { close(g.started) })
	<-g.release

	_, err := io.Copy(io.Discard, content)

	return err
}

func (g *gatedArchive) OpenDownload(context.Context, string) (io.ReadCloser, int64, error) {
	return nil, 0, errors.New("not used")
}

type okAuth struct{}

func (okAuth) Authenticate(context.Context, bool) error { return nil }

func TestUpload_ConcurrentNotificationsRunOnce(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "payload")

	gate := &gatedArchive{started: make(chan struct{}), release: make(chan struct{})}
	w := e.newWorker(gate, okAuth{})

	firstDone := make(chan Result, 1)

	go func() {
		firstDone <- w.Upload(context.Background(), a.Ref(), cancel.New(), nil)
	}()

	<-gate.started

	second := w.Upload(context.Background(), a.Ref(), cancel.New(), nil)
	assert.Equal(t, AlreadyInProgress, second.Outcome)

	close(gate.release)

	first := <-firstDone
	assert.Equal(t, Succeeded, first.Outcome)
	assert.Equal(t, 1, gate.uploads)
	assert.Equal(t, asset.Uploaded, e.residency(t, a.Ref()))
}

func TestUpload_RemoteOnlyIsInvalidTransition(t *testing.T) {
	e := newTestEnv(t)
	a := e.addRemote(t, "gone.mp4", "x")

	res := e.worker.Upload(context.Background(), a.Ref(), cancel.New(), nil)

	assert.Equal(t, InvalidTransition, res.Outcome)
	assert.ErrorIs(t, res.Err, asset.ErrInvalidTransition)
	assert.Equal(t, asset.RemoteOnly, e.residency(t, a.Ref()))
}

func TestUpload_CancelledBeforeStart(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "abc")

	tok := cancel.New()
	tok.Cancel()

	res := e.worker.Upload(context.Background(), a.Ref(), tok, nil)

	assert.Equal(t, Cancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.Zero(t, e.srv.Requests("POST /0/upload"))
	assert.Zero(t, e.srv.Requests("PUT /auth"), "cancelled before any I/O")
}

func TestUpload_CancelMidStream(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "0123456789abcdef")

	tok := cancel.New()

	res := e.worker.Upload(context.Background(), a.Ref(), tok, func(done, _ int64) {
		if done >= 4 {
			tok.Cancel()
		}
	})

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, asset.Local, e.residency(t, a.Ref()))
	assert.Empty(t, e.srv.Uploads())
	assert.Zero(t, e.guard.Len())
}

// revokingAuth revokes every server token right after the first login, so
// the next authenticated call meets a 401.
type revokingAuth struct {
	*archive.Session
	srv  *archivetest.Server
	once sync.Once
}

func (r *revokingAuth) Authenticate(ctx context.Context, force bool) error {
	err := r.Session.Authenticate(ctx, force)
	r.once.Do(r.srv.InvalidateTokens)

	return err
}

func TestUpload_StaleTokenReauthenticatesOnce(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "0123456789")

	w := e.newWorker(e.client, &revokingAuth{Session: e.session, srv: e.srv})

	var prog progressLog

	res := w.Upload(context.Background(), a.Ref(), cancel.New(), prog.fn)

	require.Equal(t, Succeeded, res.Outcome, res.Message())
	assert.Equal(t, 2, e.srv.Requests("PUT /auth"))
	assert.Equal(t, 2, e.srv.Requests("POST /0/upload"))
	assert.Len(t, e.srv.Uploads(), 1)
	prog.assertMonotonic(t)
}

// droppingAuth logs in and then drops the session's token once, as when
// another worker's 401 lands between this worker's login and its call.
type droppingAuth struct {
	*archive.Session
	once sync.Once
}

func (d *droppingAuth) Authenticate(ctx context.Context, force bool) error {
	err := d.Session.Authenticate(ctx, force)
	d.once.Do(func() { d.Session.Invalidate("") })

	return err
}

func TestUpload_LostTokenReauthenticates(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "0123456789")

	w := e.newWorker(e.client, &droppingAuth{Session: e.session})

	res := w.Upload(context.Background(), a.Ref(), cancel.New(), nil)

	require.Equal(t, Succeeded, res.Outcome, res.Message())
	assert.Equal(t, 2, e.srv.Requests("PUT /auth"))
	assert.Equal(t, 1, e.srv.Requests("POST /0/upload"))
	assert.Equal(t, asset.Uploaded, e.residency(t, a.Ref()))
}

func TestRestore_LostTokenReauthenticates(t *testing.T) {
	e := newTestEnv(t)
	a := e.addRemote(t, "clip.mp4", "payload")

	w := e.newWorker(e.client, &droppingAuth{Session: e.session})

	res := w.Restore(context.Background(), a.Ref(), cancel.New(), nil)

	require.Equal(t, Succeeded, res.Outcome, res.Message())
	assert.Equal(t, asset.Local, e.residency(t, a.Ref()))
}

func TestUpload_BadPasswordIsAuthFailed(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "abc")

	session := archive.NewSession(
		archive.NewClient(e.srv.URL, http.DefaultClient, nil, slog.Default(), ""),
		func(context.Context) (string, error) { return "wrong", nil },
		slog.Default(),
	)
	w := e.newWorker(archive.NewClient(e.srv.URL, http.DefaultClient, session, slog.Default(), ""), session)

	res := w.Upload(context.Background(), a.Ref(), cancel.New(), nil)

	assert.Equal(t, AuthFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, archive.ErrAuthFailed)
	assert.Zero(t, e.srv.Requests("POST /0/upload"))
}

func TestPurgeThenRestore(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.addLocal(t, "clip.mp4", "round trip payload")
	path := filepath.Join(e.dir, "clip.mp4")

	require.Equal(t, Succeeded, e.worker.Upload(ctx, a.Ref(), cancel.New(), nil).Outcome)

	purged := e.worker.Purge(ctx, a.Ref())
	require.Equal(t, Succeeded, purged.Outcome, purged.Message())
	assert.Equal(t, asset.RemoteOnly, purged.Residency)
	assert.NoFileExists(t, path)

	var prog progressLog

	restored := e.worker.Restore(ctx, a.Ref(), cancel.New(), prog.fn)
	require.Equal(t, Succeeded, restored.Outcome, restored.Message())
	assert.Equal(t, asset.Local, restored.Residency)
	assert.Equal(t, int64(18), restored.Bytes)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "round trip payload", string(data))
	assert.NoFileExists(t, path+partialSuffix)
	assert.Equal(t, asset.Local, e.residency(t, a.Ref()))

	prog.assertMonotonic(t)
	assert.Equal(t, [2]int64{18, 18}, prog.calls[len(prog.calls)-1])
}

func TestRestore_CancelMidStreamLeavesNoFile(t *testing.T) {
	e := newTestEnv(t)
	a := e.addRemote(t, "big.mp4", "0123456789abcdefghijklmnopqrstuvwxyz")
	dest := filepath.Join(e.dir, "big.mp4")

	reached, release := e.srv.StallDownloads(8)
	t.Cleanup(release)

	tok := cancel.New()
	done := make(chan Result, 1)

	go func() {
		done <- e.worker.Restore(context.Background(), a.Ref(), tok, nil)
	}()

	<-reached
	tok.Cancel()

	res := <-done
	assert.Equal(t, Cancelled, res.Outcome, res.Message())
	assert.NotErrorIs(t, res.Err, ErrTransferFailed)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+partialSuffix)
	assert.Equal(t, asset.RemoteOnly, e.residency(t, a.Ref()))
	assert.Zero(t, e.guard.Len())
}

func TestRestore_MissingArchiveCopy(t *testing.T) {
	e := newTestEnv(t)

	a, err := e.store.Register(context.Background(), &asset.Asset{
		Partition: 0, Name: "lost.mp4", Residency: asset.RemoteOnly,
		RemoteOwnerID: "dev-old", RemoteOriginalID: 404,
	})
	require.NoError(t, err)

	res := e.worker.Restore(context.Background(), a.Ref(), cancel.New(), nil)

	assert.Equal(t, TransferFailed, res.Outcome)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.NoFileExists(t, filepath.Join(e.dir, "lost.mp4"+partialSuffix))
	assert.Equal(t, asset.RemoteOnly, e.residency(t, a.Ref()))
}

func TestRestore_PrefersServerURL(t *testing.T) {
	e := newTestEnv(t)

	// The bytes sit where the server's URL says, not at the owner/id path.
	e.srv.PutFile(0, "cdn", 99, []byte("from cdn"))

	a, err := e.store.Register(context.Background(), &asset.Asset{
		Partition: 0, Name: "clip.mp4", Residency: asset.RemoteOnly,
		RemoteOwnerID: "dev-old", RemoteOriginalID: 77,
		RemoteURL: e.srv.URL + archive.ItemPath(0, "cdn", 99),
	})
	require.NoError(t, err)

	res := e.worker.Restore(context.Background(), a.Ref(), cancel.New(), nil)
	require.Equal(t, Succeeded, res.Outcome, res.Message())

	data, err := os.ReadFile(filepath.Join(e.dir, "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "from cdn", string(data))
	assert.Zero(t, e.srv.Requests("GET /0/file/dev-old/77"))
}

func TestUpload_ClearsServerURL(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "abc")

	a.RemoteURL = "https://cdn.example/stale"
	require.NoError(t, e.store.Update(context.Background(), a))

	require.Equal(t, Succeeded, e.worker.Upload(context.Background(), a.Ref(), cancel.New(), nil).Outcome)

	got, err := e.store.Get(context.Background(), a.Ref())
	require.NoError(t, err)
	assert.Empty(t, got.RemoteURL)
	assert.Equal(t, testOwner, got.RemoteOwnerID)
}

func TestRestore_WithoutRemoteReference(t *testing.T) {
	e := newTestEnv(t)

	a, err := e.store.Register(context.Background(), &asset.Asset{
		Partition: 0, Name: "orphan.mp4", Residency: asset.RemoteOnly,
	})
	require.NoError(t, err)

	res := e.worker.Restore(context.Background(), a.Ref(), cancel.New(), nil)
	assert.Equal(t, TransferFailed, res.Outcome)
	assert.Zero(t, e.srv.Requests("GET /0/file//0"))
}

func TestDownload_KeepsResidency(t *testing.T) {
	e := newTestEnv(t)
	a := e.addRemote(t, "clip.mp4", "exported")
	dest := filepath.Join(t.TempDir(), "out", "copy.mp4")

	res := e.worker.Download(context.Background(), a.Ref(), dest, cancel.New(), nil)
	require.Equal(t, Succeeded, res.Outcome, res.Message())
	assert.Equal(t, asset.RemoteOnly, res.Residency)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "exported", string(data))
	assert.Equal(t, asset.RemoteOnly, e.residency(t, a.Ref()))
}

func TestPurge_RequiresUploaded(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "keep me")

	res := e.worker.Purge(context.Background(), a.Ref())

	assert.Equal(t, InvalidTransition, res.Outcome)
	assert.FileExists(t, filepath.Join(e.dir, "clip.mp4"))
	assert.Equal(t, asset.Local, e.residency(t, a.Ref()))
}

func TestPurge_MissingFileStillCompletes(t *testing.T) {
	e := newTestEnv(t)
	a := e.addLocal(t, "clip.mp4", "abc")

	require.NoError(t, e.store.UpdateResidency(context.Background(), a.Ref(), asset.Uploaded))
	require.NoError(t, os.Remove(filepath.Join(e.dir, "clip.mp4")))

	res := e.worker.Purge(context.Background(), a.Ref())
	assert.Equal(t, Succeeded, res.Outcome)
	assert.Equal(t, asset.RemoteOnly, e.residency(t, a.Ref()))
}

func TestForget_DropsRemoteReference(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.addLocal(t, "clip.mp4", "abc")

	require.Equal(t, Succeeded, e.worker.Upload(ctx, a.Ref(), cancel.New(), nil).Outcome)

	res := e.worker.Forget(ctx, a.Ref())
	require.Equal(t, Succeeded, res.Outcome)

	got, err := e.store.Get(ctx, a.Ref())
	require.NoError(t, err)
	assert.Equal(t, asset.Local, got.Residency)
	assert.False(t, got.HasRemote())

	assert.Equal(t, InvalidTransition, e.worker.Forget(ctx, a.Ref()).Outcome, "Local cannot be forgotten")
}
