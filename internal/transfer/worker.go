package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/vaultsync/internal/archive"
	"github.com/tonimelisma/vaultsync/internal/asset"
	"github.com/tonimelisma/vaultsync/internal/cancel"
)

// DefaultChunkSize is the streaming granularity when none is configured.
// Cancellation and progress are checked once per chunk.
const DefaultChunkSize = 256 * 1024

// partialSuffix marks a download in flight. The final name only appears
// after the whole payload is on disk.
const partialSuffix = ".partial"

// Archive is the part of *archive.Client a Worker uses.
type Archive interface {
	Upload(ctx context.Context, req archive.UploadRequest, content io.Reader) error
	OpenDownload(ctx context.Context, itemURL string) (io.ReadCloser, int64, error)
}

// Authenticator is the part of *archive.Session a Worker uses.
type Authenticator interface {
	Authenticate(ctx context.Context, force bool) error
}

// ProgressFunc receives (bytes transferred, total bytes) at chunk
// boundaries. Within one operation done never decreases.
type ProgressFunc func(done, total int64)

// Config holds the per-process settings of a Worker.
type Config struct {
	OwnerID   string         // this device's identity on the archive
	MediaDirs map[int]string // partition -> directory holding its files
	ChunkSize int
	Limiter   *BandwidthLimiter
}

// Worker executes single-asset operations. It is safe for concurrent use;
// the shared Guard keeps concurrent callers off the same asset. A
// cancel.Token must not be shared between concurrent operations.
type Worker struct {
	archive Archive
	auth    Authenticator
	store   asset.Store
	guard   *Guard
	cfg     Config
	logger  *slog.Logger
}

// NewWorker wires a worker. guard must be the process-wide guard.
func NewWorker(
	client Archive, auth Authenticator, store asset.Store, guard *Guard, cfg Config, logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	return &Worker{
		archive: client,
		auth:    auth,
		store:   store,
		guard:   guard,
		cfg:     cfg,
		logger:  logger,
	}
}

// MediaPath is where a's bytes live on this device.
func (w *Worker) MediaPath(a *asset.Asset) (string, error) {
	dir := w.cfg.MediaDirs[a.Partition]
	if dir == "" {
		return "", fmt.Errorf("no media directory for partition %d", a.Partition)
	}

	return filepath.Join(dir, a.Name), nil
}

// Upload sends the asset's local file to the archive and, once the server
// accepted it, advances residency to Uploaded. Uploading an Uploaded asset
// again is allowed and leaves it Uploaded.
func (w *Worker) Upload(ctx context.Context, ref asset.Ref, tok *cancel.Token, progress ProgressFunc) Result {
	return w.guarded(ctx, OpUpload, ref, tok, true, func(ctx context.Context, res *Result) {
		a, next, ok := w.load(ctx, res, ref, asset.EventUploaded)
		if !ok {
			return
		}

		path, err := w.MediaPath(a)
		if err != nil {
			w.fail(res, err, tok)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			w.fail(res, fmt.Errorf("opening %s: %w", a.Name, err), tok)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			w.fail(res, fmt.Errorf("stat %s: %w", a.Name, err), tok)
			return
		}

		total := info.Size()
		m := &meter{total: total, fn: progress}

		err = w.withReauth(ctx, func() error {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewinding %s: %w", a.Name, err)
			}

			m.reset()

			req := archive.NewUploadRequest(a, w.cfg.OwnerID)
			req.Size = total
			body := &chunkReader{
				r:     w.cfg.Limiter.WrapReader(ctx, f),
				chunk: w.cfg.ChunkSize,
				tok:   tok,
				meter: m,
			}

			return w.archive.Upload(ctx, req, body)
		})
		if err != nil {
			w.fail(res, err, tok)
			return
		}

		a.Residency = next
		a.Size = total
		a.RemoteOwnerID = w.cfg.OwnerID
		a.RemoteOriginalID = a.ID
		a.RemoteURL = ""

		if err := w.store.Update(context.WithoutCancel(ctx), a); err != nil {
			w.fail(res, fmt.Errorf("recording upload: %w", err), nil)
			return
		}

		res.Outcome = Succeeded
		res.Residency = next
		res.Bytes = total
	})
}

// Restore downloads a RemoteOnly asset back into its media directory and
// advances residency to Local.
func (w *Worker) Restore(ctx context.Context, ref asset.Ref, tok *cancel.Token, progress ProgressFunc) Result {
	return w.guarded(ctx, OpRestore, ref, tok, true, func(ctx context.Context, res *Result) {
		a, next, ok := w.load(ctx, res, ref, asset.EventRestored)
		if !ok {
			return
		}

		dest, err := w.MediaPath(a)
		if err != nil {
			w.fail(res, err, tok)
			return
		}

		n, ok := w.fetchTo(ctx, res, a, dest, tok, progress)
		if !ok {
			return
		}

		a.Residency = next
		a.Size = n

		if err := w.store.Update(context.WithoutCancel(ctx), a); err != nil {
			w.fail(res, fmt.Errorf("recording restore: %w", err), nil)
			return
		}

		res.Outcome = Succeeded
		res.Residency = next
		res.Bytes = n
	})
}

// Download fetches the asset's archived bytes to dest without touching its
// residency.
func (w *Worker) Download(
	ctx context.Context, ref asset.Ref, dest string, tok *cancel.Token, progress ProgressFunc,
) Result {
	return w.guarded(ctx, OpDownload, ref, tok, true, func(ctx context.Context, res *Result) {
		a, err := w.store.Get(ctx, ref)
		if err != nil {
			w.fail(res, err, tok)
			return
		}

		res.Residency = a.Residency

		n, ok := w.fetchTo(ctx, res, a, dest, tok, progress)
		if !ok {
			return
		}

		res.Outcome = Succeeded
		res.Bytes = n
	})
}

// Purge deletes the local copy of an Uploaded asset, leaving it RemoteOnly.
func (w *Worker) Purge(ctx context.Context, ref asset.Ref) Result {
	return w.guarded(ctx, OpPurge, ref, nil, false, func(ctx context.Context, res *Result) {
		a, next, ok := w.load(ctx, res, ref, asset.EventPurged)
		if !ok {
			return
		}

		path, err := w.MediaPath(a)
		if err != nil {
			w.fail(res, err, nil)
			return
		}

		// A missing file means an earlier purge got this far already.
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.fail(res, fmt.Errorf("removing %s: %w", a.Name, err), nil)
			return
		}

		if err := w.store.UpdateResidency(context.WithoutCancel(ctx), ref, next); err != nil {
			w.fail(res, fmt.Errorf("recording purge: %w", err), nil)
			return
		}

		res.Outcome = Succeeded
		res.Residency = next
	})
}

// Forget is the administrative Uploaded -> Local repair: the archive copy
// is no longer trusted, so the remote reference is dropped.
func (w *Worker) Forget(ctx context.Context, ref asset.Ref) Result {
	return w.guarded(ctx, OpForget, ref, nil, false, func(ctx context.Context, res *Result) {
		a, next, ok := w.load(ctx, res, ref, asset.EventForgotten)
		if !ok {
			return
		}

		a.Residency = next
		a.RemoteOwnerID = ""
		a.RemoteOriginalID = 0
		a.RemoteURL = ""

		if err := w.store.Update(context.WithoutCancel(ctx), a); err != nil {
			w.fail(res, fmt.Errorf("recording forget: %w", err), nil)
			return
		}

		res.Outcome = Succeeded
		res.Residency = next
	})
}

// guarded runs fn with the shared preamble: bind the token, check it,
// authenticate if the operation talks to the archive, take the asset's
// guard key. The key is released on every exit path.
func (w *Worker) guarded(
	ctx context.Context, op Op, ref asset.Ref, tok *cancel.Token, needsAuth bool,
	fn func(ctx context.Context, res *Result),
) Result {
	res := Result{Op: op, Ref: ref}

	ctx, release := tok.Bind(ctx)
	defer release()

	if tok.Cancelled() {
		w.fail(&res, ErrCancelled, tok)
		return res
	}

	if needsAuth {
		if err := w.auth.Authenticate(ctx, false); err != nil {
			w.fail(&res, err, tok)
			w.logResult(&res)

			return res
		}
	}

	key := AssetKey(ref)
	if !w.guard.TryAcquire(key) {
		res.Outcome = AlreadyInProgress
		res.Err = ErrAlreadyInProgress
		w.logResult(&res)

		return res
	}
	defer w.guard.Release(key)

	fn(ctx, &res)
	w.logResult(&res)

	return res
}

// load reads the asset and checks that ev is legal for its residency.
func (w *Worker) load(
	ctx context.Context, res *Result, ref asset.Ref, ev asset.Event,
) (*asset.Asset, asset.Residency, bool) {
	a, err := w.store.Get(ctx, ref)
	if err != nil {
		w.fail(res, err, nil)
		return nil, "", false
	}

	res.Residency = a.Residency

	next, err := asset.Advance(a.Residency, ev)
	if err != nil {
		res.Outcome = InvalidTransition
		res.Err = err

		return nil, "", false
	}

	return a, next, true
}

// fetchTo streams a's archived bytes to dest via a partial file.
func (w *Worker) fetchTo(
	ctx context.Context, res *Result, a *asset.Asset, dest string, tok *cancel.Token, progress ProgressFunc,
) (int64, bool) {
	if !a.HasRemote() {
		w.fail(res, fmt.Errorf("asset %s has no archive location", a.Ref()), tok)
		return 0, false
	}

	itemURL := archive.ItemURL(a)
	m := &meter{total: a.Size, fn: progress}

	var n int64

	err := w.withReauth(ctx, func() error {
		var err error
		n, err = w.fetch(ctx, itemURL, dest, tok, m)

		return err
	})
	if err != nil {
		w.fail(res, err, tok)
		return n, false
	}

	return n, true
}

// fetch downloads itemURL into dest+".partial" chunk by chunk and renames it
// into place when complete. Any failure, cancellation included, removes the
// partial file.
func (w *Worker) fetch(
	ctx context.Context, itemURL, dest string, tok *cancel.Token, m *meter,
) (int64, error) {
	m.reset()

	body, size, err := w.archive.OpenDownload(ctx, itemURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if size >= 0 {
		m.total = size
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil { //nolint:mnd // standard dir perms
		return 0, fmt.Errorf("creating directory for %s: %w", dest, err)
	}

	partial := dest + partialSuffix

	f, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("creating partial file: %w", err)
	}

	n, err := w.copyChunks(ctx, f, body, tok, m)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short download: got %d of %d bytes", n, size)
	}

	if err == nil {
		err = f.Sync()
	}

	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}

	if err != nil {
		if rmErr := os.Remove(partial); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			w.logger.Warn("removing partial file failed",
				slog.String("path", partial),
				slog.String("error", rmErr.Error()),
			)
		}

		return n, err
	}

	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return n, fmt.Errorf("renaming partial file: %w", err)
	}

	return n, nil
}

// copyChunks copies src to dst in ChunkSize pieces, checking the token
// before each one.
func (w *Worker) copyChunks(
	ctx context.Context, dst io.Writer, src io.Reader, tok *cancel.Token, m *meter,
) (int64, error) {
	buf := make([]byte, w.cfg.ChunkSize)
	out := w.cfg.Limiter.WrapWriter(ctx, dst)

	var written int64

	for {
		if tok.Cancelled() {
			return written, ErrCancelled
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("writing chunk: %w", werr)
			}

			written += int64(n)
			m.add(int64(n))
		}

		switch {
		case rerr == nil:
			continue
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			return written, nil
		default:
			return written, fmt.Errorf("reading chunk: %w", rerr)
		}
	}
}

// withReauth runs call and, if it went out with a rejected or missing
// token, logs in again and runs it once more. A 401 already invalidated the
// session's token, so a plain Authenticate performs the handshake;
// concurrent workers that lost the same token share that one handshake.
func (w *Worker) withReauth(ctx context.Context, call func() error) error {
	err := call()
	if err == nil || !archive.NeedsLogin(err) {
		return err
	}

	w.logger.Info("archive token missing or rejected, re-authenticating",
		slog.String("error", err.Error()),
	)

	if authErr := w.auth.Authenticate(ctx, false); authErr != nil {
		return authErr
	}

	return call()
}

// fail classifies err into res. Cancellation wins over whatever error the
// aborted call produced.
func (w *Worker) fail(res *Result, err error, tok *cancel.Token) {
	switch {
	case tok.Cancelled(), errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		res.Outcome = Cancelled
		res.Err = ErrCancelled
	case errors.Is(err, archive.ErrAuthFailed):
		res.Outcome = AuthFailed
		res.Err = err
	case errors.Is(err, archive.ErrNotAuthenticated):
		res.Outcome = NotAuthenticated
		res.Err = err
	default:
		res.Outcome = TransferFailed
		res.Status = archive.StatusCode(err)
		res.Err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
}

func (w *Worker) logResult(res *Result) {
	attrs := []any{
		slog.String("op", string(res.Op)),
		slog.String("asset", res.Ref.String()),
		slog.String("outcome", res.Outcome.String()),
	}

	switch res.Outcome {
	case Succeeded:
		w.logger.Info("transfer finished", append(attrs, slog.Int64("bytes", res.Bytes))...)
	case AlreadyInProgress, Cancelled:
		w.logger.Debug("transfer skipped", attrs...)
	case TransferFailed, AuthFailed, NotAuthenticated:
		w.logger.Warn("transfer failed", append(attrs, slog.String("error", res.Err.Error()))...)
	case InvalidTransition:
		w.logger.Error("transfer rejected by residency rules", append(attrs, slog.String("error", res.Err.Error()))...)
	}
}

// chunkReader feeds the upload body: at most one chunk per Read, a token
// check before each, progress after each.
type chunkReader struct {
	r     io.Reader
	chunk int
	tok   *cancel.Token
	meter *meter
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.tok.Cancelled() {
		return 0, ErrCancelled
	}

	if len(p) > c.chunk {
		p = p[:c.chunk]
	}

	n, err := c.r.Read(p)
	c.meter.add(int64(n))

	return n, err
}

// meter turns byte counts into monotonic progress calls. A retry restarts
// done from zero, but nothing is reported until it passes the high-water mark.
type meter struct {
	done     int64
	reported int64
	total    int64
	fn       ProgressFunc
}

func (m *meter) add(n int64) {
	if n <= 0 {
		return
	}

	m.done += n
	if m.done <= m.reported {
		return
	}

	m.reported = m.done
	if m.fn != nil {
		m.fn(m.done, m.total)
	}
}

func (m *meter) reset() {
	m.done = 0
}
