package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/vaultsync/internal/asset"
	"github.com/tonimelisma/vaultsync/internal/cancel"
	"github.com/tonimelisma/vaultsync/internal/transfer"
)

// Timing defaults for the watch loop.
const (
	DefaultSettle = 2 * time.Second

	errInitBackoff = 1 * time.Second
	errMaxBackoff  = 30 * time.Second
	errBackoffMult = 2
)

// Uploader is the part of *transfer.Worker the capture loop drives.
type Uploader interface {
	Upload(ctx context.Context, ref asset.Ref, tok *cancel.Token, progress transfer.ProgressFunc) transfer.Result
	Forget(ctx context.Context, ref asset.Ref) transfer.Result
}

// Capture registers new media files as Local assets and queues their
// upload. Each partition's media directory is watched flat; nested
// directories are not captured.
type Capture struct {
	store    asset.Store
	uploader Uploader
	submit   func(transfer.Job)
	dirs     map[int]string
	settle   time.Duration
	logger   *slog.Logger

	watcherFactory func() (FsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error
	nowFunc        func() time.Time

	mu      sync.Mutex
	pending map[string]pendingFile
}

type pendingFile struct {
	partition int
	lastEvent time.Time
}

// New creates a capture loop. submit receives one upload job per captured
// file; pass (*transfer.Stream).Submit to run them on a pool. A file is
// ingested once no event has touched it for settle.
func New(
	store asset.Store, uploader Uploader, submit func(transfer.Job),
	dirs map[int]string, settle time.Duration, logger *slog.Logger,
) *Capture {
	if logger == nil {
		logger = slog.Default()
	}

	if settle <= 0 {
		settle = DefaultSettle
	}

	return &Capture{
		store:          store,
		uploader:       uploader,
		submit:         submit,
		dirs:           dirs,
		settle:         settle,
		logger:         logger,
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      sleepCtx,
		nowFunc:        time.Now,
		pending:        make(map[string]pendingFile),
	}
}

// Scan ingests every file already present in the media directories and
// returns how many uploads it queued.
func (c *Capture) Scan(ctx context.Context) (int, error) {
	queued := 0

	for _, partition := range c.partitions() {
		dir := c.dirs[partition]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return queued, fmt.Errorf("watch: reading %s: %w", dir, err)
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return queued, ctx.Err()
			}

			if entry.IsDir() || ignored(entry.Name()) {
				continue
			}

			ok, err := c.Ingest(ctx, partition, filepath.Join(dir, entry.Name()))
			if err != nil {
				c.logger.Warn("capture failed",
					slog.String("path", entry.Name()),
					slog.String("error", err.Error()),
				)

				continue
			}

			if ok {
				queued++
			}
		}
	}

	return queued, nil
}

// Watch scans once, then follows filesystem events until ctx is done.
func (c *Capture) Watch(ctx context.Context) error {
	watcher, err := c.watcherFactory()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer watcher.Close()

	for _, partition := range c.partitions() {
		if err := watcher.Add(c.dirs[partition]); err != nil {
			return fmt.Errorf("watch: watching %s: %w", c.dirs[partition], err)
		}
	}

	queued, err := c.Scan(ctx)
	if err != nil {
		return err
	}

	c.logger.Info("capture watch started",
		slog.Int("directories", len(c.dirs)),
		slog.Int("queued", queued),
	)

	return c.loop(ctx, watcher)
}

func (c *Capture) loop(ctx context.Context, watcher FsWatcher) error {
	tick := c.settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	errBackoff := errInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			c.noteEvent(ev)
			errBackoff = errInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			c.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := c.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff = min(errBackoff*errBackoffMult, errMaxBackoff)

		case <-ticker.C:
			c.flushSettled(ctx)
		}
	}
}

// noteEvent records a create or write. The file is ingested once it has
// been quiet for the settle period, so a camera still writing it is left
// alone.
func (c *Capture) noteEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if ignored(filepath.Base(ev.Name)) {
		return
	}

	partition, ok := c.partitionOf(ev.Name)
	if !ok {
		return
	}

	c.mu.Lock()
	c.pending[ev.Name] = pendingFile{partition: partition, lastEvent: c.nowFunc()}
	c.mu.Unlock()
}

func (c *Capture) flushSettled(ctx context.Context) {
	now := c.nowFunc()

	var ready []string

	c.mu.Lock()
	for path, p := range c.pending {
		if now.Sub(p.lastEvent) >= c.settle {
			ready = append(ready, path)
		}
	}

	parts := make(map[string]int, len(ready))
	for _, path := range ready {
		parts[path] = c.pending[path].partition
		delete(c.pending, path)
	}
	c.mu.Unlock()

	sort.Strings(ready)

	for _, path := range ready {
		if _, err := c.Ingest(ctx, parts[path], path); err != nil {
			c.logger.Warn("capture failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Ingest registers or refreshes the asset for path and queues its upload.
// It reports whether an upload was queued. Assets already in the archive
// are queued again only if the file changed since; the stale archive copy
// is forgotten first.
func (c *Capture) Ingest(ctx context.Context, partition int, path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if !info.Mode().IsRegular() {
		return false, nil
	}

	name, err := asset.NormalizeName(info.Name())
	if err != nil {
		return false, err
	}

	mtime := info.ModTime()

	a, err := c.store.FindByName(ctx, partition, name)
	switch {
	case errors.Is(err, asset.ErrNotFound):
		a, err = c.store.Register(ctx, &asset.Asset{
			Partition:  partition,
			Name:       name,
			Size:       info.Size(),
			CreatedAt:  mtime,
			ModifiedAt: mtime,
			Residency:  asset.Local,
		})
		if errors.Is(err, asset.ErrDuplicateName) {
			// Registered concurrently; the other path queues it.
			return false, nil
		}

		if err != nil {
			return false, err
		}

		c.logger.Info("captured new asset",
			slog.String("asset", a.Ref().String()),
			slog.String("name", name),
			slog.Int64("size", info.Size()),
		)

	case err != nil:
		return false, err

	default:
		queue, err := c.refresh(ctx, a, info.Size(), mtime)
		if err != nil || !queue {
			return false, err
		}
	}

	ref := a.Ref()
	c.submit(func(ctx context.Context) transfer.Result {
		return c.uploader.Upload(ctx, ref, cancel.New(), nil)
	})

	return true, nil
}

// refresh reconciles an existing record with the file on disk and reports
// whether the asset needs uploading.
func (c *Capture) refresh(ctx context.Context, a *asset.Asset, size int64, mtime time.Time) (bool, error) {
	changed := a.Size != size || a.ModifiedAt.UnixMilli() != mtime.UnixMilli()

	switch a.Residency {
	case asset.RemoteOnly:
		// A restore is renaming its download into place.
		return false, nil

	case asset.Uploaded:
		if !changed {
			return false, nil
		}

		a.Size, a.ModifiedAt = size, mtime
		if err := c.store.Update(ctx, a); err != nil {
			return false, err
		}

		res := c.uploader.Forget(ctx, a.Ref())
		if res.Outcome != transfer.Succeeded {
			c.logger.Warn("rewritten asset left as uploaded",
				slog.String("asset", a.Ref().String()),
				slog.String("outcome", res.Outcome.String()),
			)

			return false, nil
		}

		return true, nil

	default:
		if changed {
			a.Size, a.ModifiedAt = size, mtime
			if err := c.store.Update(ctx, a); err != nil {
				return false, err
			}
		}

		return true, nil
	}
}

func (c *Capture) partitions() []int {
	parts := make([]int, 0, len(c.dirs))
	for p := range c.dirs {
		parts = append(parts, p)
	}

	sort.Ints(parts)

	return parts
}

// partitionOf maps a path to the partition whose directory directly
// contains it.
func (c *Capture) partitionOf(path string) (int, bool) {
	dir := filepath.Clean(filepath.Dir(path))

	for p, d := range c.dirs {
		if filepath.Clean(d) == dir {
			return p, true
		}
	}

	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
