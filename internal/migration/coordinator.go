// Package migration re-assigns ownership of archived assets from one device
// identity to another. A Coordinator opens a migration handle, converts or
// restores each candidate locally, acknowledges each one to the archive
// individually, and closes the handle.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/vaultsync/internal/archive"
	"github.com/tonimelisma/vaultsync/internal/asset"
	"github.com/tonimelisma/vaultsync/internal/cancel"
	"github.com/tonimelisma/vaultsync/internal/transfer"
)

// Defaults for Config fields left zero.
const (
	DefaultReportAttempts  = 3
	DefaultParallelReports = 4
	defaultRetryDelay      = time.Second
)

// API is the part of *archive.Client the coordinator uses.
type API interface {
	Devices(ctx context.Context, owner string) ([]archive.Device, error)
	StartMigration(ctx context.Context, source, target string) (*archive.StartResult, error)
	ExecMigration(ctx context.Context, req archive.ExecRequest) error
	EndMigration(ctx context.Context, handle string) error
}

// Restorer fetches a RemoteOnly asset's bytes; *transfer.Worker implements it.
type Restorer interface {
	Restore(ctx context.Context, ref asset.Ref, tok *cancel.Token, progress transfer.ProgressFunc) transfer.Result
}

// Config tunes a Coordinator.
type Config struct {
	// Source is the identity whose files are migrated away.
	Source          string
	HandleTTL       time.Duration
	ReportAttempts  int
	ParallelReports int
}

// Coordinator drives migrations for one source identity.
type Coordinator struct {
	api      API
	auth     transfer.Authenticator
	store    asset.Store
	restorer Restorer
	guard    *transfer.Guard
	cfg      Config
	logger   *slog.Logger

	nowFunc    func() time.Time
	sleepFunc  func(ctx context.Context, d time.Duration) error
	retryDelay time.Duration
}

// NewCoordinator wires a coordinator. restorer may be nil when payload
// transfer is never requested.
func NewCoordinator(
	api API, auth transfer.Authenticator, store asset.Store, restorer Restorer,
	guard *transfer.Guard, cfg Config, logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.HandleTTL <= 0 {
		cfg.HandleTTL = DefaultHandleTTL
	}

	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = DefaultReportAttempts
	}

	if cfg.ParallelReports <= 0 {
		cfg.ParallelReports = DefaultParallelReports
	}

	return &Coordinator{
		api:        api,
		auth:       auth,
		store:      store,
		restorer:   restorer,
		guard:      guard,
		cfg:        cfg,
		logger:     logger,
		nowFunc:    time.Now,
		sleepFunc:  sleepCtx,
		retryDelay: defaultRetryDelay,
	}
}

// Devices lists the identities the source's files can be migrated to.
func (c *Coordinator) Devices(ctx context.Context) ([]archive.Device, error) {
	if err := c.auth.Authenticate(ctx, false); err != nil {
		return nil, fmt.Errorf("migration: %w", err)
	}

	devices, err := callWithReauth(ctx, c.auth, func() ([]archive.Device, error) {
		return c.api.Devices(ctx, c.cfg.Source)
	})
	if err != nil {
		return nil, fmt.Errorf("migration: %w", err)
	}

	return devices, nil
}

// Start opens a migration of the source identity's files to target.
func (c *Coordinator) Start(ctx context.Context, target string) (*Handle, error) {
	if target == "" || target == c.cfg.Source {
		return nil, fmt.Errorf("migration: invalid target %q", target)
	}

	if err := c.auth.Authenticate(ctx, false); err != nil {
		return nil, fmt.Errorf("migration: %w", err)
	}

	res, err := callWithReauth(ctx, c.auth, func() (*archive.StartResult, error) {
		return c.api.StartMigration(ctx, c.cfg.Source, target)
	})
	if err != nil {
		return nil, fmt.Errorf("migration: %w", err)
	}

	now := c.nowFunc()
	h := &Handle{
		ID:        res.Handle,
		Source:    c.cfg.Source,
		Target:    target,
		StartedAt: now,
		ExpiresAt: now.Add(c.cfg.HandleTTL),
	}

	for i := range res.Targets {
		if res.Targets[i].Valid() {
			h.Candidates = append(h.Candidates, res.Targets[i])
		}
	}

	c.logger.Info("migration started",
		slog.String("source", h.Source),
		slog.String("target", h.Target),
		slog.Int("candidates", len(h.Candidates)),
		slog.Time("expires_at", h.ExpiresAt),
	)

	return h, nil
}

// ReportMigratedOne tells the archive that entry now belongs to the
// handle's target under newLocalID. Each call is retried on its own; one
// entry's failure leaves the handle and the other entries untouched.
func (c *Coordinator) ReportMigratedOne(
	ctx context.Context, h *Handle, entry *archive.StoredFileEntry, newLocalID int64,
) error {
	if err := h.check(c.nowFunc()); err != nil {
		return err
	}

	key := transfer.Key{Kind: transfer.KindMigration, Partition: entry.Slot, ItemID: entry.OriginalID}
	if !c.guard.TryAcquire(key) {
		return transfer.ErrAlreadyInProgress
	}
	defer c.guard.Release(key)

	if err := c.auth.Authenticate(ctx, false); err != nil {
		return fmt.Errorf("migration: reporting entry %s: %w", entry.ID, err)
	}

	req := archive.ExecRequest{
		Handle:        h.ID,
		OldOwnerID:    entry.OwnerID,
		Slot:          entry.Slot,
		OldOriginalID: entry.OriginalID,
		NewOwnerID:    h.Target,
		NewOriginalID: newLocalID,
	}

	var err error

	for attempt := 1; attempt <= c.cfg.ReportAttempts; attempt++ {
		if err = h.check(c.nowFunc()); err != nil {
			return err
		}

		_, err = callWithReauth(ctx, c.auth, func() (struct{}, error) {
			return struct{}{}, c.api.ExecMigration(ctx, req)
		})
		if err == nil {
			return nil
		}

		if !retryableReport(err) || attempt == c.cfg.ReportAttempts {
			break
		}

		c.logger.Warn("migration report failed, retrying",
			slog.String("entry", entry.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, c.retryDelay); sleepErr != nil {
			return fmt.Errorf("migration: %w", sleepErr)
		}
	}

	return fmt.Errorf("migration: reporting entry %s: %w", entry.ID, err)
}

// End closes the handle locally, then on the server. A failed End is logged
// and the handle is still discarded; it is never retried.
func (c *Coordinator) End(ctx context.Context, h *Handle) error {
	if !h.close() {
		return nil
	}

	err := c.auth.Authenticate(ctx, false)
	if err == nil {
		_, err = callWithReauth(ctx, c.auth, func() (struct{}, error) {
			return struct{}{}, c.api.EndMigration(ctx, h.ID)
		})
	}

	if err != nil {
		c.logger.Warn("ending migration failed, handle discarded",
			slog.String("handle", h.ID),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("migration: %w", err)
	}

	c.logger.Info("migration ended", slog.String("handle", h.ID))

	return nil
}

// ItemStatus classifies what Run did with one candidate.
type ItemStatus int

// Item statuses.
const (
	Migrated ItemStatus = iota
	Skipped
	Failed
)

func (s ItemStatus) String() string {
	switch s {
	case Migrated:
		return "migrated"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ItemResult is the fate of one candidate.
type ItemResult struct {
	Entry   archive.StoredFileEntry
	Status  ItemStatus
	LocalID int64
	Err     error
}

// Report summarizes a Run.
type Report struct {
	Handle   string
	Items    []ItemResult
	Migrated int
	Skipped  int
	Failed   int
	EndErr   error
}

// RunOptions selects how candidates are materialized locally.
type RunOptions struct {
	// Payload restores each candidate's bytes; otherwise only metadata is
	// converted and the asset stays RemoteOnly.
	Payload bool
}

// Run performs a whole migration to target: Start, then each candidate
// (converted, optionally restored, then reported), then End. Candidates
// run in parallel up to ParallelReports.
func (c *Coordinator) Run(ctx context.Context, target string, opts RunOptions) (*Report, error) {
	runID := uuid.NewString()
	logger := c.logger.With(slog.String("run_id", runID))

	h, err := c.Start(ctx, target)
	if err != nil {
		return nil, err
	}

	rep := &Report{Handle: h.ID, Items: make([]ItemResult, len(h.Candidates))}

	var g errgroup.Group
	g.SetLimit(c.cfg.ParallelReports)

	for i := range h.Candidates {
		g.Go(func() error {
			rep.Items[i] = c.migrateOne(ctx, h, &h.Candidates[i], opts)
			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // items record their own errors

	rep.EndErr = c.End(context.WithoutCancel(ctx), h)

	for i := range rep.Items {
		switch rep.Items[i].Status {
		case Migrated:
			rep.Migrated++
		case Skipped:
			rep.Skipped++
		case Failed:
			rep.Failed++
		}
	}

	logger.Info("migration run finished",
		slog.String("handle", h.ID),
		slog.Int("migrated", rep.Migrated),
		slog.Int("skipped", rep.Skipped),
		slog.Int("failed", rep.Failed),
	)

	return rep, nil
}

// migrateOne materializes one candidate and reports it. A local record
// that already points at the candidate's archive location is an earlier
// run's unreported conversion and is reported again; any other record
// with the same name makes the candidate a skip.
func (c *Coordinator) migrateOne(
	ctx context.Context, h *Handle, e *archive.StoredFileEntry, opts RunOptions,
) ItemResult {
	item := ItemResult{Entry: *e}

	if err := ctx.Err(); err != nil {
		item.Status, item.Err = Failed, err
		return item
	}

	local, fresh, err := c.materialize(ctx, e)
	switch {
	case errors.Is(err, errNameTaken):
		item.Status, item.Err = Skipped, err
		return item
	case err != nil:
		item.Status, item.Err = Failed, err
		return item
	}

	item.LocalID = local.ID

	if fresh && opts.Payload && c.restorer != nil {
		res := c.restorer.Restore(ctx, local.Ref(), cancel.New(), nil)
		if res.Outcome != transfer.Succeeded {
			c.rollback(ctx, local)
			item.Status, item.Err = Failed, fmt.Errorf("restoring payload: %s", res.Message())

			return item
		}
	}

	if err := c.ReportMigratedOne(ctx, h, e, local.ID); err != nil {
		item.Status, item.Err = Failed, err
		return item
	}

	// The archive now files the bytes under the new owner and id.
	if err := c.repoint(ctx, local.Ref(), h.Target); err != nil {
		c.logger.Warn("updating archive location after migration failed",
			slog.String("asset", local.Ref().String()),
			slog.String("error", err.Error()),
		)
	}

	item.Status = Migrated

	return item
}

var errNameTaken = errors.New("migration: a different asset with this name exists locally")

// materialize returns the local record for e, creating a RemoteOnly one
// from the entry's metadata if needed. fresh is true when it was created now.
func (c *Coordinator) materialize(
	ctx context.Context, e *archive.StoredFileEntry,
) (a *asset.Asset, fresh bool, err error) {
	name, err := asset.NormalizeName(e.Name)
	if err != nil {
		return nil, false, err
	}

	existing, err := c.store.FindByName(ctx, e.Slot, name)
	switch {
	case err == nil:
		if existing.RemoteOwnerID == e.OwnerID && existing.RemoteOriginalID == e.OriginalID {
			return existing, false, nil
		}

		return nil, false, errNameTaken
	case !errors.Is(err, asset.ErrNotFound):
		return nil, false, err
	}

	rec := e.ToAsset(e.Slot)
	rec.Name = name

	a, err = c.store.Register(ctx, rec)
	if errors.Is(err, asset.ErrDuplicateName) {
		return nil, false, errNameTaken
	}

	if err != nil {
		return nil, false, err
	}

	return a, true, nil
}

// rollback drops a record created for a candidate whose payload never
// arrived, so a later run picks the candidate up again.
func (c *Coordinator) rollback(ctx context.Context, a *asset.Asset) {
	if err := c.store.Delete(context.WithoutCancel(ctx), a.Ref()); err != nil {
		c.logger.Warn("rolling back migrated record failed",
			slog.String("asset", a.Ref().String()),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) repoint(ctx context.Context, ref asset.Ref, owner string) error {
	ctx = context.WithoutCancel(ctx)

	a, err := c.store.Get(ctx, ref)
	if err != nil {
		return err
	}

	a.RemoteOwnerID = owner
	a.RemoteOriginalID = a.ID
	// The handed-out URL named the old owner and id.
	a.RemoteURL = ""

	return c.store.Update(ctx, a)
}

// callWithReauth runs call and repeats it once after re-authenticating if
// the call went out with a rejected or missing token.
func callWithReauth[T any](ctx context.Context, auth transfer.Authenticator, call func() (T, error)) (T, error) {
	v, err := call()
	if err == nil || !archive.NeedsLogin(err) {
		return v, err
	}

	if authErr := auth.Authenticate(ctx, false); authErr != nil {
		var zero T
		return zero, authErr
	}

	return call()
}

// retryableReport reports whether another attempt could succeed. A gone
// handle or a rejected request will not change on retry.
func retryableReport(err error) bool {
	switch {
	case errors.Is(err, archive.ErrGone),
		errors.Is(err, archive.ErrBadRequest),
		errors.Is(err, archive.ErrForbidden),
		errors.Is(err, archive.ErrNotFound),
		errors.Is(err, archive.ErrAuthFailed),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
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
