package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/tonimelisma/vaultsync/internal/archive"
	"github.com/tonimelisma/vaultsync/internal/asset"
	"github.com/tonimelisma/vaultsync/internal/config"
	"github.com/tonimelisma/vaultsync/internal/migration"
	"github.com/tonimelisma/vaultsync/internal/transfer"
)

const stateDirPermissions = 0o700

// errNoPassword is returned when no password is configured and stdin is not
// a terminal to prompt on.
var errNoPassword = errors.New("no archive password: set VAULTSYNC_PASSWORD or run interactively")

// readPassword reads a line from the terminal without echo. Tests replace it.
var readPassword = term.ReadPassword

// app is the per-command object graph. The session authenticates through a
// short-timeout probe client; every other call goes through the
// long-timeout client so large uploads and downloads are not cut off.
type app struct {
	cfg    *config.Resolved
	logger *slog.Logger

	store   *asset.SQLiteStore
	session *archive.Session
	client  *archive.Client
	guard   *transfer.Guard
	worker  *transfer.Worker
	pool    *transfer.Pool
}

// newApp opens the metadata store and wires the archive session, clients
// and transfer worker for cfg.
func newApp(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), stateDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	store, err := asset.NewSQLiteStore(ctx, cfg.StateDB, logger)
	if err != nil {
		return nil, err
	}

	probe := archive.NewClient(cfg.ArchiveURL, &http.Client{Timeout: cfg.ProbeTimeout}, nil, logger, cfg.UserAgent)
	session := archive.NewSession(probe, passwordSource(cfg), logger)
	client := archive.NewClient(cfg.ArchiveURL, &http.Client{Timeout: cfg.RequestTimeout}, session, logger, cfg.UserAgent)

	guard := transfer.NewGuard()
	worker := transfer.NewWorker(client, session, store, guard, transfer.Config{
		OwnerID:   cfg.DeviceID,
		MediaDirs: cfg.MediaDirs,
		ChunkSize: int(cfg.ChunkSize),
		Limiter:   transfer.NewBandwidthLimiter(cfg.BandwidthLimit, logger),
	}, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		session: session,
		client:  client,
		guard:   guard,
		worker:  worker,
		pool:    transfer.NewPool(cfg.ParallelTransfers, logger),
	}, nil
}

// coordinator builds a migration coordinator for this device's identity.
func (a *app) coordinator() *migration.Coordinator {
	return migration.NewCoordinator(a.client, a.session, a.store, a.worker, a.guard, migration.Config{
		Source:          a.cfg.DeviceID,
		HandleTTL:       a.cfg.HandleTTL,
		ReportAttempts:  a.cfg.ReportAttempts,
		ParallelReports: a.cfg.ParallelReports,
	}, a.logger)
}

func (a *app) Close() error {
	return a.store.Close()
}

// passwordSource returns the configured password, or prompts once on the
// terminal and remembers the answer for later handshakes.
func passwordSource(cfg *config.Resolved) archive.PasswordFunc {
	var (
		mu       sync.Mutex
		password = cfg.Password
	)

	return func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		if password != "" {
			return password, nil
		}

		p, err := promptPassword(os.Stdin, os.Stderr)
		if err != nil {
			return "", err
		}

		password = p

		return password, nil
	}
}

// promptPassword asks for the password on in. in must be a terminal.
func promptPassword(in, out *os.File) (string, error) {
	if !isatty.IsTerminal(in.Fd()) {
		return "", errNoPassword
	}

	fmt.Fprint(out, "Archive password: ")

	b, err := readPassword(int(in.Fd()))
	fmt.Fprintln(out)

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", errNoPassword
	}

	return p, nil
}
