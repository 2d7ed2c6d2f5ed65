package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vaultsync/internal/transfer"
	"github.com/tonimelisma/vaultsync/internal/watch"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Capture and upload new media files continuously",
		Long: `Watch every configured media directory. Files already present are
ingested first; afterwards each new or rewritten file is registered and
uploaded once it has stopped changing. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

// watchPIDPath keeps one watcher per state database.
func watchPIDPath(stateDB string) string {
	return filepath.Join(filepath.Dir(stateDB), "watch.pid")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if len(resolvedCfg.MediaDirs) == 0 {
		return errors.New("no [partition.N] media directories configured")
	}

	logger := buildLogger()

	a, err := newApp(cmd.Context(), resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	cleanup, err := writePIDFile(watchPIDPath(resolvedCfg.StateDB))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	if !a.session.EnsureAuthenticated(ctx, false) {
		return fmt.Errorf("%w: uploads cannot start", errLoginFailed)
	}

	var uploaded, failed int

	stream := a.pool.Stream(ctx, func(res transfer.Result) {
		if res.OK() {
			uploaded++
			return
		}

		failed++
		statusf(flagQuiet, "%s\n", res.Message())
	})

	capture := watch.New(a.store, a.worker, stream.Submit, resolvedCfg.MediaDirs, resolvedCfg.WatchSettle, logger)

	statusf(flagQuiet, "Watching %d director(ies). Press Ctrl-C to stop.\n", len(resolvedCfg.MediaDirs))

	watchErr := capture.Watch(ctx)
	stream.Wait()

	logger.Info("watch stopped",
		slog.Int("uploaded", uploaded),
		slog.Int("failed", failed),
	)

	return watchErr
}
