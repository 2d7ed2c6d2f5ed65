package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var errLoginFailed = errors.New("login failed")

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the archive",
		Long: `Run the challenge/pass-phrase handshake against the archive and report
whether the password is accepted. The password comes from VAULTSYNC_PASSWORD
or is prompted for on the terminal.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("login started",
		slog.String("archive_url", resolvedCfg.ArchiveURL),
		slog.String("device_id", resolvedCfg.DeviceID),
	)

	if !a.session.AuthenticateInteractive(ctx) {
		return fmt.Errorf("%w: check the password and archive URL", errLoginFailed)
	}

	statusf(flagQuiet, "Logged in to %s as device %s\n", resolvedCfg.ArchiveURL, resolvedCfg.DeviceID)

	return nil
}
