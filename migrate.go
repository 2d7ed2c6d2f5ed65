package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vaultsync/internal/archive"
	"github.com/tonimelisma/vaultsync/internal/migration"
)

var flagPayload bool

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move this device's archived files to another device identity",
	}

	cmd.AddCommand(newMigrateDevicesCmd())
	cmd.AddCommand(newMigrateRunCmd())

	return cmd
}

func newMigrateDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the device identities this device's files can migrate to",
		Args:  cobra.NoArgs,
		RunE:  runMigrateDevices,
	}
}

func newMigrateRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <target-device>",
		Short: "Migrate every archived file to the target identity",
		Long: `Open a migration handle, convert each archived entry into a local record,
report it to the archive as owned by the target identity, and close the
handle. With --payload each entry's bytes are restored as well. Entries whose
name is already taken locally are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: runMigrateRun,
	}

	cmd.Flags().BoolVar(&flagPayload, "payload", false, "restore file contents, not just metadata")

	return cmd
}

// deviceJSON is the JSON representation of one archive device.
type deviceJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func runMigrateDevices(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, buildLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	devices, err := a.coordinator().Devices(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return printDevicesJSON(os.Stdout, devices)
	}

	if len(devices) == 0 {
		statusf(flagQuiet, "No other devices.\n")
		return nil
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{d.ID, d.Name})
	}

	printTable(os.Stdout, []string{"ID", "NAME"}, rows)

	return nil
}

func printDevicesJSON(w io.Writer, devices []archive.Device) error {
	out := make([]deviceJSON, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceJSON(d))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

// migrationItemJSON is the JSON representation of one migration item.
type migrationItemJSON struct {
	Name       string `json:"name"`
	OriginalID int64  `json:"original_id"`
	Status     string `json:"status"`
	LocalID    int64  `json:"local_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type migrationReportJSON struct {
	Handle   string              `json:"handle"`
	Migrated int                 `json:"migrated"`
	Skipped  int                 `json:"skipped"`
	Failed   int                 `json:"failed"`
	EndError string              `json:"end_error,omitempty"`
	Items    []migrationItemJSON `json:"items"`
}

func runMigrateRun(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)
	target := args[0]

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	statusf(flagQuiet, "Migrating %s to %s...\n", resolvedCfg.DeviceID, target)

	rep, err := a.coordinator().Run(ctx, target, migration.RunOptions{Payload: flagPayload})
	if err != nil {
		return err
	}

	if flagJSON {
		if err := printMigrationJSON(os.Stdout, rep); err != nil {
			return err
		}
	} else {
		printMigrationReport(os.Stdout, rep)
	}

	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d entries failed to migrate", rep.Failed, len(rep.Items))
	}

	return nil
}

func printMigrationReport(w io.Writer, rep *migration.Report) {
	rows := make([][]string, 0, len(rep.Items))

	for i := range rep.Items {
		it := &rep.Items[i]
		detail := ""

		switch it.Status {
		case migration.Migrated:
			detail = "local id " + strconv.FormatInt(it.LocalID, 10)
		case migration.Skipped, migration.Failed:
			if it.Err != nil {
				detail = it.Err.Error()
			}
		}

		rows = append(rows, []string{it.Entry.Name, it.Status.String(), detail})
	}

	if len(rows) > 0 {
		printTable(w, []string{"NAME", "STATUS", "DETAIL"}, rows)
	}

	fmt.Fprintf(w, "Handle %s: %d migrated, %d skipped, %d failed\n", rep.Handle, rep.Migrated, rep.Skipped, rep.Failed)

	if rep.EndErr != nil {
		fmt.Fprintf(w, "Warning: closing the handle failed: %v\n", rep.EndErr)
	}
}

func printMigrationJSON(w io.Writer, rep *migration.Report) error {
	out := migrationReportJSON{
		Handle:   rep.Handle,
		Migrated: rep.Migrated,
		Skipped:  rep.Skipped,
		Failed:   rep.Failed,
		Items:    make([]migrationItemJSON, 0, len(rep.Items)),
	}

	if rep.EndErr != nil {
		out.EndError = rep.EndErr.Error()
	}

	for i := range rep.Items {
		it := &rep.Items[i]
		item := migrationItemJSON{
			Name:       it.Entry.Name,
			OriginalID: it.Entry.OriginalID,
			Status:     it.Status.String(),
			LocalID:    it.LocalID,
		}

		if it.Err != nil {
			item.Error = it.Err.Error()
		}

		out.Items = append(out.Items, item)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
