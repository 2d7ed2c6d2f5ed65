package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vaultsync/internal/asset"
	"github.com/tonimelisma/vaultsync/internal/cancel"
	"github.com/tonimelisma/vaultsync/internal/transfer"
)

const mediaFilePermissions = 0o644

var errNotRegular = errors.New("not a regular file")

// Per-command flags.
var (
	flagPartition   int
	flagLsPartition int
	flagAddUpload   bool
	flagOutput      string
)

// parseRef accepts "partition@id" or a bare id in defaultPartition.
func parseRef(s string, defaultPartition int) (asset.Ref, error) {
	part, id, found := strings.Cut(s, "@")
	if !found {
		part, id = strconv.Itoa(defaultPartition), s
	}

	p, err := strconv.Atoi(part)
	if err != nil || p < 0 {
		return asset.Ref{}, fmt.Errorf("invalid asset reference %q: bad partition", s)
	}

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return asset.Ref{}, fmt.Errorf("invalid asset reference %q: bad id", s)
	}

	return asset.Ref{Partition: p, ID: n}, nil
}

func parseRefs(args []string, defaultPartition int) ([]asset.Ref, error) {
	refs := make([]asset.Ref, 0, len(args))

	for _, arg := range args {
		ref, err := parseRef(arg, defaultPartition)
		if err != nil {
			return nil, err
		}

		refs = append(refs, ref)
	}

	return refs, nil
}

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List tracked assets",
		Args:  cobra.NoArgs,
		RunE:  runLs,
	}

	cmd.Flags().IntVar(&flagLsPartition, "partition", -1, "only list this partition")

	return cmd
}

// lsJSONItem is the JSON representation of one asset.
type lsJSONItem struct {
	Ref        string `json:"ref"`
	Partition  int    `json:"partition"`
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Residency  string `json:"residency"`
	ModifiedAt string `json:"modified_at"`
	RemoteRef  string `json:"remote_ref,omitempty"`
}

func runLs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, resolvedCfg, buildLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	partitions := sortedPartitions(resolvedCfg.MediaDirs)
	if flagLsPartition >= 0 {
		partitions = []int{flagLsPartition}
	}

	var assets []*asset.Asset

	for _, p := range partitions {
		list, err := a.store.List(ctx, p)
		if err != nil {
			return err
		}

		assets = append(assets, list...)
	}

	if flagJSON {
		return printLsJSON(os.Stdout, assets)
	}

	if len(assets) == 0 {
		statusf(flagQuiet, "No assets.\n")
		return nil
	}

	printLsTable(os.Stdout, assets)

	return nil
}

func printLsJSON(w io.Writer, assets []*asset.Asset) error {
	items := make([]lsJSONItem, 0, len(assets))

	for _, a := range assets {
		item := lsJSONItem{
			Ref:        a.Ref().String(),
			Partition:  a.Partition,
			ID:         a.ID,
			Name:       a.Name,
			Size:       a.Size,
			Residency:  string(a.Residency),
			ModifiedAt: a.ModifiedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}

		if a.HasRemote() {
			item.RemoteRef = fmt.Sprintf("%s/%d", a.RemoteOwnerID, a.RemoteOriginalID)
		}

		items = append(items, item)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(items)
}

func printLsTable(w io.Writer, assets []*asset.Asset) {
	headers := []string{"REF", "NAME", "SIZE", "RESIDENCY", "MODIFIED"}
	rows := make([][]string, 0, len(assets))

	for _, a := range assets {
		rows = append(rows, []string{
			a.Ref().String(),
			a.Name,
			formatSize(a.Size),
			string(a.Residency),
			formatTime(a.ModifiedAt),
		})
	}

	printTable(w, headers, rows)
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <file>...",
		Short: "Register files as local assets",
		Long: `Register files as Local assets in a partition. Files outside the
partition's media directory are copied into it first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runAdd,
	}

	cmd.Flags().IntVar(&flagPartition, "partition", 0, "target partition")
	cmd.Flags().BoolVar(&flagAddUpload, "upload", false, "upload the new assets right away")

	return cmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := buildLogger()

	dir, ok := resolvedCfg.MediaDirs[flagPartition]
	if !ok {
		return fmt.Errorf("partition %d has no media_dir configured", flagPartition)
	}

	a, err := newApp(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var refs []asset.Ref

	for _, path := range args {
		added, err := addFile(ctx, a.store, flagPartition, dir, path)
		if err != nil {
			return fmt.Errorf("adding %s: %w", path, err)
		}

		refs = append(refs, added.Ref())
		statusf(flagQuiet, "Added %s as %s\n", added.Name, added.Ref())
	}

	if !flagAddUpload {
		return nil
	}

	ctx = shutdownContext(ctx, logger)
	p := newProgress(flagQuiet || flagJSON)

	return runBatch(ctx, a, p, refs, uploadJob(a, p))
}

// addFile places path in dir (copying if it lives elsewhere) and registers
// it as a Local asset.
func addFile(ctx context.Context, store asset.Store, partition int, dir, path string) (*asset.Asset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.Mode().IsRegular() {
		return nil, errNotRegular
	}

	name, err := asset.NormalizeName(info.Name())
	if err != nil {
		return nil, err
	}

	if _, err := store.FindByName(ctx, partition, name); err == nil {
		return nil, asset.ErrDuplicateName
	} else if !errors.Is(err, asset.ErrNotFound) {
		return nil, err
	}

	dest := filepath.Join(dir, name)

	if !sameFile(path, dest) {
		if err := copyFile(path, dest); err != nil {
			return nil, err
		}

		if info, err = os.Stat(dest); err != nil {
			return nil, err
		}
	}

	return store.Register(ctx, &asset.Asset{
		Partition:  partition,
		Name:       name,
		Size:       info.Size(),
		CreatedAt:  info.ModTime(),
		ModifiedAt: info.ModTime(),
		Residency:  asset.Local,
	})
}

func sameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}

	ib, err := os.Stat(b)
	if err != nil {
		return false
	}

	return os.SameFile(ia, ib)
}

// copyFile copies src to dst through a partial file. An existing dst is
// never overwritten.
func copyFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mediaFilePermissions)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)

		return fmt.Errorf("copying: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dst)
}

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <ref>...",
		Short: "Upload assets to the archive",
		Long:  "Upload Local assets to the archive. A ref is partition@id, or a bare id in --partition.",
		Args:  cobra.MinimumNArgs(1),
		RunE: batchCmd(func(a *app, p *progress) batchJob {
			return uploadJob(a, p)
		}),
	}

	cmd.Flags().IntVar(&flagPartition, "partition", 0, "partition for bare ids")

	return cmd
}

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <ref>...",
		Short: "Bring archived assets back onto the device",
		Long: `Download RemoteOnly assets back into their media directory. With --output
a single asset's archived bytes are written to that path instead and its
residency is left alone.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagOutput != "" && len(args) != 1 {
				return fmt.Errorf("--output takes exactly one asset")
			}

			return batchCmd(func(a *app, p *progress) batchJob {
				if flagOutput != "" {
					return downloadJob(a, p, flagOutput)
				}

				return func(ctx context.Context, ref asset.Ref) transfer.Result {
					return a.worker.Restore(ctx, ref, cancel.New(), p.For(transfer.OpRestore, ref))
				}
			})(cmd, args)
		},
	}

	cmd.Flags().IntVar(&flagPartition, "partition", 0, "partition for bare ids")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write the bytes to this path instead")

	return cmd
}

func newPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <ref>...",
		Short: "Delete local copies of uploaded assets",
		Args:  cobra.MinimumNArgs(1),
		RunE: batchCmd(func(a *app, _ *progress) batchJob {
			return a.worker.Purge
		}),
	}

	cmd.Flags().IntVar(&flagPartition, "partition", 0, "partition for bare ids")

	return cmd
}

func newForgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget <ref>...",
		Short: "Drop the archive reference of uploaded assets",
		Long:  "Mark Uploaded assets Local again so the next upload replaces the archived copy.",
		Args:  cobra.MinimumNArgs(1),
		RunE: batchCmd(func(a *app, _ *progress) batchJob {
			return a.worker.Forget
		}),
	}

	cmd.Flags().IntVar(&flagPartition, "partition", 0, "partition for bare ids")

	return cmd
}

// batchJob runs one operation on one asset.
type batchJob func(ctx context.Context, ref asset.Ref) transfer.Result

// uploadJob gives every upload its own cancellation token; a token holds
// one attached call at a time.
func uploadJob(a *app, p *progress) batchJob {
	return func(ctx context.Context, ref asset.Ref) transfer.Result {
		return a.worker.Upload(ctx, ref, cancel.New(), p.For(transfer.OpUpload, ref))
	}
}

func downloadJob(a *app, p *progress, dest string) batchJob {
	return func(ctx context.Context, ref asset.Ref) transfer.Result {
		return a.worker.Download(ctx, ref, dest, cancel.New(), p.For(transfer.OpDownload, ref))
	}
}

// batchCmd adapts a job builder into a RunE that parses refs and runs the
// jobs on the transfer pool.
func batchCmd(build func(a *app, p *progress) batchJob) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		refs, err := parseRefs(args, flagPartition)
		if err != nil {
			return err
		}

		logger := buildLogger()
		ctx := shutdownContext(cmd.Context(), logger)

		a, err := newApp(ctx, resolvedCfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		p := newProgress(flagQuiet || flagJSON)

		return runBatch(ctx, a, p, refs, build(a, p))
	}
}

// resultJSON is the JSON representation of one operation result.
type resultJSON struct {
	Op        string `json:"op"`
	Ref       string `json:"ref"`
	Outcome   string `json:"outcome"`
	Residency string `json:"residency,omitempty"`
	Bytes     int64  `json:"bytes"`
	Error     string `json:"error,omitempty"`
}

// runBatch executes job for every ref and prints the results. It fails if
// any operation neither succeeded nor was already running elsewhere.
func runBatch(ctx context.Context, a *app, p *progress, refs []asset.Ref, job batchJob) error {
	jobs := make([]transfer.Job, len(refs))
	for i, ref := range refs {
		jobs[i] = func(ctx context.Context) transfer.Result { return job(ctx, ref) }
	}

	results := a.pool.Run(ctx, jobs)
	p.Done()

	if err := printResults(os.Stdout, results); err != nil {
		return err
	}

	return batchError(results)
}

func printResults(w io.Writer, results []transfer.Result) error {
	if !flagJSON {
		for i := range results {
			fmt.Fprintln(w, results[i].Message())
		}

		return nil
	}

	out := make([]resultJSON, len(results))
	for i := range results {
		r := &results[i]
		out[i] = resultJSON{
			Op:        string(r.Op),
			Ref:       r.Ref.String(),
			Outcome:   r.Outcome.String(),
			Residency: string(r.Residency),
			Bytes:     r.Bytes,
		}

		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func batchError(results []transfer.Result) error {
	failed := 0

	for i := range results {
		if !results[i].OK() {
			failed++
		}
	}

	if failed == 0 {
		return nil
	}

	return fmt.Errorf("%d of %d operations failed", failed, len(results))
}

func sortedPartitions(dirs map[int]string) []int {
	parts := make([]int, 0, len(dirs))
	for p := range dirs {
		parts = append(parts, p)
	}

	sort.Ints(parts)

	return parts
}
