package asset

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const sqlAssetColumns = `partition, id, name, size, created_at, modified_at,
	rating, mark, label, category, duration_ms, chapter_marks, ext_attr,
	residency, remote_owner_id, remote_original_id, remote_url`

const (
	sqlGetAsset = `SELECT ` + sqlAssetColumns + `
		FROM assets WHERE partition = ? AND id = ?`

	sqlFindAssetByName = `SELECT ` + sqlAssetColumns + `
		FROM assets WHERE partition = ? AND name = ?`

	sqlListAssets = `SELECT ` + sqlAssetColumns + `
		FROM assets WHERE partition = ? ORDER BY id`

	sqlNextAssetID = `INSERT INTO asset_ids (partition, last_id) VALUES (?, 1)
		ON CONFLICT (partition) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id`

	sqlNameTaken = `SELECT COUNT(*) FROM assets WHERE partition = ? AND name = ?`

	sqlInsertAsset = `INSERT INTO assets (` + sqlAssetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateAsset = `UPDATE assets SET
		name = ?, size = ?, created_at = ?, modified_at = ?, rating = ?,
		mark = ?, label = ?, category = ?, duration_ms = ?, chapter_marks = ?,
		ext_attr = ?, residency = ?, remote_owner_id = ?, remote_original_id = ?,
		remote_url = ?
		WHERE partition = ? AND id = ?`

	sqlUpdateResidency = `UPDATE assets SET residency = ? WHERE partition = ? AND id = ?`

	sqlDeleteAsset = `DELETE FROM assets WHERE partition = ? AND id = ?`
)

// SQLiteStore persists assets in a local SQLite database. It is the sole
// writer to its database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies pending schema migrations.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN pragmas apply to every pooled connection.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("asset: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("asset store ready", slog.String("db_path", dbPath))

	return &SQLiteStore{db: db, logger: logger}, nil
}

// runMigrations applies embedded goose migrations through the Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("asset: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("asset: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("asset: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, ref Ref) (*Asset, error) {
	row := s.db.QueryRowContext(ctx, sqlGetAsset, ref.Partition, ref.ID)

	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	if err != nil {
		return nil, fmt.Errorf("asset: get %s: %w", ref, err)
	}

	return a, nil
}

// FindByName implements Store.
func (s *SQLiteStore) FindByName(ctx context.Context, partition int, name string) (*Asset, error) {
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, sqlFindAssetByName, partition, normalized)

	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q in partition %d", ErrNotFound, normalized, partition)
	}

	if err != nil {
		return nil, fmt.Errorf("asset: find %q: %w", normalized, err)
	}

	return a, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, partition int) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx, sqlListAssets, partition)
	if err != nil {
		return nil, fmt.Errorf("asset: listing partition %d: %w", partition, err)
	}
	defer rows.Close()

	var out []*Asset

	for rows.Next() {
		a, scanErr := scanAsset(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("asset: scanning row: %w", scanErr)
		}

		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("asset: iterating rows: %w", err)
	}

	return out, nil
}

// Register implements Store.
func (s *SQLiteStore) Register(ctx context.Context, a *Asset) (*Asset, error) {
	name, err := NormalizeName(a.Name)
	if err != nil {
		return nil, err
	}

	residency := a.Residency
	if residency == "" {
		residency = Local
	}

	if !residency.Valid() {
		return nil, fmt.Errorf("asset: register %q: unknown residency %q", name, residency)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("asset: begin register tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var taken int
	if err := tx.QueryRowContext(ctx, sqlNameTaken, a.Partition, name).Scan(&taken); err != nil {
		return nil, fmt.Errorf("asset: checking name %q: %w", name, err)
	}

	if taken > 0 {
		return nil, fmt.Errorf("%w: %q in partition %d", ErrDuplicateName, name, a.Partition)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, sqlNextAssetID, a.Partition).Scan(&id); err != nil {
		return nil, fmt.Errorf("asset: allocating id: %w", err)
	}

	out := *a
	out.ID = id
	out.Name = name
	out.Residency = residency

	args, err := insertArgs(&out)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, sqlInsertAsset, args...); err != nil {
		return nil, fmt.Errorf("asset: inserting %q: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("asset: commit register: %w", err)
	}

	s.logger.Debug("asset registered",
		slog.String("ref", out.Ref().String()),
		slog.String("name", name),
		slog.String("residency", string(residency)),
	)

	return &out, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, a *Asset) error {
	if !a.Residency.Valid() {
		return fmt.Errorf("asset: update %s: unknown residency %q", a.Ref(), a.Residency)
	}

	chapters, err := encodeChapters(a.ChapterMarks)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, sqlUpdateAsset,
		a.Name, a.Size, toMillis(a.CreatedAt), toMillis(a.ModifiedAt), a.Rating,
		a.Mark, a.Label, a.Category, a.DurationMs, chapters,
		a.ExtAttr, string(a.Residency), a.RemoteOwnerID, a.RemoteOriginalID,
		a.RemoteURL, a.Partition, a.ID,
	)
	if err != nil {
		return fmt.Errorf("asset: update %s: %w", a.Ref(), err)
	}

	return requireOneRow(res, a.Ref())
}

// UpdateResidency implements Store.
func (s *SQLiteStore) UpdateResidency(ctx context.Context, ref Ref, r Residency) error {
	if !r.Valid() {
		return fmt.Errorf("asset: update residency %s: unknown residency %q", ref, r)
	}

	res, err := s.db.ExecContext(ctx, sqlUpdateResidency, string(r), ref.Partition, ref.ID)
	if err != nil {
		return fmt.Errorf("asset: update residency %s: %w", ref, err)
	}

	return requireOneRow(res, ref)
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, ref Ref) error {
	res, err := s.db.ExecContext(ctx, sqlDeleteAsset, ref.Partition, ref.ID)
	if err != nil {
		return fmt.Errorf("asset: delete %s: %w", ref, err)
	}

	return requireOneRow(res, ref)
}

func requireOneRow(res sql.Result, ref Ref) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("asset: rows affected for %s: %w", ref, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*Asset, error) {
	var (
		a          Asset
		created    int64
		modified   int64
		chapters   string
		residency  string
		originalID int64
	)

	err := row.Scan(
		&a.Partition, &a.ID, &a.Name, &a.Size, &created, &modified,
		&a.Rating, &a.Mark, &a.Label, &a.Category, &a.DurationMs, &chapters, &a.ExtAttr,
		&residency, &a.RemoteOwnerID, &originalID, &a.RemoteURL,
	)
	if err != nil {
		return nil, err
	}

	a.CreatedAt = fromMillis(created)
	a.ModifiedAt = fromMillis(modified)
	a.Residency = Residency(residency)
	a.RemoteOriginalID = originalID

	if chapters != "" {
		if err := json.Unmarshal([]byte(chapters), &a.ChapterMarks); err != nil {
			return nil, fmt.Errorf("decoding chapter marks of %s: %w", a.Ref(), err)
		}
	}

	return &a, nil
}

func insertArgs(a *Asset) ([]any, error) {
	chapters, err := encodeChapters(a.ChapterMarks)
	if err != nil {
		return nil, err
	}

	return []any{
		a.Partition, a.ID, a.Name, a.Size, toMillis(a.CreatedAt), toMillis(a.ModifiedAt),
		a.Rating, a.Mark, a.Label, a.Category, a.DurationMs, chapters, a.ExtAttr,
		string(a.Residency), a.RemoteOwnerID, a.RemoteOriginalID, a.RemoteURL,
	}, nil
}

func encodeChapters(marks []int64) (string, error) {
	if len(marks) == 0 {
		return "[]", nil
	}

	b, err := json.Marshal(marks)
	if err != nil {
		return "", fmt.Errorf("asset: encoding chapter marks: %w", err)
	}

	return string(b), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}
