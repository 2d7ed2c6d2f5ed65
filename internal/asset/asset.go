// Package asset models locally captured media assets, their residency state
// machine, and the metadata store that persists them. The store is consumed
// through the Store interface; SQLiteStore is the implementation the CLI uses.
package asset

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("asset: not found")
	ErrDuplicateName = errors.New("asset: name already registered in partition")
	ErrInvalidName   = errors.New("asset: invalid name")
)

// Ref identifies an asset: ids are stable within a partition only.
type Ref struct {
	Partition int
	ID        int64
}

// String returns "partition@id", the form used in logs and guard keys.
func (r Ref) String() string {
	return fmt.Sprintf("%d@%d", r.Partition, r.ID)
}

// Asset is one captured media file and everything known about it.
type Asset struct {
	ID           int64
	Partition    int
	Name         string // on-disk file name; unique within a partition
	Size         int64
	CreatedAt    time.Time
	ModifiedAt   time.Time
	Rating       int
	Mark         int
	Label        string
	Category     string
	DurationMs   int64
	ChapterMarks []int64 // chapter start offsets in milliseconds
	ExtAttr      string  // opaque extended-attribute JSON, sent verbatim on upload
	Residency    Residency

	// Where the archive holds the bytes. Zero until the first upload or a
	// migration assigns them.
	RemoteOwnerID    string
	RemoteOriginalID int64
	// RemoteURL is the server-built item URL, when the archive handed one
	// out. Empty means the conventional path derived from the fields above.
	RemoteURL string
}

// Ref returns the asset's identity.
func (a *Asset) Ref() Ref {
	return Ref{Partition: a.Partition, ID: a.ID}
}

// HasRemote reports whether the archive location is known.
func (a *Asset) HasRemote() bool {
	return a.RemoteOwnerID != "" && a.RemoteOriginalID != 0
}

// NormalizeName reduces name to its base component in Unicode NFC. Names are
// uniqueness keys, so two spellings of the same file (NFD from macOS
// filesystems, NFC elsewhere) must collapse to one.
func NormalizeName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return norm.NFC.String(base), nil
}
