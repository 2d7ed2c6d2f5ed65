package archive

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/vaultsync/internal/asset"
)

// StoredFileEntry is the server's point-in-time view of one archived file,
// as returned by /migration/start. It is a snapshot, not a live record.
type StoredFileEntry struct {
	ID           string
	OriginalID   int64
	OwnerID      string
	Slot         int
	Name         string
	Size         int64
	FileDate     time.Time
	CreationDate time.Time
	Rating       int
	Mark         int
	Label        string
	Category     string
	ChapterData  string
	DurationMs   int64
	URL          string // server-constructed item URL; may be empty
}

// Valid reports whether the entry has the identity fields a migration needs.
func (e *StoredFileEntry) Valid() bool {
	return e.ID != "" && e.OwnerID != ""
}

// ToAsset rebuilds a local record from the entry without any byte transfer.
// The result is RemoteOnly and points at the entry's archive location,
// including the server-built URL when one was sent; the caller assigns the
// id by registering it.
func (e *StoredFileEntry) ToAsset(partition int) *asset.Asset {
	return &asset.Asset{
		Partition:        partition,
		Name:             e.Name,
		Size:             e.Size,
		CreatedAt:        e.CreationDate,
		ModifiedAt:       e.FileDate,
		Rating:           e.Rating,
		Mark:             e.Mark,
		Label:            e.Label,
		Category:         e.Category,
		DurationMs:       e.DurationMs,
		ChapterMarks:     e.ChapterMarks(),
		Residency:        asset.RemoteOnly,
		RemoteOwnerID:    e.OwnerID,
		RemoteOriginalID: e.OriginalID,
		RemoteURL:        e.URL,
	}
}

// ChapterMarks parses ChapterData. Both a JSON array of millisecond offsets
// and a comma-separated list are accepted; unparsable items are skipped.
func (e *StoredFileEntry) ChapterMarks() []int64 {
	return parseChapters(e.ChapterData)
}

func parseChapters(data string) []int64 {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil
	}

	if strings.HasPrefix(data, "[") {
		var marks []int64
		if err := json.Unmarshal([]byte(data), &marks); err == nil {
			return marks
		}

		data = strings.Trim(data, "[]")
	}

	var marks []int64

	for _, f := range strings.Split(data, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			continue
		}

		marks = append(marks, n)
	}

	return marks
}

// formatChapters is the inverse of parseChapters (comma form).
func formatChapters(marks []int64) string {
	parts := make([]string, len(marks))
	for i, m := range marks {
		parts[i] = strconv.FormatInt(m, 10)
	}

	return strings.Join(parts, ",")
}

func entryFromJSON(j *storedFileEntryJSON) StoredFileEntry {
	return StoredFileEntry{
		ID:           string(j.ID),
		OriginalID:   int64(j.OriginalID),
		OwnerID:      string(j.OwnerID),
		Slot:         int(j.Slot),
		Name:         string(j.Name),
		Size:         int64(j.Size),
		FileDate:     fromMillis(int64(j.FileDate)),
		CreationDate: fromMillis(int64(j.CreationDate)),
		Rating:       int(j.Rating),
		Mark:         int(j.Mark),
		Label:        string(j.Label),
		Category:     string(j.Category),
		ChapterData:  string(j.ChapterData),
		DurationMs:   int64(j.Duration),
		URL:          string(j.URL),
	}
}

// ItemURL is where a's archived bytes can be fetched: the URL the server
// handed out for it if there is one, otherwise the conventional per-item
// path built from its archive location.
func ItemURL(a *asset.Asset) string {
	if a.RemoteURL != "" {
		return a.RemoteURL
	}

	return ItemPath(a.Partition, a.RemoteOwnerID, a.RemoteOriginalID)
}

// ItemPath is the conventional base-relative URL of an archived file.
func ItemPath(slot int, ownerID string, originalID int64) string {
	return fmt.Sprintf("/%d/file/%s/%d", slot, url.PathEscape(ownerID), originalID)
}

// metaInfoJSON is the MetaInfo form field of an upload.
type metaInfoJSON struct {
	Name        string `json:"name"`
	Rating      int    `json:"rating"`
	Mark        int    `json:"mark"`
	Label       string `json:"label"`
	Category    string `json:"category"`
	ChapterData string `json:"chapterData"`
}

func encodeMetaInfo(a *asset.Asset) string {
	b, err := json.Marshal(metaInfoJSON{
		Name:        a.Name,
		Rating:      a.Rating,
		Mark:        a.Mark,
		Label:       a.Label,
		Category:    a.Category,
		ChapterData: formatChapters(a.ChapterMarks),
	})
	if err != nil {
		return "{}"
	}

	return string(b)
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
