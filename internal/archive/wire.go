package archive

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The archive's JSON bodies are flat objects whose fields may be absent or
// carry numbers as strings. The flex types below decode any of those shapes
// and fall back to the zero value instead of failing the whole body.

// flexInt decodes a JSON number, a numeric string, or null into an int64.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.Trim(s, `"`)

	if s == "" || s == "null" {
		*f = 0
		return nil
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}

	if x, err := strconv.ParseFloat(s, 64); err == nil {
		*f = flexInt(int64(x))
		return nil
	}

	*f = 0

	return nil
}

// flexString decodes a JSON string, a bare number, or null into a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)

	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*f = ""
			return nil //nolint:nilerr // lenient decode
		}

		*f = flexString(s)

		return nil
	}

	if b[0] == '{' || b[0] == '[' {
		*f = ""
		return nil
	}

	*f = flexString(b)

	return nil
}

// challengeBody is returned with 401 responses.
type challengeBody struct {
	Challenge flexString `json:"challenge"`
}

// tokenBody is returned by a successful PUT /auth.
type tokenBody struct {
	Token flexString `json:"token"`
}

type deviceJSON struct {
	ID   flexString `json:"id"`
	Name flexString `json:"name"`
}

type deviceListJSON struct {
	List []deviceJSON `json:"list"`
}

type storedFileEntryJSON struct {
	ID           flexString `json:"id"`
	OriginalID   flexInt    `json:"originalId"`
	OwnerID      flexString `json:"ownerId"`
	Slot         flexInt    `json:"slot"`
	Name         flexString `json:"name"`
	Size         flexInt    `json:"size"`
	FileDate     flexInt    `json:"fileDate"`
	CreationDate flexInt    `json:"creationDate"`
	Rating       flexInt    `json:"rating"`
	Mark         flexInt    `json:"mark"`
	Label        flexString `json:"label"`
	Category     flexString `json:"category"`
	ChapterData  flexString `json:"chapterData"`
	Duration     flexInt    `json:"duration"`
	URL          flexString `json:"url"`
}

type startMigrationJSON struct {
	Handle  flexString            `json:"handle"`
	Targets []storedFileEntryJSON `json:"targets"`
}

// execMigrationJSON is the PUT /migration/exec body.
type execMigrationJSON struct {
	Handle        string `json:"handle"`
	OldOwnerID    string `json:"oldOwnerId"`
	Slot          int    `json:"slot"`
	OldOriginalID int64  `json:"oldOriginalId"`
	NewOwnerID    string `json:"newOwnerId"`
	NewOriginalID int64  `json:"newOriginalId"`
}

// decodeLenient unmarshals body into v, treating an empty or malformed body
// as "all fields absent".
func decodeLenient(body []byte, v any) {
	if len(bytes.TrimSpace(body)) == 0 {
		return
	}

	_ = json.Unmarshal(body, v) //nolint:errcheck // absent/garbled fields stay zero
}
