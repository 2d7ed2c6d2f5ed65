package migration

import (
	"errors"
	"sync"
	"time"

	"github.com/tonimelisma/vaultsync/internal/archive"
)

// DefaultHandleTTL bounds how long a handle is used after Start. The
// archive defines no expiry for abandoned handles, so the client stops
// using one on its own.
const DefaultHandleTTL = 30 * time.Minute

// Handle errors. Both are raised locally, without a network call.
var (
	ErrHandleExpired = errors.New("migration: handle expired")
	ErrHandleClosed  = errors.New("migration: handle closed")
)

// Handle is one migration session: single-use, valid from Start until End
// or until ExpiresAt, whichever comes first. Candidates is the server's
// snapshot at Start time.
type Handle struct {
	ID         string
	Source     string
	Target     string
	Candidates []archive.StoredFileEntry
	StartedAt  time.Time
	ExpiresAt  time.Time

	mu     sync.Mutex
	closed bool
}

// check reports why the handle may no longer be used, if it may not.
func (h *Handle) check(now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}

	if !h.ExpiresAt.IsZero() && !now.Before(h.ExpiresAt) {
		return ErrHandleExpired
	}

	return nil
}

// close marks the handle ended and reports whether it was open.
func (h *Handle) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	was := !h.closed
	h.closed = true

	return was
}

// Closed reports whether End was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}
