// Package transfer moves asset bytes between the device and the archive.
// A Worker runs one upload, restore, download, purge or forget at a time per
// asset (enforced by a shared Guard), honors cooperative cancellation at
// every chunk boundary, and advances the asset's residency only after the
// network operation it depends on has succeeded.
package transfer

import (
	"errors"
	"fmt"

	"github.com/tonimelisma/vaultsync/internal/asset"
)

// Sentinel errors carried in Result.Err.
var (
	ErrAlreadyInProgress = errors.New("transfer: already in progress")
	ErrCancelled         = errors.New("transfer: cancelled")
	ErrTransferFailed    = errors.New("transfer: failed")
)

// Op names the operation a Result belongs to.
type Op string

// Operations.
const (
	OpUpload   Op = "upload"
	OpRestore  Op = "restore"
	OpDownload Op = "download"
	OpPurge    Op = "purge"
	OpForget   Op = "forget"
)

// Outcome is the tag of a Result.
type Outcome int

// Outcomes. Callers switch over these exhaustively.
const (
	Succeeded Outcome = iota
	// AlreadyInProgress: another worker holds the asset; nothing was done.
	AlreadyInProgress
	// Cancelled: the token fired; no partial file remains.
	Cancelled
	// TransferFailed: HTTP status or network error; residency untouched.
	TransferFailed
	// AuthFailed: credentials rejected.
	AuthFailed
	// NotAuthenticated: no usable token for an authenticated call.
	NotAuthenticated
	// InvalidTransition: the asset's residency does not allow the operation.
	InvalidTransition
)

var outcomeNames = [...]string{
	Succeeded:         "succeeded",
	AlreadyInProgress: "already_in_progress",
	Cancelled:         "cancelled",
	TransferFailed:    "transfer_failed",
	AuthFailed:        "auth_failed",
	NotAuthenticated:  "not_authenticated",
	InvalidTransition: "invalid_transition",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}

	return outcomeNames[o]
}

// Result reports how one operation ended.
type Result struct {
	Op        Op
	Outcome   Outcome
	Ref       asset.Ref
	Residency asset.Residency // residency after the operation
	Bytes     int64           // payload bytes moved
	Status    int             // HTTP status for TransferFailed, if any
	Err       error           // nil only for Succeeded
}

// OK reports whether the caller has nothing to act on: the operation
// succeeded or someone else is already doing it.
func (r *Result) OK() bool {
	return r.Outcome == Succeeded || r.Outcome == AlreadyInProgress
}

// Message is a one-line human-readable summary.
func (r *Result) Message() string {
	switch r.Outcome {
	case Succeeded:
		return fmt.Sprintf("%s %s: done (%d bytes)", r.Op, r.Ref, r.Bytes)
	case AlreadyInProgress:
		return fmt.Sprintf("%s %s: already in progress", r.Op, r.Ref)
	case Cancelled:
		return fmt.Sprintf("%s %s: cancelled", r.Op, r.Ref)
	case TransferFailed, AuthFailed, NotAuthenticated, InvalidTransition:
		return fmt.Sprintf("%s %s: %v", r.Op, r.Ref, r.Err)
	default:
		return fmt.Sprintf("%s %s: %s", r.Op, r.Ref, r.Outcome)
	}
}
