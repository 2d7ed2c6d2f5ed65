package asset

import (
	"errors"
	"fmt"
)

// Residency records which physical locations currently hold an asset's bytes.
type Residency string

// Residency states. The string values are persisted.
const (
	Local      Residency = "local"       // only on this device
	Uploaded   Residency = "uploaded"    // on this device and in the archive
	RemoteOnly Residency = "remote_only" // only in the archive
)

// Valid reports whether r is one of the three known states.
func (r Residency) Valid() bool {
	switch r {
	case Local, Uploaded, RemoteOnly:
		return true
	default:
		return false
	}
}

// Event is something that happened to an asset's bytes.
type Event string

// Events driving residency transitions.
const (
	EventUploaded  Event = "uploaded"  // archive acknowledged an upload
	EventPurged    Event = "purged"    // local copy removed
	EventRestored  Event = "restored"  // local copy recreated from the archive
	EventForgotten Event = "forgotten" // remote copy disowned locally (administrative)
)

// ErrInvalidTransition is the sentinel for any transition outside the table.
// Reaching it means a caller sequenced operations incorrectly.
var ErrInvalidTransition = errors.New("asset: invalid residency transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	From  Residency
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("asset: invalid residency transition: %s on %q", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// transitions is the complete table of legal edges. Uploaded+EventUploaded
// is a self-loop so that repeating a successful upload is harmless.
var transitions = map[Residency]map[Event]Residency{
	Local: {
		EventUploaded: Uploaded,
	},
	Uploaded: {
		EventUploaded:  Uploaded,
		EventPurged:    RemoteOnly,
		EventForgotten: Local,
	},
	RemoteOnly: {
		EventRestored: Local,
	},
}

// Advance returns the state reached by applying ev to current, or a
// *TransitionError (matching ErrInvalidTransition) when the edge is not in
// the table. On error the returned state is current, unchanged.
func Advance(current Residency, ev Event) (Residency, error) {
	if next, ok := transitions[current][ev]; ok {
		return next, nil
	}

	return current, &TransitionError{From: current, Event: ev}
}
