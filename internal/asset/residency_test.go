package asset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvance_LegalEdges(t *testing.T) {
	tests := []struct {
		from Residency
		ev   Event
		want Residency
	}{
		{Local, EventUploaded, Uploaded},
		{Uploaded, EventPurged, RemoteOnly},
		{RemoteOnly, EventRestored, Local},
		{Uploaded, EventForgotten, Local},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Advance(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdvance_RepeatedUploadIsIdempotent(t *testing.T) {
	got, err := Advance(Uploaded, EventUploaded)
	require.NoError(t, err)
	assert.Equal(t, Uploaded, got)
}

func TestAdvance_EverythingElseRejected(t *testing.T) {
	states := []Residency{Local, Uploaded, RemoteOnly, Residency("bogus")}
	events := []Event{EventUploaded, EventPurged, EventRestored, EventForgotten, Event("bogus")}

	allowed := map[Residency]map[Event]bool{
		Local:      {EventUploaded: true},
		Uploaded:   {EventUploaded: true, EventPurged: true, EventForgotten: true},
		RemoteOnly: {EventRestored: true},
	}

	for _, from := range states {
		for _, ev := range events {
			if allowed[from][ev] {
				continue
			}

			got, err := Advance(from, ev)
			require.Error(t, err, "%s on %s", ev, from)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, from, got, "state must be unchanged on rejection")

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, from, te.From)
			assert.Equal(t, ev, te.Event)
		}
	}
}

func TestResidency_Valid(t *testing.T) {
	assert.True(t, Local.Valid())
	assert.True(t, Uploaded.Valid())
	assert.True(t, RemoteOnly.Valid())
	assert.False(t, Residency("").Valid())
	assert.False(t, Residency("cloud").Valid())
}
