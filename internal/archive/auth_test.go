package archive_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vaultsync/internal/archive"
	"github.com/tonimelisma/vaultsync/internal/archive/archivetest"
)

const testPassword = "hunter2"

func staticPassword(p string) archive.PasswordFunc {
	return func(context.Context) (string, error) { return p, nil }
}

func newSession(srv *archivetest.Server, password string) *archive.Session {
	c := archive.NoSleep(archive.NewClient(srv.URL, http.DefaultClient, nil, slog.Default(), "test-agent"))
	return archive.NewSession(c, staticPassword(password), slog.Default())
}

func TestSession_TokenBeforeLogin(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, testPassword)

	_, err := s.Token()
	assert.ErrorIs(t, err, archive.ErrNotAuthenticated)
}

func TestSession_HandshakeIssuesToken(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	srv.SetChallenge("c1")

	s := newSession(srv, testPassword)

	require.True(t, s.EnsureAuthenticated(context.Background(), false))

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)
	assert.Equal(t, 1, srv.Requests("GET /auth"))
	assert.Equal(t, 1, srv.Requests("PUT /auth"))
}

func TestSession_LiveTokenSkipsHandshake(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, testPassword)
	ctx := context.Background()

	require.True(t, s.EnsureAuthenticated(ctx, false))
	require.True(t, s.EnsureAuthenticated(ctx, false))
	require.True(t, s.EnsureAuthenticated(ctx, false))

	assert.Equal(t, 1, srv.Requests("PUT /auth"))
	assert.Equal(t, 2, srv.Requests("GET /auth/t1"), "probe answers 200 while the token lives")
}

func TestSession_ForceAlwaysHandshakes(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, testPassword)
	ctx := context.Background()

	require.True(t, s.EnsureAuthenticated(ctx, false))
	require.True(t, s.EnsureAuthenticated(ctx, true))

	assert.Equal(t, 2, srv.Requests("PUT /auth"))
	assert.Zero(t, srv.Requests("GET /auth/t1"))
}

func TestSession_RevokedTokenReauthenticates(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, testPassword)
	ctx := context.Background()

	require.True(t, s.EnsureAuthenticated(ctx, false))
	srv.InvalidateTokens()

	require.True(t, s.EnsureAuthenticated(ctx, false))

	tok, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "t2", tok)
	// The probe's 401 carried a challenge, so GET /auth is not needed again.
	assert.Equal(t, 1, srv.Requests("GET /auth"))
}

func TestSession_WrongPasswordRetriesOnceOnRotation(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, "wrong")

	err := s.Authenticate(context.Background(), false)
	require.ErrorIs(t, err, archive.ErrAuthFailed)
	assert.Equal(t, 2, srv.Requests("PUT /auth"))

	_, err = s.Token()
	assert.ErrorIs(t, err, archive.ErrNotAuthenticated)
}

func TestSession_WrongPasswordSameChallengeGivesUp(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	srv.SetRotateOnFailure(false)

	s := newSession(srv, "wrong")

	assert.False(t, s.AuthenticateInteractive(context.Background()))
	assert.Equal(t, 1, srv.Requests("PUT /auth"))
}

func TestSession_StaleChallengeRecoversWithRotatedOne(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, testPassword)

	// A stale challenge from an earlier 401.
	s.Invalidate("stale")

	require.True(t, s.AuthenticateInteractive(context.Background()))
	assert.Zero(t, srv.Requests("GET /auth"), "cached challenge is used first")
	assert.Equal(t, 2, srv.Requests("PUT /auth"), "exactly one retry with the rotated challenge")
}

func TestSession_NetworkFailureIsFalse(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, testPassword)
	srv.Close()

	assert.False(t, s.EnsureAuthenticated(context.Background(), false))

	err := s.Authenticate(context.Background(), false)
	require.Error(t, err)
	assert.False(t, errors.Is(err, archive.ErrAuthFailed), "transport trouble is not a credential failure")
}

func TestSession_PasswordErrorIsAuthFailure(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	c := archive.NewClient(srv.URL, http.DefaultClient, nil, slog.Default(), "")
	s := archive.NewSession(c, func(context.Context) (string, error) {
		return "", errors.New("no terminal")
	}, slog.Default())

	assert.ErrorIs(t, s.Authenticate(context.Background(), false), archive.ErrAuthFailed)
	assert.Zero(t, srv.Requests("PUT /auth"))
}

func TestSession_Reset(t *testing.T) {
	srv := archivetest.New(t, testPassword)
	s := newSession(srv, testPassword)

	require.True(t, s.EnsureAuthenticated(context.Background(), false))
	s.Reset()

	_, err := s.Token()
	assert.ErrorIs(t, err, archive.ErrNotAuthenticated)
}
