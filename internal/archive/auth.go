package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
)

// maxChallengeRetries bounds how often a rejected pass-phrase is resubmitted
// against a rotated challenge.
const maxChallengeRetries = 1

// PasswordFunc supplies the user's archive password. The CLI reads it from
// the environment or prompts on the terminal; tests return a constant.
type PasswordFunc func(ctx context.Context) (string, error)

// Session owns the challenge/token handshake with the archive. The token
// and challenge live only in memory and are replaced atomically under mu.
// A token is trusted until the server answers 401, at which point the fresh
// challenge from that response replaces the stale one.
type Session struct {
	client   *Client
	password PasswordFunc
	logger   *slog.Logger

	// authMu serializes handshakes so a burst of workers hitting 401 at once
	// produces one login, not one per worker.
	authMu sync.Mutex

	mu        sync.Mutex
	challenge string
	token     string
}

// NewSession creates a session that authenticates through client, which
// should be the short-timeout client. The client's own token source is
// ignored; handshake requests are unauthenticated.
func NewSession(client *Client, password PasswordFunc, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		client:   client.WithTokens(nil),
		password: password,
		logger:   logger,
	}
}

// Token returns the cached token or ErrNotAuthenticated.
func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		return "", ErrNotAuthenticated
	}

	return s.token, nil
}

// Invalidate drops the cached token after a 401. A non-empty challenge from
// the same response replaces the cached one.
func (s *Session) Invalidate(challenge string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	if challenge != "" {
		s.challenge = challenge
	}
}

// Reset forgets the token and challenge, as on logout.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	s.challenge = ""
}

// EnsureAuthenticated reports whether the session holds a working token
// afterwards. Unless force is set, a cached token that passes the liveness
// probe is used as is; otherwise it falls back to AuthenticateInteractive.
// Failures are logged and reported as false, never returned.
func (s *Session) EnsureAuthenticated(ctx context.Context, force bool) bool {
	if err := s.Authenticate(ctx, force); err != nil {
		s.logger.Warn("archive authentication failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

// AuthenticateInteractive performs the full handshake regardless of any
// cached token. Like EnsureAuthenticated it reports failure as false.
func (s *Session) AuthenticateInteractive(ctx context.Context) bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if err := s.handshake(ctx); err != nil {
		s.logger.Warn("archive authentication failed", slog.String("error", err.Error()))
		return false
	}

	return true
}

// Authenticate is EnsureAuthenticated with the failure reason kept:
// ErrAuthFailed for rejected credentials, anything else for transport
// trouble.
func (s *Session) Authenticate(ctx context.Context, force bool) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if !force {
		s.mu.Lock()
		tok := s.token
		s.mu.Unlock()

		if tok != "" && s.probe(ctx, tok) {
			return nil
		}
	}

	return s.handshake(ctx)
}

// handshake obtains a challenge if none is cached, answers it, and retries
// at most maxChallengeRetries times when the server rotated the challenge.
// Caller holds authMu.
func (s *Session) handshake(ctx context.Context) error {
	password, err := s.password(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading password: %w", ErrAuthFailed, err)
	}

	hashed := HashPassword(password)

	s.mu.Lock()
	challenge := s.challenge
	s.mu.Unlock()

	if challenge == "" {
		challenge, err = s.fetchChallenge(ctx)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		s.logger.Debug("submitting pass-phrase",
			slog.String("challenge", challenge),
			slog.Int("attempt", attempt+1),
		)

		token, next, err := s.submit(ctx, PassPhrase(challenge, hashed))
		if err != nil {
			return err
		}

		if token != "" {
			s.mu.Lock()
			s.token = token
			s.challenge = ""
			s.mu.Unlock()

			s.logger.Info("archive session authenticated")

			return nil
		}

		s.mu.Lock()
		s.token = ""
		s.challenge = next
		s.mu.Unlock()

		if next == "" || next == challenge {
			return fmt.Errorf("%w: pass-phrase rejected", ErrAuthFailed)
		}

		if attempt >= maxChallengeRetries {
			return fmt.Errorf("%w: challenge rotated again after retry", ErrAuthFailed)
		}

		s.logger.Debug("server rotated challenge, retrying")
		challenge = next
	}
}

// fetchChallenge asks for a challenge: GET /auth answers 401 with one.
func (s *Session) fetchChallenge(ctx context.Context) (string, error) {
	resp, err := s.client.roundTrip(ctx, &request{method: http.MethodGet, path: "/auth"})
	if err != nil {
		return "", fmt.Errorf("archive: fetching challenge: %w", err)
	}

	body := readBody(resp)

	var cb challengeBody
	decodeLenient(body, &cb)

	if cb.Challenge == "" {
		return "", fmt.Errorf("%w: no challenge in HTTP %d response", ErrAuthFailed, resp.StatusCode)
	}

	s.mu.Lock()
	s.challenge = string(cb.Challenge)
	s.mu.Unlock()

	return string(cb.Challenge), nil
}

// submit sends the pass-phrase. It returns the new token on success, or the
// challenge from the rejection body. A 200 without a token counts as a
// rejection.
func (s *Session) submit(ctx context.Context, passPhrase string) (token, challenge string, err error) {
	resp, err := s.client.roundTrip(ctx, &request{
		method:      http.MethodPut,
		path:        "/auth",
		body:        []byte(passPhrase),
		contentType: "text/plain",
	})
	if err != nil {
		return "", "", fmt.Errorf("archive: submitting pass-phrase: %w", err)
	}

	body := readBody(resp)

	if resp.StatusCode == http.StatusOK {
		var tb tokenBody
		decodeLenient(body, &tb)

		return string(tb.Token), "", nil
	}

	var cb challengeBody
	decodeLenient(body, &cb)

	return "", string(cb.Challenge), nil
}

// probe is the liveness check GET /auth/{token}. A 401 caches the returned
// challenge so the following handshake can skip GET /auth.
func (s *Session) probe(ctx context.Context, token string) bool {
	resp, err := s.client.roundTrip(ctx, &request{
		method: http.MethodGet,
		path:   "/auth/" + url.PathEscape(token),
	})
	if err != nil {
		s.logger.Warn("token probe failed", slog.String("error", err.Error()))
		return false
	}

	body := readBody(resp)

	if resp.StatusCode == http.StatusOK {
		return true
	}

	var cb challengeBody
	decodeLenient(body, &cb)

	s.mu.Lock()
	if s.token == token {
		s.token = ""
	}

	if cb.Challenge != "" {
		s.challenge = string(cb.Challenge)
	}
	s.mu.Unlock()

	s.logger.Debug("cached token rejected", slog.Int("status", resp.StatusCode))

	return false
}

// readBody reads a small JSON response and closes it.
func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil
	}

	return body
}
