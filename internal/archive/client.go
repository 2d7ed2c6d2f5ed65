package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries       = 3
	baseBackoff      = 1 * time.Second
	maxBackoff       = 30 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.25
	defaultUserAgent = "vaultsync/0.1"

	// maxErrorBody bounds how much of an error response is kept for messages.
	maxErrorBody = 64 * 1024
)

// authParam is the query parameter carrying the session token.
const authParam = "auth"

// TokenSource provides the current session token. Defined at the consumer
// per "accept interfaces, return structs"; *Session is the implementation.
type TokenSource interface {
	Token() (string, error)
}

// challengeSink is optionally implemented by a TokenSource that wants to
// learn about 401 responses (and the fresh challenge they carry). Checked by
// type assertion so simple token sources stay one-method.
type challengeSink interface {
	Invalidate(challenge string)
}

// Client is an HTTP client for the archive service. It builds requests,
// attaches the session token, retries transient failures with exponential
// backoff, and classifies error responses.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	userAgent  string

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates an archive client. tokens may be nil for a client that
// only issues unauthenticated requests (the auth handshake itself).
func NewClient(
	baseURL string, httpClient *http.Client, tokens TokenSource, logger *slog.Logger, userAgent string,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
	}
}

// WithTokens returns a copy of c that authenticates with tokens. Used to
// wire the session into clients built before the session existed.
func (c *Client) WithTokens(tokens TokenSource) *Client {
	cp := *c
	cp.tokens = tokens

	return &cp
}

// BaseURL returns the service root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one logical call. body is a byte slice so the request
// can be replayed on retry; streaming bodies go through doStream instead.
type request struct {
	method      string
	path        string // base-relative path, or an absolute URL
	query       url.Values
	body        []byte
	contentType string
	authed      bool
}

// roundTrip executes r with retry and returns the final response whatever
// its status. The caller owns the response body.
func (c *Client) roundTrip(ctx context.Context, r *request) (*http.Response, error) {
	var attempt int

	for {
		resp, err := c.doOnce(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("archive: request canceled: %w", ctx.Err())
			}

			if isPermanent(err) || attempt >= maxRetries {
				return nil, fmt.Errorf("archive: %s %s: %w", r.method, r.path, err)
			}

			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after network error",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("archive: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			drain(resp)

			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", r.method),
				slog.String("path", r.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("archive: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return resp, nil
	}
}

// do executes r and converts any non-2xx response into an *Error. On
// success the caller owns the response body.
func (c *Client) do(ctx context.Context, r *request) (*http.Response, error) {
	resp, err := c.roundTrip(ctx, r)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", r.method),
			slog.String("path", r.path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	return nil, c.errorFromResponse(resp, r.authed)
}

// errorFromResponse reads and closes resp and builds an *Error. A 401 on an
// authenticated call tells the token source its token went stale.
func (c *Client) errorFromResponse(resp *http.Response, authed bool) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	ae := &Error{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Err:        classifyStatus(resp.StatusCode),
	}

	if resp.StatusCode == http.StatusUnauthorized {
		var cb challengeBody
		decodeLenient(body, &cb)
		ae.Challenge = string(cb.Challenge)

		if sink, ok := c.tokens.(challengeSink); ok && authed {
			sink.Invalidate(ae.Challenge)
		}
	}

	return ae
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, r *request) (*http.Response, error) {
	target, err := c.resolve(r)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, permanent(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("User-Agent", c.userAgent)

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	return c.httpClient.Do(req)
}

// resolve builds the absolute URL for r, appending the auth parameter for
// authenticated calls.
func (c *Client) resolve(r *request) (string, error) {
	raw := r.path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = c.baseURL + "/" + strings.TrimLeft(raw, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", permanent(fmt.Errorf("parsing URL: %w", err))
	}

	q := u.Query()
	for k, vs := range r.query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	if r.authed {
		if c.tokens == nil {
			return "", permanent(ErrNotAuthenticated)
		}

		tok, err := c.tokens.Token()
		if err != nil {
			return "", permanent(fmt.Errorf("obtaining token: %w", err))
		}

		q.Set(authParam, tok)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// retryBackoff honors Retry-After on 429, otherwise exponential backoff.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// permanentError marks failures that happen before anything reaches the
// network; retrying them cannot help.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	_, ok := err.(*permanentError) //nolint:errorlint // doOnce returns it unwrapped
	return ok
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort
	resp.Body.Close()
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
