// Package archive is the client side of the secure archive service: an HTTP
// layer with retry and error classification, the challenge/token
// authentication session, streaming upload and download primitives, and the
// device migration endpoints.
package archive

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification and authentication.
// Use errors.Is(err, archive.ErrUnauthorized) to check.
var (
	ErrBadRequest   = errors.New("archive: bad request")
	ErrUnauthorized = errors.New("archive: unauthorized")
	ErrForbidden    = errors.New("archive: forbidden")
	ErrNotFound     = errors.New("archive: not found")
	ErrConflict     = errors.New("archive: conflict")
	ErrGone         = errors.New("archive: resource gone")
	ErrThrottled    = errors.New("archive: throttled")
	ErrServerError  = errors.New("archive: server error")

	// ErrAuthFailed means the credentials were rejected or the challenge
	// retry budget ran out.
	ErrAuthFailed = errors.New("archive: authentication failed")
	// ErrNotAuthenticated means an authenticated call was attempted without
	// a token: the caller never logged in, or another caller's 401 or a
	// Session.Reset dropped the shared token.
	ErrNotAuthenticated = errors.New("archive: not authenticated")
)

// Error wraps a sentinel with the HTTP status and response body. For 401
// responses Challenge carries the server's fresh challenge, if it sent one.
type Error struct {
	StatusCode int
	Message    string
	Challenge  string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("archive: HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("archive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status from err, or 0 if err carries none.
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}

	return 0
}

// NeedsLogin reports whether err means the call went out with a stale
// token or none at all, so a fresh login followed by the same call can
// succeed.
func NeedsLogin(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotAuthenticated)
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
