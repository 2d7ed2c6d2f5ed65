// Package cancel provides a cooperative cancellation handle that can reach an
// in-flight call attached after the call started. A Token may be cancelled
// before, during, or racing with call setup; in every ordering the call ends
// up cancelled exactly when the token is.
package cancel

import (
	"context"
	"sync"
)

// Call is anything an in-flight operation exposes for cancellation.
type Call interface {
	Cancel()
}

// CallFunc adapts a plain function (typically a context.CancelFunc) to Call.
type CallFunc func()

// Cancel invokes f.
func (f CallFunc) Cancel() { f() }

// Token is a thread-safe cancel handle. The zero value is ready to use.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	call      Call
}

// New returns a fresh, uncancelled token.
func New() *Token {
	return &Token{}
}

// Attach remembers call so a later Cancel reaches it. If the token is
// already cancelled, call is cancelled synchronously and discarded.
// Attaching replaces any previously attached call; the previous call is
// not cancelled (it has finished from the token's point of view).
func (t *Token) Attach(call Call) {
	if call == nil {
		return
	}

	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		call.Cancel()

		return
	}

	t.call = call
	t.mu.Unlock()
}

// Detach forgets the attached call if it is still call. Used after the call
// finishes so the token does not pin it.
func (t *Token) Detach(call Call) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.call == call {
		t.call = nil
	}
}

// Cancel marks the token cancelled and cancels the attached call, if any.
// Idempotent.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}

	t.cancelled = true
	call := t.call
	t.call = nil
	t.mu.Unlock()

	// Outside the lock: a call's Cancel may block briefly or call back into us.
	if call != nil {
		call.Cancel()
	}
}

// Cancelled reports whether Cancel has been called. Nil-safe so callers may
// pass a nil token to mean "not cancellable".
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancelled
}

// Bind derives a context from parent that is cancelled when either parent
// is done or the token is cancelled. The returned release function detaches
// the context from the token and must be called when the call finishes.
// A nil token only derives a cancellable context.
func (t *Token) Bind(parent context.Context) (context.Context, func()) {
	ctx, cancelCtx := context.WithCancel(parent)
	if t == nil {
		return ctx, cancelCtx
	}

	call := &ctxCall{cancel: cancelCtx}
	t.Attach(call)

	return ctx, func() {
		t.Detach(call)
		cancelCtx()
	}
}

// ctxCall is a pointer type so Detach can compare identity.
type ctxCall struct {
	cancel context.CancelFunc
}

func (c *ctxCall) Cancel() { c.cancel() }
