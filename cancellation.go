package unstable

import (
	"context"
	"sync"
)

// CancellationToken carries the cancellable state of one in-flight query.
//
// A fresh token is created for every PerformQuery call and is never reused, so a
// Cancel that reaches a token always lands on the query that owns it.
type CancellationToken struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	cancelled bool
	listeners []func()
}

// newCancellationToken derives the token's context from parent, so a caller cancelling
// parent also unblocks anything waiting on the token.
func newCancellationToken(parent context.Context) *CancellationToken {
	ctx, cancel := context.WithCancelCause(parent)
	return &CancellationToken{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Cancel signals the token. Only the first call has an effect; it reports whether this
// call was the one that delivered the signal. Listeners run on the calling goroutine
// after the signal.
func (t *CancellationToken) Cancel() bool {
	listeners, ok := t.signal()
	for _, fn := range listeners {
		fn()
	}
	return ok
}

// signal cancels the token's context and hands back the listeners for the caller to
// run, so the caller can drop its own locks first.
func (t *CancellationToken) signal() ([]func(), bool) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return nil, false
	}
	t.cancelled = true
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	t.cancel(ErrCancelled)
	return listeners, true
}

// Cancelled reports whether Cancel has been called.
func (t *CancellationToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel that is closed once the token is cancelled or the query that
// owns it has finished.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context that is cancelled together with the token. The cause of a
// cancelled token is ErrCancelled.
func (t *CancellationToken) Context() context.Context {
	return t.ctx
}

// OnCancel registers fn to run when the token is cancelled. If the token is already
// cancelled fn runs immediately on the calling goroutine.
func (t *CancellationToken) OnCancel(fn func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		fn()
		return
	}
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// finish frees the token's context once its query is over. It does not count as a
// cancellation and listeners are dropped without being called.
func (t *CancellationToken) finish() {
	t.mu.Lock()
	t.listeners = nil
	t.mu.Unlock()
	t.cancel(nil)
}
