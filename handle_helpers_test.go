package unstable_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	unstable "github.com/JohnPlummer/jp-go-unstable"
)

var errProviderBug = errors.New("provider bug: column does not exist")

// step is the scripted outcome of one attempt against scriptedProvider.
type step int

const (
	// stepUnavailable makes Acquire return no connection.
	stepUnavailable step = iota
	// stepTransport makes Query fail with a transport error.
	stepTransport
	// stepFatal makes Query fail with an unclassified error.
	stepFatal
	// stepSuccess makes Query return a result.
	stepSuccess
	// stepBlock makes Query wait until its token is cancelled.
	stepBlock
	// stepLazyTransport returns a result whose loading hits a dead connection.
	stepLazyTransport
)

// scriptedProvider is an endpoint whose process crashes on cue. Every attempt consumes
// the next step of the script; fallback is used once the script runs out.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	fallback step
	pos      int

	acquires            int
	queries             int
	queriedAfterRelease int
	conns               []*fakeConnection
	results             []*fakeResult
	specs               []unstable.QuerySpec

	// started is closed when a stepBlock query begins waiting.
	started chan struct{}
}

func newScriptedProvider(fallback step, steps ...step) *scriptedProvider {
	return &scriptedProvider{
		steps:    steps,
		fallback: fallback,
		started:  make(chan struct{}),
	}
}

func (p *scriptedProvider) next() step {
	s := p.fallback
	if p.pos < len(p.steps) {
		s = p.steps[p.pos]
	}
	return s
}

func (p *scriptedProvider) Acquire(ctx context.Context, resourceID string) (unstable.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquires++
	if p.next() == stepUnavailable {
		p.pos++
		return nil, nil
	}

	conn := &fakeConnection{provider: p, id: len(p.conns) + 1}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *scriptedProvider) query(
	ctx context.Context,
	conn *fakeConnection,
	spec unstable.QuerySpec,
	token *unstable.CancellationToken,
) (unstable.Result, error) {
	p.mu.Lock()
	s := p.next()
	p.pos++
	p.queries++
	p.specs = append(p.specs, spec)
	if conn.isReleased() {
		p.queriedAfterRelease++
	}
	p.mu.Unlock()

	switch s {
	case stepSuccess:
		r := &fakeResult{}
		p.mu.Lock()
		p.results = append(p.results, r)
		p.mu.Unlock()
		return r, nil
	case stepLazyTransport:
		return &fakeResult{materializeErr: unstable.NewTransportError("fill window", io.ErrUnexpectedEOF)}, nil
	case stepFatal:
		return nil, errProviderBug
	case stepBlock:
		close(p.started)
		<-token.Done()
		return nil, context.Cause(token.Context())
	default:
		return nil, unstable.NewTransportError("query", io.ErrUnexpectedEOF)
	}
}

func (p *scriptedProvider) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *scriptedProvider) acquireCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquires
}

func (p *scriptedProvider) connection(i int) *fakeConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[i]
}

func (p *scriptedProvider) connectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *scriptedProvider) reusedReleased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queriedAfterRelease
}

func (p *scriptedProvider) lastSpec() unstable.QuerySpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.specs[len(p.specs)-1]
}

type fakeConnection struct {
	provider *scriptedProvider
	id       int

	mu       sync.Mutex
	releases int
}

func (c *fakeConnection) Query(
	ctx context.Context,
	spec unstable.QuerySpec,
	token *unstable.CancellationToken,
) (unstable.Result, error) {
	return c.provider.query(ctx, c, spec, token)
}

func (c *fakeConnection) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
	return nil
}

func (c *fakeConnection) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases > 0
}

func (c *fakeConnection) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases
}

type fakeResult struct {
	mu             sync.Mutex
	materialized   int
	materializeErr error
	listeners      []unstable.ChangeListener
}

func (r *fakeResult) Materialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.materialized++
	return r.materializeErr
}

func (r *fakeResult) RegisterChangeListener(l unstable.ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *fakeResult) notify() {
	r.mu.Lock()
	listeners := append([]unstable.ChangeListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l.OnChange()
	}
}

func (r *fakeResult) materializeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.materialized
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
