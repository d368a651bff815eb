// Package listener is an in-process HTTP server for client/server tests.
//
// A Listener serves a fixed pool of connection contexts from a single
// scheduling loop. Tests register operations on it; each operation has its
// own URI and handler, and Run drives the client side of an operation
// against the listener and waits for both sides to complete.
package listener

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
	"golang.org/x/sync/semaphore"
	"gopkg.in/inconshreveable/log15.v2"
)

// ErrClosed is returned for operations on a closed listener.
var ErrClosed = errors.New("listener closed")

// Config is the listener configuration.
type Config struct {
	// Addr is the TCP address to listen on. The default is an ephemeral
	// loopback port.
	Addr string

	// ParallelConnections is the size of the context pool. It bounds both
	// the number of live server connections and the number of operations
	// Run executes concurrently.
	ParallelConnections int
}

// ConfigFromSettings reads the listener configuration from settings.
func ConfigFromSettings(s *asynctest.Settings) Config {
	return Config{ParallelConnections: s.Int(asynctest.SettingParallelConnections, 1)}
}

// ClientFunc is the client side of an operation. It is called with a client
// dedicated to the operation and the operation's URL.
type ClientFunc func(ctx context.Context, client *http.Client, url string) error

// Listener schedules a pool of server connection contexts.
type Listener struct {
	log      log15.Logger
	ln       net.Listener
	parallel int
	router   *mux.Router
	clients  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	steps  chan *Context
	done   chan struct{}

	mu          sync.Mutex
	contexts    []*Context
	conns       map[net.Conn]struct{}
	operations  map[string]*Operation
	nextContext int
	peak        int
	closed      bool
}

// New starts a listener.
func New(cfg Config, log log15.Logger) (*Listener, error) {
	if cfg.ParallelConnections <= 0 {
		cfg.ParallelConnections = 1
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "can't listen")
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		log:        log.New("listener", ln.Addr().String()),
		ln:         ln,
		parallel:   cfg.ParallelConnections,
		router:     mux.NewRouter(),
		clients:    semaphore.NewWeighted(int64(cfg.ParallelConnections)),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		steps:      make(chan *Context, cfg.ParallelConnections),
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
		operations: make(map[string]*Operation),
	}
	l.router.Path("/op/{id}").Name("operation")
	go l.loop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// URL returns the base URL of the listener.
func (l *Listener) URL() string { return "http://" + l.ln.Addr().String() }

// ParallelConnections returns the size of the context pool.
func (l *Listener) ParallelConnections() int { return l.parallel }

// Peak returns the largest number of live contexts seen so far.
func (l *Listener) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}

// Register adds an operation served by h.
func (l *Listener) Register(h Handler) *Operation {
	op := newOperation(l, h)
	l.mu.Lock()
	l.operations[op.id] = op
	l.mu.Unlock()
	l.signal()
	return op
}

func (l *Listener) unregister(op *Operation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.operations, op.id)
}

// Run registers an operation served by h and runs client against it. It
// returns after the client has returned and the server side has completed.
func (l *Listener) Run(ctx context.Context, h Handler, client ClientFunc) error {
	if err := l.clients.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.clients.Release(1)

	op := l.Register(h)
	defer l.unregister(op)

	transport := &http.Transport{MaxConnsPerHost: 1}
	defer transport.CloseIdleConnections()
	clientErr := client(ctx, &http.Client{Transport: transport}, op.URL())
	if clientErr != nil && op.AssignedContext() == nil {
		return clientErr
	}

	select {
	case <-op.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
	if clientErr != nil {
		return clientErr
	}
	return op.Err()
}

// Close stops the listener. Operations still waiting for their server side
// fail with ErrClosed.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.cancel()
	err := l.ln.Close()
	l.signal()
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range l.operations {
		op.finish(ErrClosed)
	}
	return err
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// track records an accepted connection so Close can interrupt it.
func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[conn] = struct{}{}
	return true
}

// loop is the main loop. Each iteration runs a scheduler pass, then waits
// for a wake-up or for one step to complete.
func (l *Listener) loop() {
	defer close(l.done)
	for l.schedule() {
		select {
		case <-l.wake:
		case c := <-l.steps:
			l.process(c)
		}
	}
	l.log.Debug("listener stopped")
}

// schedule discards closed contexts, recycles reusable ones, tops up the
// pool and starts a step on every idle context. It returns false once the
// listener is closed and no step is in flight.
func (l *Listener) schedule() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.contexts[:0]
	for _, c := range l.contexts {
		if !c.busy {
			l.advance(c)
			if c.state == StateClosed || l.closed {
				l.discard(c)
				continue
			}
		}
		live = append(live, c)
	}
	for i := len(live); i < len(l.contexts); i++ {
		l.contexts[i] = nil
	}
	l.contexts = live

	if l.closed {
		return len(l.contexts) > 0
	}
	for len(l.contexts) < l.parallel {
		l.nextContext++
		c := &Context{id: l.nextContext, state: StateListening}
		l.contexts = append(l.contexts, c)
	}
	if n := len(l.contexts); n > l.peak {
		l.peak = n
	}
	for _, c := range l.contexts {
		if !c.busy {
			l.start(c)
		}
	}
	return true
}

// advance moves an idle context out of the states which are resolved by
// the scheduler rather than by a step.
func (l *Listener) advance(c *Context) {
	switch c.state {
	case StateHandledRequest:
		if c.op != nil && (c.err != nil || c.reply.final()) {
			err := c.err
			if err == nil {
				err = c.reply.err
			}
			c.op.finish(err)
		}
		c.state = next(c)

	case StateNeedContextForRedirect:
		target := c.reply.Redirect
		target.parent = c.op
		if c.keepAlive {
			target.assign(c)
		}
		c.state = next(c)
	}

	if c.state == StateCanReuse {
		c.reset()
		c.state = StateAccepted
	}
}

func next(c *Context) ContextState {
	if c.keepAlive && c.err == nil {
		return StateCanReuse
	}
	return StateClosed
}

func (l *Listener) discard(c *Context) {
	if c.conn != nil {
		c.conn.Close()
		delete(l.conns, c.conn)
		c.conn = nil
	}
	c.state = StateClosed
}

func (l *Listener) start(c *Context) {
	c.busy = true
	go func() {
		c.err = c.step(l)
		l.steps <- c
	}()
}

// process applies the outcome of one completed step.
func (l *Listener) process(c *Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.busy = false

	switch c.state {
	case StateListening:
		if c.err != nil {
			if !l.closed {
				l.log.Error("accept failed", "ctx", c.id, "err", c.err)
			}
			c.state = StateClosed
			return
		}
		l.log.Debug("accepted connection", "ctx", c.id, "remote", c.conn.RemoteAddr())
		c.state = StateAccepted

	case StateAccepted:
		if c.err != nil {
			if c.err != io.EOF && !l.closed {
				l.log.Debug("can't read request", "ctx", c.id, "err", c.err)
			}
			c.state = StateClosed
			return
		}
		c.op = l.lookup(c.request)
		if c.op != nil && !c.op.tryAssign(c) {
			// A client may address an operation from a second connection,
			// e.g. when it retries a challenge. That connection is refused.
			l.log.Warn("operation is served by another connection", "ctx", c.id, "op", c.op.ID(), "owner", c.op.AssignedContext())
			c.op = nil
			c.conflict = true
		}
		l.log.Debug("request", "ctx", c.id, "method", c.request.Method, "uri", c.request.URL.Path)
		c.state = StateHasRequest

	case StateHasRequest:
		if c.err != nil {
			l.log.Debug("request failed", "ctx", c.id, "err", c.err)
		}
		if c.err == nil && c.reply.Redirect != nil {
			c.state = StateNeedContextForRedirect
		} else {
			c.state = StateHandledRequest
		}
	}
}

// lookup finds the operation addressed by req.
func (l *Listener) lookup(req *http.Request) *Operation {
	var match mux.RouteMatch
	if !l.router.Match(req, &match) {
		return nil
	}
	return l.operations[match.Vars["id"]]
}
