package listener

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Request is a request received for an operation.
type Request struct {
	*http.Request
	Listener  *Listener
	Operation *Operation
}

// Reply is the outcome of handling one request.
type Reply struct {
	Response *http.Response

	// Redirect is set when the response redirects the client to another
	// operation. The current operation completes when the target does.
	Redirect *Operation

	// Pending means the operation expects another request on the same
	// connection, like after an authentication challenge.
	Pending bool

	err error
}

func (r *Reply) final() bool {
	return r.Redirect == nil && !r.Pending
}

// Handler produces the server side of an operation.
type Handler interface {
	HandleRequest(ctx context.Context, req *Request) (*Reply, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Reply, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, req *Request) (*Reply, error) {
	return f(ctx, req)
}

// Operation is one client/server exchange registered on a Listener.
type Operation struct {
	id       string
	listener *Listener
	handler  Handler
	assigned atomic.Pointer[Context]

	// guarded by listener.mu
	parent *Operation

	once sync.Once
	done chan struct{}
	err  error
}

func newOperation(l *Listener, h Handler) *Operation {
	return &Operation{
		id:       uuid.New().String(),
		listener: l,
		handler:  h,
		done:     make(chan struct{}),
	}
}

// ID returns the unique id of the operation.
func (op *Operation) ID() string { return op.id }

// URI is the request path of the operation.
func (op *Operation) URI() string { return "/op/" + op.id }

// URL is the absolute URL of the operation.
func (op *Operation) URL() string { return op.listener.URL() + op.URI() }

// AssignedContext returns the context serving the operation, or nil if no
// request has reached it yet.
func (op *Operation) AssignedContext() *Context {
	return op.assigned.Load()
}

// Done is closed when the server side of the operation has completed.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Err is the server side outcome. It is valid after Done is closed.
func (op *Operation) Err() error { return op.err }

// tryAssign binds the operation to c. It reports false if the operation is
// already served by another context.
func (op *Operation) tryAssign(c *Context) bool {
	if op.assigned.CompareAndSwap(nil, c) {
		return true
	}
	return op.assigned.Load() == c
}

// assign is tryAssign for bindings made by the scheduler itself, where a
// conflict is an internal error.
func (op *Operation) assign(c *Context) {
	if !op.tryAssign(c) {
		panic(fmt.Sprintf("listener: operation %s already assigned to %v, can't assign %v", op.id, op.assigned.Load(), c))
	}
}

// finish completes op and every operation that redirected to it.
// The listener lock must be held.
func (op *Operation) finish(err error) {
	for o := op; o != nil; o = o.parent {
		o.once.Do(func() {
			o.err = err
			close(o.done)
		})
		delete(o.listener.operations, o.id)
	}
}
