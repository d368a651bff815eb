package listener

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

// ContextState is the scheduling state of a Context.
type ContextState int

const (
	StateListening ContextState = iota
	StateAccepted
	StateHasRequest
	StateHandledRequest
	StateNeedContextForRedirect
	StateCanReuse
	StateClosed
)

func (s ContextState) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateAccepted:
		return "Accepted"
	case StateHasRequest:
		return "HasRequest"
	case StateHandledRequest:
		return "HandledRequest"
	case StateNeedContextForRedirect:
		return "NeedContextForRedirect"
	case StateCanReuse:
		return "CanReuse"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("ContextState(%d)", int(s))
}

// Context is one server-side connection slot of a Listener.
//
// The fields below are owned by the main loop while the context is idle, and
// by the step goroutine while busy is set. The handoff happens through the
// listener's step channel.
type Context struct {
	id    int
	state ContextState
	busy  bool

	conn      net.Conn
	reader    *bufio.Reader
	request   *http.Request
	op        *Operation
	reply     *Reply
	keepAlive bool
	// conflict is set when the request addressed an operation that belongs
	// to another context.
	conflict bool
	err      error
}

// ID returns the listener-unique number of the context.
func (c *Context) ID() int { return c.id }

func (c *Context) String() string {
	return fmt.Sprintf("context %d", c.id)
}

// reset prepares a reused context for the next request on its connection.
func (c *Context) reset() {
	c.request = nil
	c.op = nil
	c.reply = nil
	c.keepAlive = false
	c.conflict = false
	c.err = nil
}

// step performs the blocking part of the current state.
func (c *Context) step(l *Listener) error {
	switch c.state {
	case StateListening:
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		if !l.track(conn) {
			conn.Close()
			return ErrClosed
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
		return nil

	case StateAccepted:
		req, err := http.ReadRequest(c.reader)
		if err != nil {
			return err
		}
		c.request = req
		return nil

	case StateHasRequest:
		return c.handle(l)
	}
	panic(fmt.Sprintf("listener: %v has no step in state %v", c, c.state))
}

// handle runs the operation handler and writes its response.
func (c *Context) handle(l *Listener) error {
	req := c.request
	var reply *Reply
	switch {
	case c.conflict:
		reply = &Reply{Response: NewResponse(req, http.StatusConflict, "operation is served by another connection\n")}
	case c.op == nil:
		reply = &Reply{Response: NewResponse(req, http.StatusNotFound, "no such operation\n")}
	default:
		var err error
		reply, err = c.op.handler.HandleRequest(l.ctx, &Request{Request: req, Listener: l, Operation: c.op})
		if err == nil && (reply == nil || reply.Response == nil) {
			err = errors.New("handler returned no response")
		}
		if err != nil {
			reply = &Reply{Response: NewResponse(req, http.StatusInternalServerError, err.Error()+"\n"), err: err}
		}
	}
	c.reply = reply

	resp := reply.Response
	if resp.Request == nil {
		resp.Request = req
	}
	// An operation owns its connection: once it is complete, the connection
	// is not offered to anyone else.
	if reply.final() {
		resp.Close = true
	}

	io.Copy(io.Discard, req.Body)
	req.Body.Close()
	if err := resp.Write(c.conn); err != nil {
		return errors.Wrap(err, "can't write response")
	}
	c.keepAlive = !req.Close && !resp.Close
	return nil
}
