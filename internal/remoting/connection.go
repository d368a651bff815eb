package remoting

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"gopkg.in/inconshreveable/log15.v2"
)

// nextID allocates operation and object ids. It is process-wide so that ids
// are unique across all connections.
var nextID atomic.Int64

type clientOperation struct {
	done     chan struct{}
	payload  []byte
	err      error
	shutdown bool
}

func (op *clientOperation) complete(payload []byte, err error) {
	op.payload, op.err = payload, err
	close(op.done)
}

type serverOperation struct {
	cancel   context.CancelFunc
	canceled bool
}

type outgoing struct {
	done chan struct{}
}

// Connection is one end of a remoting connection. Both ends can send
// commands; responses are correlated by id and may arrive in any order.
//
// Run must be called to receive messages.
type Connection struct {
	rw       io.ReadWriteCloser
	registry *Registry
	log      log15.Logger
	root     any

	// sending holds the message being written. Writers wait for the slot.
	sending atomic.Pointer[outgoing]

	mu           sync.Mutex
	clientOps    map[int64]*clientOperation
	serverOps    map[int64]*serverOperation
	objects      map[int64]any
	abandoned    map[int64]struct{}
	shuttingDown bool
	closed       bool
	err          error

	ops       sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a connection over rw. The registry decides which
// commands can be received.
func NewConnection(rw io.ReadWriteCloser, registry *Registry, log log15.Logger) *Connection {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Connection{
		rw:        rw,
		registry:  registry,
		log:       log,
		clientOps: make(map[int64]*clientOperation),
		serverOps: make(map[int64]*serverOperation),
		objects:   make(map[int64]any),
		abandoned: make(map[int64]struct{}),
		done:      make(chan struct{}),
	}
}

// SetRoot sets the object that handles commands addressed to object id zero.
// It must be called before Run.
func (c *Connection) SetRoot(obj any) {
	c.root = obj
}

// RegisterObject makes obj addressable by the peer and returns its id.
func (c *Connection) RegisterObject(obj any) int64 {
	id := nextID.Add(1)
	c.mu.Lock()
	c.objects[id] = obj
	c.mu.Unlock()
	return id
}

// ReleaseObject removes a registered object. Unknown ids are ignored.
func (c *Connection) ReleaseObject(id int64) {
	c.mu.Lock()
	delete(c.objects, id)
	c.mu.Unlock()
}

// Object returns the object with the given id.
func (c *Connection) Object(id int64) (any, bool) {
	if id == 0 {
		return c.root, c.root != nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[id]
	return obj, ok
}

// Done is closed when the connection has terminated.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the error that terminated the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Run receives messages until the connection is shut down or fails. When it
// returns, all pending operations have been completed with
// ErrConnectionClosed and all running server operations have returned.
func (c *Connection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := c.receive(ctx)
	if err != nil {
		c.log.Debug("connection failed", "err", err)
	}
	c.close(err)
	c.ops.Wait()
	return err
}

func (c *Connection) receive(ctx context.Context) error {
	for {
		data, err := readFrame(c.rw)
		if err != nil {
			if c.isClosed() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "read failed")
		}
		if data == nil {
			c.log.Debug("peer closed the connection")
			return nil
		}
		msg, err := decodeMessage(data)
		if err != nil {
			return err
		}
		var stop bool
		switch m := msg.(type) {
		case *responseMessage:
			stop, err = c.handleResponse(m)
		case *commandMessage:
			stop, err = c.handleCommand(ctx, m)
		}
		if err != nil || stop {
			return err
		}
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		pending := c.clientOps
		c.clientOps = make(map[int64]*clientOperation)
		running := make([]*serverOperation, 0, len(c.serverOps))
		for _, op := range c.serverOps {
			running = append(running, op)
		}
		c.mu.Unlock()

		for _, op := range pending {
			op.complete(nil, ErrConnectionClosed)
		}
		for _, op := range running {
			op.cancel()
		}
		close(c.done)
		c.rw.Close()
	})
}

// Close terminates the connection without waiting for the peer. The peer
// sees the end-of-stream sentinel.
func (c *Connection) Close() error {
	if !c.isClosed() {
		if err := c.send(nil); err != nil {
			c.log.Debug("can't send end of stream", "err", err)
		}
	}
	c.close(nil)
	return nil
}

// Shutdown asks the peer to shut down and closes the connection after the
// peer has acknowledged. No more commands can be sent once shutdown has
// started, and abandoned operations are not cancelled remotely.
func (c *Connection) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	c.mu.Unlock()

	payload, _ := marshalPayload(&Empty{})
	_, err := c.call(ctx, shutdownCommand.Name, 0, payload, true)
	if errors.Is(err, ErrConnectionClosed) {
		err = nil
	}
	c.close(nil)
	return err
}

// send writes one frame. Only one message is written at a time; concurrent
// senders wait until the current message is out.
func (c *Connection) send(data []byte) error {
	msg := &outgoing{done: make(chan struct{})}
	for !c.sending.CompareAndSwap(nil, msg) {
		if cur := c.sending.Load(); cur != nil {
			select {
			case <-cur.done:
			case <-c.done:
				return ErrConnectionClosed
			}
		}
	}
	defer func() {
		c.sending.Store(nil)
		close(msg.done)
	}()

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return writeFrame(c.rw, data)
}

func (c *Connection) sendCommand(name string, responseID, object int64, payload []byte) error {
	data, err := encodeMessage(&commandMessage{
		Type:       name,
		ResponseID: responseID,
		ObjectID:   object,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	return c.send(data)
}

// call sends a request-response command and waits for its response.
func (c *Connection) call(ctx context.Context, name string, object int64, payload []byte, shutdown bool) ([]byte, error) {
	id := nextID.Add(1)
	op := &clientOperation{done: make(chan struct{}), shutdown: shutdown}

	c.mu.Lock()
	if c.closed || (c.shuttingDown && !shutdown) {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.clientOps[id] = op
	c.mu.Unlock()

	if err := c.sendCommand(name, id, object, payload); err != nil {
		c.mu.Lock()
		delete(c.clientOps, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-op.done:
		return op.payload, op.err
	case <-ctx.Done():
		if !c.abandon(id) {
			// The response won the race.
			<-op.done
			return op.payload, op.err
		}
		return nil, ctx.Err()
	}
}

// abandon stops waiting for operation id and asks the peer to cancel it.
// It returns false if the operation has already completed.
func (c *Connection) abandon(id int64) bool {
	c.mu.Lock()
	_, pending := c.clientOps[id]
	if pending {
		delete(c.clientOps, id)
		c.abandoned[id] = struct{}{}
	}
	notify := pending && !c.shuttingDown && !c.closed
	c.mu.Unlock()

	if notify {
		c.log.Debug("cancelling remote operation", "id", id)
		if err := cancelCommand.Send(c, 0, &CancelRequest{ID: id}); err != nil {
			c.log.Debug("can't send cancel", "id", id, "err", err)
		}
	}
	return pending
}

func (c *Connection) handleResponse(m *responseMessage) (stop bool, err error) {
	c.mu.Lock()
	op, ok := c.clientOps[m.ObjectID]
	if ok {
		delete(c.clientOps, m.ObjectID)
	} else if _, gone := c.abandoned[m.ObjectID]; gone {
		delete(c.abandoned, m.ObjectID)
		c.mu.Unlock()
		c.log.Debug("dropping response of abandoned operation", "id", m.ObjectID)
		return false, nil
	}
	c.mu.Unlock()

	if !ok {
		return false, &ProtocolError{Reason: fmt.Sprintf("response for unknown operation %d", m.ObjectID)}
	}
	if m.failed() {
		op.complete(nil, &SavedError{Message: m.Error})
	} else {
		op.complete(m.Payload, nil)
	}
	return op.shutdown, nil
}

func (c *Connection) handleCommand(ctx context.Context, m *commandMessage) (stop bool, err error) {
	cmd, ok := c.registry.lookup(m.Type)
	if !ok {
		return false, &ProtocolError{Reason: fmt.Sprintf("unknown command %q", m.Type)}
	}
	arg, err := cmd.decode(m.Payload)
	if err != nil {
		return false, &ProtocolError{Reason: "can't decode " + m.Type, Err: err}
	}
	oneWay := cmd.mode() == OneWay
	if !oneWay && m.ResponseID == 0 {
		return false, &ProtocolError{Reason: m.Type + " without response id"}
	}

	target, ok := c.Object(m.ObjectID)
	if !ok {
		err := errors.Errorf("internal error: unknown remote object %d", m.ObjectID)
		if oneWay {
			c.log.Warn("dropping command", "command", m.Type, "err", err)
			return false, nil
		}
		return false, c.respond(m.ResponseID, nil, err)
	}

	switch {
	case m.Type == shutdownCommand.Name:
		c.mu.Lock()
		c.shuttingDown = true
		c.mu.Unlock()
		_, err := c.dispatch(ctx, cmd, target, arg)
		return true, c.respond(m.ResponseID, nil, err)
	case oneWay:
		if _, err := c.dispatch(ctx, cmd, target, arg); err != nil {
			c.log.Warn("command failed", "command", m.Type, "err", err)
		}
		return false, nil
	default:
		return false, c.startOperation(ctx, cmd, m.ResponseID, target, arg)
	}
}

// startOperation runs a request-response command in its own goroutine. The
// response is not sent if the peer cancelled the operation.
func (c *Connection) startOperation(ctx context.Context, cmd dispatcher, id int64, target, arg any) error {
	opCtx, cancel := context.WithCancel(ctx)
	op := &serverOperation{cancel: cancel}

	c.mu.Lock()
	if _, dup := c.serverOps[id]; dup {
		c.mu.Unlock()
		cancel()
		return &ProtocolError{Reason: fmt.Sprintf("duplicate operation id %d", id)}
	}
	c.serverOps[id] = op
	c.mu.Unlock()

	c.ops.Add(1)
	go func() {
		defer c.ops.Done()
		defer cancel()

		data, err := c.dispatch(opCtx, cmd, target, arg)

		c.mu.Lock()
		delete(c.serverOps, id)
		canceled := op.canceled
		c.mu.Unlock()
		if canceled {
			c.log.Debug("operation cancelled", "command", cmd.name(), "id", id)
			return
		}
		if err := c.respond(id, data, err); err != nil {
			c.log.Debug("can't send response", "command", cmd.name(), "id", id, "err", err)
		}
	}()
	return nil
}

// cancelOperation cancels a running server operation. Unknown ids, e.g. of
// operations that have already completed, are ignored.
func (c *Connection) cancelOperation(id int64) {
	c.mu.Lock()
	op, ok := c.serverOps[id]
	if ok {
		op.canceled = true
	}
	c.mu.Unlock()
	if ok {
		op.cancel()
	}
}

func (c *Connection) dispatch(ctx context.Context, cmd dispatcher, target, arg any) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("command panicked", "command", cmd.name(), "panic", r)
			err = errors.Errorf("%s: %v", cmd.name(), r)
		}
	}()
	return cmd.run(ctx, c, target, arg)
}

func (c *Connection) respond(id int64, payload []byte, err error) error {
	msg := &responseMessage{ObjectID: id}
	if err != nil {
		msg.Error = errorText(err)
	} else {
		msg.Payload = payload
	}
	data, encErr := encodeMessage(msg)
	if encErr != nil {
		return encErr
	}
	return c.send(data)
}
