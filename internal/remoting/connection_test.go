package remoting

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/inconshreveable/log15.v2"
)

func testLogger() log15.Logger {
	log := log15.New()
	log.SetHandler(log15.DiscardHandler())
	return log
}

type echoRequest struct {
	XMLName xml.Name `xml:"Echo"`
	Value   string   `xml:"Value,attr"`
}

// testCommands holds commands which are registered on both ends of a test
// connection pair.
type testCommands struct {
	registry *Registry
	echo     *Command[echoRequest, string]
	fail     *Command[string, string]
	block    *Command[string, string]
	panics   *Command[Empty, Empty]

	release  chan struct{}
	started  chan struct{}
	canceled chan struct{}
}

func newTestCommands() *testCommands {
	tc := &testCommands{
		registry: NewRegistry(),
		release:  make(chan struct{}),
		started:  make(chan struct{}, 1),
		canceled: make(chan struct{}, 1),
	}
	tc.echo = Register(tc.registry, &Command[echoRequest, string]{
		Name: "Echo",
		Handler: func(ctx context.Context, c *Connection, target any, arg *echoRequest) (*string, error) {
			if arg.Value == "slow" {
				<-tc.release
			}
			v := arg.Value
			return &v, nil
		},
	})
	tc.fail = Register(tc.registry, &Command[string, string]{
		Name: "Fail",
		Handler: func(ctx context.Context, c *Connection, target any, arg *string) (*string, error) {
			return nil, errors.New(*arg)
		},
	})
	tc.block = Register(tc.registry, &Command[string, string]{
		Name: "Block",
		Handler: func(ctx context.Context, c *Connection, target any, arg *string) (*string, error) {
			tc.started <- struct{}{}
			<-ctx.Done()
			tc.canceled <- struct{}{}
			return nil, ctx.Err()
		},
	})
	tc.panics = Register(tc.registry, &Command[Empty, Empty]{
		Name: "Panic",
		Handler: func(ctx context.Context, c *Connection, target any, arg *Empty) (*Empty, error) {
			panic("handler exploded")
		},
	})
	return tc
}

type connPair struct {
	client, server       *Connection
	clientErr, serverErr chan error
}

// runConnPair runs two connected ends over an in-memory pipe.
func runConnPair(t *testing.T, registry *Registry, serverRoot any) *connPair {
	t.Helper()
	c1, c2 := net.Pipe()
	p := &connPair{
		client:    NewConnection(c1, registry, testLogger()),
		server:    NewConnection(c2, registry, testLogger()),
		clientErr: make(chan error, 1),
		serverErr: make(chan error, 1),
	}
	p.server.SetRoot(serverRoot)
	go func() { p.clientErr <- p.client.Run(context.Background()) }()
	go func() { p.serverErr <- p.server.Run(context.Background()) }()
	t.Cleanup(func() {
		p.client.Close()
		p.server.Close()
		<-p.client.Done()
		<-p.server.Done()
	})
	return p
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
		return nil
	}
}

func TestFrameSentinel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("<Command/>")))
	require.NoError(t, writeFrame(&buf, nil))
	assert.Equal(t, []byte{10, 0, 0, 0}, buf.Bytes()[:4])

	data, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "<Command/>", string(data))
	data, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestOutOfOrderResponses(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})
	ctx := context.Background()

	slow := make(chan string, 1)
	go func() {
		res, err := cmds.echo.Call(ctx, p.client, 0, &echoRequest{Value: "slow"})
		if err != nil {
			slow <- err.Error()
			return
		}
		slow <- *res
	}()

	// The fast call completes while the slow one is still pending.
	res, err := cmds.echo.Call(ctx, p.client, 0, &echoRequest{Value: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "fast", *res)

	close(cmds.release)
	select {
	case v := <-slow:
		assert.Equal(t, "slow", v)
	case <-time.After(5 * time.Second):
		t.Fatal("slow call did not complete")
	}
}

func TestRemoteError(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	msg := "remote failure: <details> & more"
	_, err := cmds.fail.Call(context.Background(), p.client, 0, &msg)
	var saved *SavedError
	require.ErrorAs(t, err, &saved)
	assert.Equal(t, msg, err.Error())

	// The connection survives errors.
	res, err := cmds.echo.Call(context.Background(), p.client, 0, &echoRequest{Value: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", *res)
}

func TestHandlerPanic(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	_, err := cmds.panics.Call(context.Background(), p.client, 0, &Empty{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
}

func TestCancelPropagates(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		arg := "wait"
		_, err := cmds.block.Call(ctx, p.client, 0, &arg)
		done <- err
	}()

	select {
	case <-cmds.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not started")
	}
	cancel()
	assert.ErrorIs(t, wait(t, done), context.Canceled)
	select {
	case <-cmds.canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("server operation was not cancelled")
	}
}

func TestCancelUnknownOperation(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	require.NoError(t, cancelCommand.Send(p.client, 0, &CancelRequest{ID: 1 << 40}))
	res, err := cmds.echo.Call(context.Background(), p.client, 0, &echoRequest{Value: "alive"})
	require.NoError(t, err)
	assert.Equal(t, "alive", *res)
}

func TestShutdown(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	require.NoError(t, p.client.Shutdown(context.Background()))
	assert.NoError(t, wait(t, p.serverErr))
	assert.NoError(t, wait(t, p.clientErr))

	_, err := cmds.echo.Call(context.Background(), p.client, 0, &echoRequest{Value: "late"})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestEndOfStream(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	require.NoError(t, p.client.Close())
	assert.NoError(t, wait(t, p.serverErr))
}

func TestPendingCallsFailOnClose(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	done := make(chan error, 1)
	go func() {
		arg := "wait"
		_, err := cmds.block.Call(context.Background(), p.client, 0, &arg)
		done <- err
	}()
	<-cmds.started
	p.server.Close()
	assert.ErrorIs(t, wait(t, done), ErrConnectionClosed)
}

func TestResponseCorrelation(t *testing.T) {
	c := NewConnection(nopConn{}, nil, testLogger())
	c.abandoned[42] = struct{}{}

	stop, err := c.handleResponse(&responseMessage{ObjectID: 42})
	assert.False(t, stop)
	assert.NoError(t, err, "late response of an abandoned operation must be dropped")

	_, err = c.handleResponse(&responseMessage{ObjectID: 42})
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr, "response for an unknown id is a protocol error")
}

func TestUnknownObject(t *testing.T) {
	cmds := newTestCommands()
	p := runConnPair(t, cmds.registry, struct{}{})

	_, err := cmds.echo.Call(context.Background(), p.client, 12345, &echoRequest{Value: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown remote object")
}

type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)  { return 0, errors.New("nop") }
func (nopConn) Write(b []byte) (int, error) { return len(b), nil }
func (nopConn) Close() error                { return nil }
