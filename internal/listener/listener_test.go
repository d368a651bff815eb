package listener

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gopkg.in/inconshreveable/log15.v2"
)

func testLogger() log15.Logger {
	log := log15.New()
	log.SetHandler(log15.DiscardHandler())
	return log
}

func newListener(t *testing.T, parallel int) *Listener {
	t.Helper()
	l, err := New(Config{ParallelConnections: parallel}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSequentialOperations(t *testing.T) {
	l := newListener(t, 2)
	ctx := testContext(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Run(ctx, HelloWorld, GetText(HelloWorldText)))
	}
	assert.Equal(t, 2, l.Peak())
}

func TestParallelOperations(t *testing.T) {
	l := newListener(t, 2)
	ctx := testContext(t)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			return l.Run(ctx, PostEcho, PostText("ping"))
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, l.Peak(), 2)
}

func TestRedirectKeepAlive(t *testing.T) {
	l := newListener(t, 1)
	ctx := testContext(t)

	var (
		mu     sync.Mutex
		origin *Operation
		target *Operation
	)
	redirect := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		reply := RedirectTo(req, http.StatusFound, HelloWorld, false)
		mu.Lock()
		origin, target = req.Operation, reply.Redirect
		mu.Unlock()
		return reply, nil
	})
	require.NoError(t, l.Run(ctx, redirect, GetText(HelloWorldText)))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, target)
	assert.NotEqual(t, origin.URI(), target.URI())
	assert.NotNil(t, origin.AssignedContext())
	assert.Same(t, origin.AssignedContext(), target.AssignedContext())
	assert.NoError(t, target.Err())
}

func TestRedirectNewConnection(t *testing.T) {
	l := newListener(t, 2)
	ctx := testContext(t)

	var (
		mu     sync.Mutex
		origin *Operation
		target *Operation
	)
	redirect := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		reply := RedirectTo(req, http.StatusFound, HelloWorld, true)
		mu.Lock()
		origin, target = req.Operation, reply.Redirect
		mu.Unlock()
		return reply, nil
	})
	require.NoError(t, l.Run(ctx, redirect, GetText(HelloWorldText)))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, target.AssignedContext())
	assert.NotSame(t, origin.AssignedContext(), target.AssignedContext())
}

func TestBasicAuth(t *testing.T) {
	l := newListener(t, 1)
	ctx := testContext(t)

	auth := &BasicAuth{Username: "user", Password: "secret"}
	require.NoError(t, l.Run(ctx, auth, Authenticate("user", "secret", HelloWorldText)))

	err := l.Run(ctx, auth, Authenticate("user", "wrong", HelloWorldText))
	assert.ErrorContains(t, err, "unexpected status 401")
}

func TestChunked(t *testing.T) {
	l := newListener(t, 1)
	ctx := testContext(t)

	chunks := &Chunked{Chunks: []string{"Hello", " ", "chunked", " ", "World"}}
	err := l.Run(ctx, chunks, func(ctx context.Context, client *http.Client, url string) error {
		resp, body, err := Fetch(ctx, client, http.MethodGet, url, "", nil)
		if err != nil {
			return err
		}
		assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
		assert.Equal(t, int64(-1), resp.ContentLength)
		return Expect(resp, body, http.StatusOK, "Hello chunked World")
	})
	require.NoError(t, err)
}

func TestPostEcho(t *testing.T) {
	l := newListener(t, 1)
	ctx := testContext(t)

	body := strings.Repeat("echo ", 10000)
	require.NoError(t, l.Run(ctx, PostEcho, PostText(body)))
	assert.ErrorContains(t, l.Run(ctx, PostEcho, GetText("")), "unexpected status 405")
}

func TestUnknownOperation(t *testing.T) {
	l := newListener(t, 1)
	ctx := testContext(t)

	client := &http.Client{Transport: &http.Transport{}}
	resp, _, err := Fetch(ctx, client, http.MethodGet, l.URL()+"/op/missing", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The listener keeps serving.
	require.NoError(t, l.Run(ctx, HelloWorld, GetText(HelloWorldText)))
}

// rawGet sends a GET on conn and reads the response.
func rawGet(t *testing.T, conn net.Conn, r *bufio.Reader, url string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if auth {
		req.SetBasicAuth("user", "secret")
	}
	require.NoError(t, req.Write(conn))
	resp, err := http.ReadResponse(r, req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestOperationOnSecondConnection(t *testing.T) {
	l := newListener(t, 2)
	op := l.Register(&BasicAuth{Username: "user", Password: "secret"})

	dial := func() (net.Conn, *bufio.Reader) {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		return conn, bufio.NewReader(conn)
	}
	owner, ownerR := dial()
	other, otherR := dial()

	resp := rawGet(t, owner, ownerR, op.URL(), false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assigned := op.AssignedContext()
	require.NotNil(t, assigned)

	// The second connection is refused and closed, the operation stays
	// with its first connection.
	resp = rawGet(t, other, otherR, op.URL(), false)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.True(t, resp.Close)
	assert.Same(t, assigned, op.AssignedContext())

	resp = rawGet(t, owner, ownerR, op.URL(), true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case <-op.Done():
		assert.NoError(t, op.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not complete")
	}

	// The listener keeps serving.
	require.NoError(t, l.Run(testContext(t), HelloWorld, GetText(HelloWorldText)))
}

func TestHandlerError(t *testing.T) {
	l := newListener(t, 1)
	ctx := testContext(t)

	failing := HandlerFunc(func(ctx context.Context, req *Request) (*Reply, error) {
		return nil, assert.AnError
	})
	err := l.Run(ctx, failing, func(ctx context.Context, client *http.Client, url string) error {
		resp, _, err := Fetch(ctx, client, http.MethodGet, url, "", nil)
		if err != nil {
			return err
		}
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestAssignOnce(t *testing.T) {
	l := newListener(t, 1)
	op := l.Register(HelloWorld)
	a, b := &Context{id: 100}, &Context{id: 101}

	op.assign(a)
	assert.NotPanics(t, func() { op.assign(a) })
	assert.Panics(t, func() { op.assign(b) })
	assert.Same(t, a, op.AssignedContext())
}

func TestClose(t *testing.T) {
	l, err := New(Config{ParallelConnections: 2}, testLogger())
	require.NoError(t, err)
	op := l.Register(HelloWorld)

	require.NoError(t, l.Close())
	select {
	case <-op.Done():
		assert.ErrorIs(t, op.Err(), ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending operation was not completed")
	}
	assert.NoError(t, l.Close())
}
