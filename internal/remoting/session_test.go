package remoting

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/engine"
	"github.com/webtests/asynctest/internal/results"
)

func remoteCatalog() *asynctest.Catalog {
	method := func(name string, test *asynctest.TestAttribute, run func(call *asynctest.Call) error, params ...asynctest.Param) *asynctest.Method {
		if test == nil {
			test = &asynctest.TestAttribute{}
		}
		return &asynctest.Method{Name: name, Static: true, Test: test, Params: params, Run: run}
	}
	return asynctest.NewCatalog("remote").
		AddFeature(asynctest.Feature{Name: "Blocking"}).
		Add(&asynctest.Type{
			Name:    "Remote",
			Fixture: &asynctest.FixtureAttribute{},
			Methods: []*asynctest.Method{
				method("Pass", nil, func(call *asynctest.Call) error {
					call.Test.Log("hello from the server")
					return nil
				}, asynctest.TestContextParam()),
				method("Fail", nil, func(call *asynctest.Call) error {
					call.Test.Error("expected failure")
					return nil
				}, asynctest.TestContextParam()),
				method("Flag", nil, func(call *asynctest.Call) error {
					return nil
				}, asynctest.P[bool]("flag", nil)),
				method("Block", &asynctest.TestAttribute{Features: []string{"Blocking"}}, func(call *asynctest.Call) error {
					<-call.Context.Done()
					return call.Context.Err()
				}, asynctest.ContextParam()),
			},
		})
}

type recordingSink struct {
	mu       sync.Mutex
	messages []string
	finished map[string]asynctest.TestStatus
}

func (s *recordingSink) LogMessage(name asynctest.TestName, level int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, name.String()+": "+message)
}

func (s *recordingSink) OnStatisticsEvent(ev asynctest.StatisticsEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Type == asynctest.EventFinished {
		if s.finished == nil {
			s.finished = make(map[string]asynctest.TestStatus)
		}
		s.finished[ev.Name.String()] = ev.Status
	}
}

func (s *recordingSink) get() ([]string, map[string]asynctest.TestStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...), s.finished
}

func testEnv(settings map[string]string) *asynctest.Env {
	env := asynctest.NewEnv(settings)
	env.Log = testLogger()
	return env
}

// startRemote serves the catalog on one end of a pipe and connects a client
// session on the other.
func startRemote(t *testing.T, srv *Server, clientSettings map[string]string, opts ConnectOptions) *ClientSession {
	t.Helper()
	c1, c2 := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- srv.ServeConn(context.Background(), c2) }()

	conn := NewConnection(c1, NewRegistry(), testLogger())
	go conn.Run(context.Background())

	session, err := Connect(context.Background(), conn, testEnv(clientSettings), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		session.Close(context.Background())
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return session
}

func listNames(t *testing.T, s engine.Session) []string {
	t.Helper()
	ctx := context.Background()
	root, err := s.RootTestCase(ctx)
	require.NoError(t, err)
	all, err := engine.Flatten(func(tc *engine.TestCase) ([]*engine.TestCase, error) {
		return s.Children(ctx, tc)
	}, root)
	require.NoError(t, err)
	var names []string
	for _, tc := range all {
		names = append(names, tc.String())
	}
	return names
}

func leafStatus(result *asynctest.TestResult) map[string]asynctest.TestStatus {
	out := make(map[string]asynctest.TestStatus)
	for _, l := range result.Leaves() {
		out[l.Name.String()] = l.Status
	}
	return out
}

func TestRemoteSessionMatchesLocal(t *testing.T) {
	local, err := engine.NewSuite(testEnv(nil), remoteCatalog())
	require.NoError(t, err)
	srv := NewServer(testEnv(nil), remoteCatalog())
	remote := startRemote(t, srv, nil, ConnectOptions{})

	assert.Equal(t, "remote", remote.Name())
	assert.Equal(t, listNames(t, local), listNames(t, remote))

	ctx := context.Background()
	localRoot, _ := local.RootTestCase(ctx)
	remoteRoot, err := remote.RootTestCase(ctx)
	require.NoError(t, err)
	localResult, err := local.Run(ctx, localRoot, nil)
	require.NoError(t, err)
	remoteResult, err := remote.Run(ctx, remoteRoot, nil)
	require.NoError(t, err)

	want := map[string]asynctest.TestStatus{
		"Remote.Pass":             asynctest.StatusSuccess,
		"Remote.Fail":             asynctest.StatusError,
		"Remote.Flag(flag=false)": asynctest.StatusSuccess,
		"Remote.Flag(flag=true)":  asynctest.StatusSuccess,
	}
	if got := leafStatus(remoteResult); !assert.Equal(t, want, got) {
		t.Log("remote result:", spew.Sdump(remoteResult))
	}
	assert.Equal(t, leafStatus(localResult), leafStatus(remoteResult))
	assert.Equal(t, localResult.Status, remoteResult.Status)
	assert.Equal(t, asynctest.StatusError, remoteResult.Status)
}

func TestRemoteEventSink(t *testing.T) {
	srv := NewServer(testEnv(nil), remoteCatalog())
	remote := startRemote(t, srv, nil, ConnectOptions{Statistics: true})

	ctx := context.Background()
	root, _ := remote.RootTestCase(ctx)
	sink := new(recordingSink)
	_, err := remote.Run(ctx, root, sink)
	require.NoError(t, err)

	messages, finished := sink.get()
	assert.Contains(t, messages, "Remote.Pass: hello from the server")
	assert.Equal(t, asynctest.StatusError, finished["Remote.Fail"])
	assert.Equal(t, asynctest.StatusSuccess, finished["Remote.Pass"])
}

func TestRemoteSettingsAndResolve(t *testing.T) {
	srv := NewServer(testEnv(nil), remoteCatalog())
	remote := startRemote(t, srv, map[string]string{"Feature.Blocking": "true"}, ConnectOptions{})
	assert.True(t, remote.Configuration().IsEnabled("Blocking"))
	assert.Contains(t, listNames(t, remote), "Remote.Block")

	// Resolve a pinned parameter combination and run only that.
	ctx := context.Background()
	root, _ := remote.RootTestCase(ctx)
	path := root.Path.
		Append(asynctest.PathNode{Identifier: "Remote", Name: "Remote"}).
		Append(asynctest.PathNode{Identifier: "Remote.Flag", Name: "Flag"})
	flag, err := remote.Resolve(ctx, path)
	require.NoError(t, err)
	children, err := remote.Children(ctx, flag)
	require.NoError(t, err)
	require.Len(t, children, 2)

	result, err := remote.Run(ctx, children[1], nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]asynctest.TestStatus{"Remote.Flag(flag=true)": asynctest.StatusSuccess}, leafStatus(result))

	_, err = remote.Resolve(ctx, root.Path.Append(asynctest.PathNode{Identifier: "Missing"}))
	assert.ErrorContains(t, err, "not found")
}

func TestRemoteCancel(t *testing.T) {
	srv := NewServer(testEnv(nil), remoteCatalog())
	remote := startRemote(t, srv, map[string]string{"Feature.Blocking": "true"}, ConnectOptions{})

	ctx := context.Background()
	root, _ := remote.RootTestCase(ctx)
	block, err := remote.Resolve(ctx, root.Path.
		Append(asynctest.PathNode{Identifier: "Remote", Name: "Remote"}).
		Append(asynctest.PathNode{Identifier: "Remote.Block", Name: "Block"}))
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = remote.Run(runCtx, block, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The connection is still usable.
	_, err = remote.RootTestCase(ctx)
	require.NoError(t, err)
}

func TestServerRecordsResults(t *testing.T) {
	srv := NewServer(testEnv(nil), remoteCatalog())
	srv.Results = results.NewManager(nil, testLogger())
	remote := startRemote(t, srv, nil, ConnectOptions{})

	ctx := context.Background()
	root, _ := remote.RootTestCase(ctx)
	_, err := remote.Run(ctx, root, nil)
	require.NoError(t, err)

	sessions := srv.Results.Sessions()
	require.Len(t, sessions, 1)
	s, _ := srv.Results.Session(sessions[0].ID)
	require.Len(t, s.Results, 1)
	assert.Equal(t, 1, s.Summary.Errors)
}

func TestReleaseSession(t *testing.T) {
	srv := NewServer(testEnv(nil), remoteCatalog())
	remote := startRemote(t, srv, nil, ConnectOptions{})

	ctx := context.Background()
	_, err := remote.RootTestCase(ctx)
	require.NoError(t, err)

	require.NoError(t, releaseCommand.Send(remote.conn, 0, &ObjectReference{ID: remote.object}))
	_, err = remote.RootTestCase(ctx)
	assert.ErrorContains(t, err, "unknown remote object")
}
