package selftest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/engine"
	"github.com/webtests/asynctest/internal/remoting"
	"gopkg.in/inconshreveable/log15.v2"
)

func testEnv(settings map[string]string) *asynctest.Env {
	env := asynctest.NewEnv(settings)
	env.Log = log15.New()
	env.Log.SetHandler(log15.DiscardHandler())
	return env
}

func runSession(t *testing.T, s engine.Session) *asynctest.TestResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	root, err := s.RootTestCase(ctx)
	require.NoError(t, err)
	result, err := s.Run(ctx, root, nil)
	require.NoError(t, err)
	return result
}

func checkSuccess(t *testing.T, result *asynctest.TestResult) map[string]asynctest.TestStatus {
	t.Helper()
	leaves := make(map[string]asynctest.TestStatus)
	for _, l := range result.Leaves() {
		leaves[l.Name.String()] = l.CurrentStatus()
	}
	if result.Status != asynctest.StatusSuccess {
		t.Fatal("selftest failed:", spew.Sdump(leaves))
	}
	return leaves
}

func TestLocalRun(t *testing.T) {
	s, err := engine.NewSuite(testEnv(nil), Catalog())
	require.NoError(t, err)
	leaves := checkSuccess(t, runSession(t, s))

	assert.Contains(t, leaves, "Framework.Bool(flag=true)")
	assert.Contains(t, leaves, "Lifecycle.Second")
	assert.Contains(t, leaves, "Listener.Operation(handler=RedirectNewConnection)")
	assert.NotContains(t, leaves, "Framework.Timeout")
	assert.NotContains(t, leaves, "Listener.Parallel")
}

func TestStressCategory(t *testing.T) {
	settings := map[string]string{
		asynctest.SettingCategory:                    CategoryStress.Name,
		asynctest.SettingParallelConnections:         "3",
		asynctest.SettingFeaturePrefix + FeatureSlow: "true",
	}
	s, err := engine.NewSuite(testEnv(settings), Catalog())
	require.NoError(t, err)
	leaves := checkSuccess(t, runSession(t, s))
	assert.Equal(t, map[string]asynctest.TestStatus{"Listener.Parallel": asynctest.StatusSuccess}, leaves)
}

func TestRemoteRun(t *testing.T) {
	srv := remoting.NewServer(testEnv(nil), Catalog())
	c1, c2 := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- srv.ServeConn(context.Background(), c2) }()

	log := log15.New()
	log.SetHandler(log15.DiscardHandler())
	conn := remoting.NewConnection(c1, remoting.NewRegistry(), log)
	go conn.Run(context.Background())

	client := testEnv(map[string]string{asynctest.SettingFeaturePrefix + FeatureSlow: "true"})
	session, err := remoting.Connect(context.Background(), conn, client, remoting.ConnectOptions{})
	require.NoError(t, err)

	leaves := checkSuccess(t, runSession(t, session))
	assert.Contains(t, leaves, "Framework.Timeout")
	assert.Contains(t, leaves, "Listener.Operation(handler=BasicAuth)")

	require.NoError(t, session.Close(context.Background()))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
