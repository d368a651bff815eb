package runner

import (
	"context"
	"os"
	"os/exec"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/engine"
	"github.com/webtests/asynctest/internal/remoting"
	"golang.org/x/sync/errgroup"
)

// sessionFlags select where tests run.
type sessionFlags struct {
	connect string
	fork    bool
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.connect, "connect", "", "Run tests on the server at this address")
	cmd.Flags().BoolVar(&f.fork, "fork", false, "Run tests in a child process")
}

// session is an open test session and the function that ends it.
type session struct {
	engine.Session
	close func(ctx context.Context) error
}

// open starts a local, remote or forked session.
func (f *sessionFlags) open(ctx context.Context, g *globalFlags, catalog *asynctest.Catalog) (*session, error) {
	switch {
	case f.connect != "" && f.fork:
		return nil, errors.New("--connect and --fork are mutually exclusive")
	case f.connect != "":
		return dialSession(ctx, g.env, f.connect)
	case f.fork:
		return forkSession(ctx, g)
	}
	suite, err := engine.NewSuite(g.env, catalog)
	if err != nil {
		return nil, err
	}
	return &session{Session: suite, close: func(context.Context) error { return nil }}, nil
}

func dialSession(ctx context.Context, env *asynctest.Env, addr string) (*session, error) {
	stream, err := remoting.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "can't connect to %s", addr)
	}
	log := env.Log.New("server", addr)
	conn := remoting.NewConnection(stream, nil, log)
	var g errgroup.Group
	g.Go(func() error { return conn.Run(context.Background()) })

	s, err := remoting.Connect(ctx, conn, env, remoting.ConnectOptions{Statistics: true})
	if err != nil {
		conn.Close()
		g.Wait()
		return nil, err
	}
	return &session{Session: s, close: func(ctx context.Context) error {
		err := s.Close(ctx)
		if werr := g.Wait(); err == nil {
			err = werr
		}
		return err
	}}, nil
}

// forkSession runs "server --stdio" in a child process and talks to it over
// its standard input and output.
func forkSession(ctx context.Context, g *globalFlags) (*session, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{"server", "--stdio", "--loglevel", strconv.Itoa(g.logLevel)}
	if g.settingsFile != "" {
		args = append(args, "--settings", g.settingsFile)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "can't start child process")
	}
	log := g.env.Log.New("child", cmd.Process.Pid)
	log.Debug("child process started", "args", args)

	stream, err := remoting.DialStdio(stdout, stdin)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}
	conn := remoting.NewConnection(stream, nil, log)
	var group errgroup.Group
	group.Go(func() error { return conn.Run(context.Background()) })

	s, err := remoting.Connect(ctx, conn, g.env, remoting.ConnectOptions{Statistics: true})
	if err != nil {
		conn.Close()
		cmd.Process.Kill()
		group.Wait()
		cmd.Wait()
		return nil, err
	}
	return &session{Session: s, close: func(ctx context.Context) error {
		err := s.Close(ctx)
		if werr := group.Wait(); err == nil {
			err = werr
		}
		if werr := cmd.Wait(); err == nil && werr != nil {
			err = errors.Wrap(werr, "child process failed")
		}
		log.Debug("child process exited")
		return err
	}}, nil
}

// selectTests returns the test cases matching pattern. An empty pattern
// selects the whole catalog; otherwise matching test methods are returned.
func selectTests(ctx context.Context, s engine.Session, pattern string) ([]*engine.TestCase, error) {
	m, err := engine.ParsePattern(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "invalid pattern")
	}
	root, err := s.RootTestCase(ctx)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return []*engine.TestCase{root}, nil
	}
	fixtures, err := s.Children(ctx, root)
	if err != nil {
		return nil, err
	}
	var out []*engine.TestCase
	for _, f := range fixtures {
		if !m.MatchCase(f) {
			continue
		}
		methods, err := s.Children(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, tc := range methods {
			if m.MatchCase(tc) {
				out = append(out, tc)
			}
		}
	}
	return out, nil
}
