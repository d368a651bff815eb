package remoting

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/engine"
	"github.com/webtests/asynctest/internal/results"
	"golang.org/x/sync/errgroup"
	"gopkg.in/inconshreveable/log15.v2"
)

// Server serves test sessions over remoting connections. All connections
// share one suite; the settings of each handshake are merged into the
// server's environment.
type Server struct {
	env     *asynctest.Env
	catalog *asynctest.Catalog
	log     log15.Logger

	// Results, if set, records the runs of all sessions.
	Results *results.Manager

	mu    sync.Mutex
	suite *engine.Suite
}

// NewServer creates a server for the given catalog.
func NewServer(env *asynctest.Env, catalog *asynctest.Catalog) *Server {
	return &Server{env: env, catalog: catalog, log: env.Log.New("server", catalog.Name)}
}

// openSuite merges settings into the environment and returns the suite,
// creating it on first use.
func (s *Server) openSuite(settings map[string]string) (*engine.Suite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env.Settings.Merge(settings)
	if s.suite == nil {
		suite, err := engine.NewSuite(s.env, s.catalog)
		if err != nil {
			return nil, err
		}
		s.suite = suite
		return suite, nil
	}
	s.suite.Reconfigure()
	return s.suite, nil
}

// ServeConn runs a connection over rw until the client shuts it down.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	conn := NewConnection(rw, NewRegistry(), s.log)
	ep := &endpoint{server: s, conn: conn}
	conn.SetRoot(ep)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	err := conn.Run(ctx)
	ep.close()
	return err
}

// ServeStdio serves a single connection over a pair of pipes.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.WriteCloser) error {
	stream, err := AcceptStdio(r, w)
	if err != nil {
		return err
	}
	return s.ServeConn(ctx, stream)
}

// Serve accepts TCP connections on l. Every connection carries a yamux
// session whose streams are served as separate connections. Serve returns
// when ctx is cancelled or l fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		return nil
	})
	g.Go(func() error {
		for {
			c, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept failed")
			}
			s.log.Debug("accepted connection", "remote", c.RemoteAddr())
			g.Go(func() error {
				s.serveSession(ctx, c)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) serveSession(ctx context.Context, c net.Conn) {
	session, err := yamuxServer(c)
	if err != nil {
		s.log.Warn("can't start session", "remote", c.RemoteAddr(), "err", err)
		c.Close()
		return
	}
	defer session.Close()
	go func() {
		<-ctx.Done()
		session.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		stream, err := session.Accept()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, stream); err != nil {
				s.log.Warn("connection failed", "remote", c.RemoteAddr(), "err", err)
			}
		}()
	}
}

// endpoint is the root object of a server connection.
type endpoint struct {
	server *Server
	conn   *Connection

	mu       sync.Mutex
	sessions []*sessionServant
}

func (ep *endpoint) handshake(h *Handshake) (*SessionInfo, error) {
	settings := make(map[string]string, len(h.Settings))
	for _, kv := range h.Settings {
		settings[kv.Key] = kv.Value
	}
	suite, err := ep.server.openSuite(settings)
	if err != nil {
		return nil, err
	}

	servant := &sessionServant{
		suite:      suite,
		conn:       ep.conn,
		statistics: h.WantStatisticsEvents,
		sink:       asynctest.NewLogSink(ep.server.log),
	}
	if h.EventSink != nil {
		servant.sink = newRemoteSink(ep.conn, h.EventSink, h.WantStatisticsEvents)
	}
	if rm := ep.server.Results; rm != nil {
		servant.results = rm
		servant.resultsID = rm.StartSession(suite.Name(), ep.server.env.Settings.Values())
	}
	id := ep.conn.RegisterObject(servant)

	ep.mu.Lock()
	ep.sessions = append(ep.sessions, servant)
	ep.mu.Unlock()
	ep.server.log.Info("session started", "session", suite.Name(), "object", id)
	return sessionInfo(suite, id), nil
}

func (ep *endpoint) shutdown() {
	ep.server.log.Debug("client requested shutdown")
}

// close ends the result sessions opened through this connection.
func (ep *endpoint) close() {
	ep.mu.Lock()
	sessions := ep.sessions
	ep.sessions = nil
	ep.mu.Unlock()
	for _, s := range sessions {
		if s.results == nil {
			continue
		}
		if err := s.results.EndSession(s.resultsID); err != nil {
			ep.server.log.Warn("can't end result session", "err", err)
		}
	}
}

func sessionInfo(suite *engine.Suite, id int64) *SessionInfo {
	config := suite.Configuration()
	info := &SessionInfo{
		Name:     suite.Name(),
		Object:   ObjectReference{ID: id, Type: "TestSession"},
		Category: config.CurrentCategory().Name,
	}
	for _, c := range config.Categories() {
		info.Categories = append(info.Categories, CategoryInfo{Name: c.Name, Explicit: c.Explicit})
	}
	for _, f := range config.Features() {
		info.Features = append(info.Features, FeatureInfo{
			Name:        f.Name,
			Description: f.Description,
			Default:     f.Default,
			Constant:    f.Constant,
			Enabled:     config.IsEnabled(f.Name),
		})
	}
	return info
}

// sessionServant exposes a suite to the client.
type sessionServant struct {
	suite      *engine.Suite
	conn       *Connection
	sink       asynctest.EventSink
	statistics bool

	results   *results.Manager
	resultsID results.SessionID
}

func (s *sessionServant) run(ctx context.Context, req *RunRequest) (*asynctest.TestResult, error) {
	if req.Test == nil {
		return nil, errors.New("RunTestCase without test case")
	}
	sink := s.sink
	if req.EventSink != nil {
		sink = newRemoteSink(s.conn, req.EventSink, s.statistics)
	}
	if s.results != nil {
		sink = asynctest.MultiSink(sink, s.results.Sink(s.resultsID))
	}
	result, err := s.suite.Run(ctx, req.Test, sink)
	if err != nil {
		return nil, err
	}
	if s.results != nil {
		if err := s.results.AddResult(s.resultsID, result); err != nil {
			s.conn.log.Warn("can't record result", "err", err)
		}
	}
	return result, nil
}
