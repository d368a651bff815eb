package remoting

import (
	"context"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/engine"
)

// ClientSession is a test session hosted by a remote server.
type ClientSession struct {
	conn   *Connection
	object int64
	name   string
	config *asynctest.Configuration
	sinkID int64
}

var _ engine.Session = (*ClientSession)(nil)

// ConnectOptions configure the handshake.
type ConnectOptions struct {
	// Sink receives the server's log output outside of runs. Runs report to
	// the sink given to Run.
	Sink asynctest.EventSink
	// Statistics requests statistics events in addition to log messages.
	Statistics bool
}

// Connect performs the handshake on conn and returns the remote session. The
// settings of env are sent to the server, where they override its own.
// conn must be running.
func Connect(ctx context.Context, conn *Connection, env *asynctest.Env, opts ConnectOptions) (*ClientSession, error) {
	h := &Handshake{WantStatisticsEvents: opts.Statistics}
	settings := env.Settings.Values()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Settings = append(h.Settings, Setting{Key: k, Value: settings[k]})
	}

	s := &ClientSession{conn: conn}
	if opts.Sink != nil {
		s.sinkID = conn.RegisterObject(&sinkServant{opts.Sink})
		h.EventSink = &ObjectReference{ID: s.sinkID, Type: "EventSink"}
	}
	info, err := handshakeCommand.Call(ctx, conn, 0, h)
	if err != nil {
		if s.sinkID != 0 {
			conn.ReleaseObject(s.sinkID)
		}
		return nil, errors.Wrap(err, "handshake failed")
	}
	s.object = info.Object.ID
	s.name = info.Name
	s.config = remoteConfiguration(info)
	return s, nil
}

// remoteConfiguration rebuilds the server's configuration from the
// handshake response.
func remoteConfiguration(info *SessionInfo) *asynctest.Configuration {
	var (
		categories []asynctest.Category
		features   []asynctest.Feature
		selection  = map[string]string{asynctest.SettingCategory: info.Category}
	)
	for _, c := range info.Categories {
		categories = append(categories, asynctest.Category{Name: c.Name, Explicit: c.Explicit})
	}
	for _, f := range info.Features {
		features = append(features, asynctest.Feature{
			Name:        f.Name,
			Description: f.Description,
			Default:     f.Default,
		})
		selection[asynctest.SettingFeaturePrefix+f.Name] = strconv.FormatBool(f.Enabled)
	}
	config := asynctest.NewConfiguration(categories, features, asynctest.NewSettings(selection))
	// Constant features are applied after the selection so it can't be overridden.
	for _, f := range info.Features {
		if f.Constant {
			config.SetIsEnabled(f.Name, f.Enabled)
		}
	}
	return config
}

func (s *ClientSession) Name() string                            { return s.name }
func (s *ClientSession) Configuration() *asynctest.Configuration { return s.config }

func (s *ClientSession) RootTestCase(ctx context.Context) (*engine.TestCase, error) {
	return getRootTestCaseCommand.Call(ctx, s.conn, s.object, &Empty{})
}

func (s *ClientSession) Children(ctx context.Context, test *engine.TestCase) ([]*engine.TestCase, error) {
	list, err := getTestCaseChildrenCommand.Call(ctx, s.conn, s.object, test)
	if err != nil {
		return nil, err
	}
	return list.Cases, nil
}

func (s *ClientSession) Resolve(ctx context.Context, path *asynctest.TestPath) (*engine.TestCase, error) {
	return resolveFromPathCommand.Call(ctx, s.conn, s.object, path)
}

// Run runs a test case on the server. Log messages and statistics of the
// run are forwarded to sink while it runs.
func (s *ClientSession) Run(ctx context.Context, test *engine.TestCase, sink asynctest.EventSink) (*asynctest.TestResult, error) {
	req := &RunRequest{Test: test}
	if sink != nil {
		id := s.conn.RegisterObject(&sinkServant{sink})
		defer s.conn.ReleaseObject(id)
		req.EventSink = &ObjectReference{ID: id, Type: "EventSink"}
	}
	return runTestCaseCommand.Call(ctx, s.conn, s.object, req)
}

// Close releases the session on the server and shuts the connection down.
func (s *ClientSession) Close(ctx context.Context) error {
	if err := releaseCommand.Send(s.conn, 0, &ObjectReference{ID: s.object}); err != nil {
		return err
	}
	if s.sinkID != 0 {
		s.conn.ReleaseObject(s.sinkID)
	}
	return s.conn.Shutdown(ctx)
}
