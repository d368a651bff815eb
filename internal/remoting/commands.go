package remoting

import (
	"context"
	"encoding/xml"
	"time"

	"github.com/pkg/errors"
	"github.com/webtests/asynctest/asynctest"
	"github.com/webtests/asynctest/internal/engine"
)

// Empty is the payload of commands without argument or result.
type Empty struct {
	XMLName xml.Name `xml:"Empty"`
}

// ObjectReference addresses an object registered on the peer.
type ObjectReference struct {
	ID   int64  `xml:"ID,attr"`
	Type string `xml:"Type,attr,omitempty"`
}

// CancelRequest asks the peer to cancel the operation with the given
// response id.
type CancelRequest struct {
	XMLName xml.Name `xml:"Cancel"`
	ID      int64    `xml:"ID,attr"`
}

// Setting is one key/value pair of a settings dictionary.
type Setting struct {
	Key   string `xml:"Key,attr"`
	Value string `xml:"Value,attr"`
}

// Handshake opens a test session on the server.
type Handshake struct {
	XMLName              xml.Name         `xml:"Handshake"`
	WantStatisticsEvents bool             `xml:"WantStatisticsEvents,attr,omitempty"`
	Settings             []Setting        `xml:"Settings>Setting"`
	EventSink            *ObjectReference `xml:"EventSink"`
}

// CategoryInfo describes a category of the remote catalog.
type CategoryInfo struct {
	Name     string `xml:"Name,attr"`
	Explicit bool   `xml:"Explicit,attr,omitempty"`
}

// FeatureInfo describes a feature of the remote catalog and its state.
type FeatureInfo struct {
	Name        string `xml:"Name,attr"`
	Description string `xml:"Description,attr,omitempty"`
	Default     bool   `xml:"Default,attr,omitempty"`
	Constant    bool   `xml:"Constant,attr,omitempty"`
	Enabled     bool   `xml:"Enabled,attr,omitempty"`
}

// SessionInfo is the response to a handshake.
type SessionInfo struct {
	XMLName    xml.Name        `xml:"Session"`
	Name       string          `xml:"Name,attr"`
	Object     ObjectReference `xml:"Object"`
	Category   string          `xml:"Category,attr,omitempty"`
	Categories []CategoryInfo  `xml:"Categories>Category"`
	Features   []FeatureInfo   `xml:"Features>Feature"`
}

// RunRequest runs a test case. Log output and statistics of the run go to
// EventSink if set, otherwise to the session's sink.
type RunRequest struct {
	XMLName   xml.Name         `xml:"RunTestCase"`
	Test      *engine.TestCase `xml:"TestCase"`
	EventSink *ObjectReference `xml:"EventSink"`
}

// LogMessage forwards one log message of a test.
type LogMessage struct {
	XMLName xml.Name           `xml:"LogMessage"`
	Level   int                `xml:"Level,attr"`
	Name    asynctest.TestName `xml:"Name"`
	Text    string             `xml:"Text"`
}

// StatisticsMessage forwards one statistics event.
type StatisticsMessage struct {
	XMLName xml.Name                      `xml:"StatisticsEvent"`
	Type    asynctest.StatisticsEventType `xml:"Type,attr"`
	Status  asynctest.TestStatus          `xml:"Status,attr"`
	Elapsed time.Duration                 `xml:"Elapsed,attr,omitempty"`
	Name    asynctest.TestName            `xml:"Name"`
}

var (
	shutdownCommand = &Command[Empty, Empty]{
		Name:    "Shutdown",
		Handler: handleShutdown,
	}
	cancelCommand = &Command[CancelRequest, Empty]{
		Name: "Cancel",
		Mode: OneWay,
		Handler: func(ctx context.Context, c *Connection, target any, arg *CancelRequest) (*Empty, error) {
			c.cancelOperation(arg.ID)
			return nil, nil
		},
	}
	releaseCommand = &Command[ObjectReference, Empty]{
		Name: "Release",
		Mode: OneWay,
		Handler: func(ctx context.Context, c *Connection, target any, arg *ObjectReference) (*Empty, error) {
			c.ReleaseObject(arg.ID)
			return nil, nil
		},
	}
	handshakeCommand = &Command[Handshake, SessionInfo]{
		Name:    "Handshake",
		Handler: handleHandshake,
	}
	getRootTestCaseCommand = &Command[Empty, engine.TestCase]{
		Name: "GetRootTestCase",
		Handler: func(ctx context.Context, c *Connection, target any, arg *Empty) (*engine.TestCase, error) {
			s, err := sessionOf(target)
			if err != nil {
				return nil, err
			}
			return s.suite.RootTestCase(ctx)
		},
	}
	getTestCaseChildrenCommand = &Command[engine.TestCase, engine.TestCaseList]{
		Name: "GetTestCaseChildren",
		Handler: func(ctx context.Context, c *Connection, target any, arg *engine.TestCase) (*engine.TestCaseList, error) {
			s, err := sessionOf(target)
			if err != nil {
				return nil, err
			}
			children, err := s.suite.Children(ctx, arg)
			if err != nil {
				return nil, err
			}
			return &engine.TestCaseList{Cases: children}, nil
		},
	}
	resolveFromPathCommand = &Command[asynctest.TestPath, engine.TestCase]{
		Name: "ResolveFromPath",
		Handler: func(ctx context.Context, c *Connection, target any, arg *asynctest.TestPath) (*engine.TestCase, error) {
			s, err := sessionOf(target)
			if err != nil {
				return nil, err
			}
			return s.suite.Resolve(ctx, arg)
		},
	}
	runTestCaseCommand = &Command[RunRequest, asynctest.TestResult]{
		Name: "RunTestCase",
		Handler: func(ctx context.Context, c *Connection, target any, arg *RunRequest) (*asynctest.TestResult, error) {
			s, err := sessionOf(target)
			if err != nil {
				return nil, err
			}
			return s.run(ctx, arg)
		},
	}
	logMessageCommand = &Command[LogMessage, Empty]{
		Name: "LogMessage",
		Mode: OneWay,
		Handler: func(ctx context.Context, c *Connection, target any, arg *LogMessage) (*Empty, error) {
			sink, ok := target.(*sinkServant)
			if !ok {
				return nil, errors.New("LogMessage sent to an object which is not an event sink")
			}
			sink.LogMessage(arg.Name, arg.Level, arg.Text)
			return nil, nil
		},
	}
	statisticsEventCommand = &Command[StatisticsMessage, Empty]{
		Name: "StatisticsEvent",
		Mode: OneWay,
		Handler: func(ctx context.Context, c *Connection, target any, arg *StatisticsMessage) (*Empty, error) {
			sink, ok := target.(*sinkServant)
			if !ok {
				return nil, errors.New("StatisticsEvent sent to an object which is not an event sink")
			}
			sink.OnStatisticsEvent(asynctest.StatisticsEvent{
				Type:    arg.Type,
				Name:    arg.Name,
				Status:  arg.Status,
				Elapsed: arg.Elapsed,
			})
			return nil, nil
		},
	}
)

func builtinCommands() []dispatcher {
	return []dispatcher{
		shutdownCommand,
		cancelCommand,
		releaseCommand,
		handshakeCommand,
		getRootTestCaseCommand,
		getTestCaseChildrenCommand,
		resolveFromPathCommand,
		runTestCaseCommand,
		logMessageCommand,
		statisticsEventCommand,
	}
}

func handleShutdown(ctx context.Context, c *Connection, target any, arg *Empty) (*Empty, error) {
	if ep, ok := target.(*endpoint); ok {
		ep.shutdown()
	}
	return &Empty{}, nil
}

func handleHandshake(ctx context.Context, c *Connection, target any, arg *Handshake) (*SessionInfo, error) {
	ep, ok := target.(*endpoint)
	if !ok {
		return nil, errors.New("this endpoint does not accept test sessions")
	}
	return ep.handshake(arg)
}

func sessionOf(target any) (*sessionServant, error) {
	s, ok := target.(*sessionServant)
	if !ok {
		return nil, errors.Errorf("internal error: %T is not a test session", target)
	}
	return s, nil
}
