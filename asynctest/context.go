package asynctest

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/inconshreveable/log15.v2"
)

// StatisticsEventType is the kind of a StatisticsEvent.
type StatisticsEventType int

const (
	EventRunning StatisticsEventType = iota
	EventFinished
	EventReset
)

func (t StatisticsEventType) String() string {
	switch t {
	case EventRunning:
		return "Running"
	case EventFinished:
		return "Finished"
	case EventReset:
		return "Reset"
	}
	return fmt.Sprintf("StatisticsEventType(%d)", int(t))
}

// StatisticsEvent reports progress of a test run.
type StatisticsEvent struct {
	Type    StatisticsEventType
	Name    TestName
	Status  TestStatus
	Elapsed time.Duration
}

// EventSink receives log output and statistics of a run. Remote sessions
// forward both to the client process.
type EventSink interface {
	LogMessage(name TestName, level int, message string)
	OnStatisticsEvent(ev StatisticsEvent)
}

// logSink writes to a log15 logger.
type logSink struct{ log log15.Logger }

// NewLogSink returns an EventSink which logs through log.
func NewLogSink(log log15.Logger) EventSink {
	return logSink{log}
}

func (s logSink) LogMessage(name TestName, level int, message string) {
	if level > 0 {
		s.log.Debug(message, "test", name.String(), "level", level)
		return
	}
	s.log.Info(message, "test", name.String())
}

func (s logSink) OnStatisticsEvent(ev StatisticsEvent) {
	if ev.Type == EventFinished {
		s.log.Debug("test finished", "test", ev.Name.String(), "status", ev.Status, "elapsed", ev.Elapsed)
	}
}

// MultiSink returns a sink which forwards to all non-nil sinks.
func MultiSink(sinks ...EventSink) EventSink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multiSink []EventSink

func (m multiSink) LogMessage(name TestName, level int, message string) {
	for _, s := range m {
		s.LogMessage(name, level, message)
	}
}

func (m multiSink) OnStatisticsEvent(ev StatisticsEvent) {
	for _, s := range m {
		s.OnStatisticsEvent(ev)
	}
}

// ErrCanceled is reported for tests that were canceled.
var ErrCanceled = errors.New("test canceled")

// TestContext is passed to every test body. It is a lot like testing.T:
// it collects log output and errors of one node in the result tree.
type TestContext struct {
	env    *Env
	config *Configuration
	sink   EventSink
	parent *TestContext
	name   TestName
	result *TestResult
	start  time.Time

	mu       sync.Mutex
	finished bool
}

// NewTestContext creates the root context of a run.
func NewTestContext(env *Env, config *Configuration, sink EventSink, result *TestResult) *TestContext {
	if sink == nil {
		sink = NewLogSink(env.Log)
	}
	return &TestContext{
		env:    env,
		config: config,
		sink:   sink,
		name:   result.Name,
		result: result,
		start:  time.Now(),
	}
}

// CreateChild creates the context of a child node. The child result is
// added to the result of tc.
func (tc *TestContext) CreateChild(name TestName, result *TestResult) *TestContext {
	if result == nil {
		result = NewResult(name)
	}
	tc.result.AddChild(result)
	return &TestContext{
		env:    tc.env,
		config: tc.config,
		sink:   tc.sink,
		parent: tc,
		name:   name,
		result: result,
		start:  time.Now(),
	}
}

// WithResult returns a context that shares the configuration of tc but
// reports to the given result without linking it into the tree.
func (tc *TestContext) WithResult(result *TestResult) *TestContext {
	return &TestContext{
		env:    tc.env,
		config: tc.config,
		sink:   tc.sink,
		parent: tc.parent,
		name:   result.Name,
		result: result,
		start:  time.Now(),
	}
}

func (tc *TestContext) Env() *Env                     { return tc.env }
func (tc *TestContext) Settings() *Settings           { return tc.env.Settings }
func (tc *TestContext) Configuration() *Configuration { return tc.config }
func (tc *TestContext) Name() TestName                { return tc.name }
func (tc *TestContext) Result() *TestResult           { return tc.result }
func (tc *TestContext) Parent() *TestContext          { return tc.parent }
func (tc *TestContext) Sink() EventSink               { return tc.sink }

// IsEnabled reports whether a feature is enabled.
func (tc *TestContext) IsEnabled(feature string) bool {
	return tc.config.IsEnabled(feature)
}

// LogMessage logs at the given debug level. Level 0 messages are also
// stored in the result.
func (tc *TestContext) LogMessage(level int, message string) {
	message = strings.TrimSuffix(message, "\n")
	if level == 0 {
		tc.result.AddMessage(message)
	}
	tc.sink.LogMessage(tc.name, level, message)
}

// Log formats its arguments like fmt.Sprintln and logs them.
func (tc *TestContext) Log(values ...any) {
	tc.LogMessage(0, fmt.Sprintln(values...))
}

// Logf formats like fmt.Sprintf and logs.
func (tc *TestContext) Logf(format string, values ...any) {
	tc.LogMessage(0, fmt.Sprintf(format, values...))
}

// LogDebug logs at a debug level greater than zero.
func (tc *TestContext) LogDebug(level int, format string, values ...any) {
	tc.LogMessage(level, fmt.Sprintf(format, values...))
}

// OnError records err. Cancellation errors mark the node canceled instead
// of failed.
func (tc *TestContext) OnError(err error) {
	if err == nil {
		return
	}
	if tc.isFinished() {
		// A body that outlived its timeout can't change the recorded outcome.
		tc.sink.LogMessage(tc.name, 1, "ignoring error after the test finished: "+err.Error())
		return
	}
	cause := errors.Cause(err)
	if cause == context.Canceled || cause == ErrCanceled {
		tc.OnCanceled()
		return
	}
	tc.result.AddError(err)
	tc.sink.LogMessage(tc.name, 0, "error: "+err.Error())
}

// OnCanceled marks the node canceled.
func (tc *TestContext) OnCanceled() {
	if !tc.isFinished() {
		tc.result.MergeStatus(StatusCanceled)
	}
}

func (tc *TestContext) isFinished() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.finished
}

// IgnoreThisTest marks the node ignored unless it already has an outcome.
func (tc *TestContext) IgnoreThisTest() {
	if tc.result.CurrentStatus() == StatusNone {
		tc.result.SetStatus(StatusIgnored)
	}
}

// HasPendingException reports whether an error or cancellation has been
// recorded for this node.
func (tc *TestContext) HasPendingException() bool {
	return tc.result.CurrentStatus().Failed()
}

// OnTestRunning emits the running event.
func (tc *TestContext) OnTestRunning() {
	tc.sink.OnStatisticsEvent(StatisticsEvent{Type: EventRunning, Name: tc.name})
}

// OnTestFinished completes the node with status, unless a more severe
// status was already recorded, and emits the finished event. It returns the
// final status. Calling it again has no effect, and errors reported after
// it are only logged.
func (tc *TestContext) OnTestFinished(status TestStatus) TestStatus {
	tc.mu.Lock()
	if tc.finished {
		tc.mu.Unlock()
		return tc.result.CurrentStatus()
	}
	tc.finished = true
	tc.mu.Unlock()

	tc.result.MergeStatus(status)
	final := tc.result.CurrentStatus()
	elapsed := time.Since(tc.start)
	tc.result.setElapsed(elapsed)
	if tc.parent != nil {
		tc.parent.result.MergeStatus(final)
	}
	tc.sink.OnStatisticsEvent(StatisticsEvent{Type: EventFinished, Name: tc.name, Status: final, Elapsed: elapsed})
	return final
}

// Error logs the values and marks the test failed.
func (tc *TestContext) Error(values ...any) {
	tc.OnError(errors.New(strings.TrimSuffix(fmt.Sprintln(values...), "\n")))
}

// Errorf is like Error with formatting.
func (tc *TestContext) Errorf(format string, values ...any) {
	tc.OnError(errors.Errorf(format, values...))
}

// Fatal is like Error, and ends the test body immediately.
func (tc *TestContext) Fatal(values ...any) {
	tc.Error(values...)
	tc.FailNow()
}

// Fatalf is like Errorf, and ends the test body immediately.
func (tc *TestContext) Fatalf(format string, values ...any) {
	tc.Errorf(format, values...)
	tc.FailNow()
}

// Fail marks the test failed without a message.
func (tc *TestContext) Fail() {
	if !tc.isFinished() {
		tc.result.MergeStatus(StatusError)
	}
}

// Failed reports whether the test has failed.
func (tc *TestContext) Failed() bool {
	return tc.HasPendingException()
}

// FailNow marks the test failed and exits the test body. As with
// testing.T.FailNow, it must be called from the goroutine running the body.
func (tc *TestContext) FailNow() {
	tc.Fail()
	runtime.Goexit()
}

// Expect records an error when ok is false and returns ok.
func (tc *TestContext) Expect(ok bool, format string, values ...any) bool {
	if !ok {
		tc.Errorf(format, values...)
	}
	return ok
}

// Assert is like Expect but ends the test body on failure.
func (tc *TestContext) Assert(ok bool, format string, values ...any) {
	if !ok {
		tc.Fatalf(format, values...)
	}
}
