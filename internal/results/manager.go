// Package results collects the results of test sessions, writes reports and
// serves them over HTTP.
package results

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webtests/asynctest/asynctest"
	"gopkg.in/inconshreveable/log15.v2"
)

var (
	ErrNoSuchSession  = errors.New("no such session")
	ErrNoSuchTestCase = errors.New("no such test case")
	ErrSessionRunning = errors.New("session still has running tests")
	ErrNoSummary      = errors.New("test case must be ended with a status")
)

// SessionID identifies a session.
type SessionID uint32

func (id SessionID) String() string {
	return strconv.Itoa(int(id))
}

// TestID identifies a test case.
type TestID uint32

func (id TestID) String() string {
	return strconv.Itoa(int(id))
}

// Session is one run of a catalog, a collection of test cases.
type Session struct {
	ID       SessionID            `json:"id"`
	Instance string               `json:"instance"`
	Name     string               `json:"name"`
	Settings map[string]string    `json:"settings,omitempty"`
	Start    time.Time            `json:"start"`
	End      time.Time            `json:"end"`
	Tests    map[TestID]*TestCase `json:"testCases"`
	Summary  asynctest.Summary    `json:"summary"`

	// Results holds the result trees of the session's runs.
	Results []*asynctest.TestResult `json:"results,omitempty"`
}

// TestCase is a single node of a run, as reported by statistics events.
type TestCase struct {
	Name    string               `json:"name"`
	Start   time.Time            `json:"start"`
	End     time.Time            `json:"end"`
	Status  asynctest.TestStatus `json:"status"`
	Elapsed time.Duration        `json:"elapsed"`
	Details string               `json:"details,omitempty"`
}

// Manager tracks sessions and their test cases.
type Manager struct {
	log    log15.Logger
	report *ReportWriter

	testCaseMutex    sync.RWMutex
	sessionMutex     sync.RWMutex
	runningSessions  map[SessionID]*Session
	runningTestCases map[TestID]*TestCase
	sessionCounter   uint32
	testCaseCounter  uint32
	results          map[SessionID]*Session
}

// NewManager creates a manager. If report is non-nil, every session is
// written to it when it ends.
func NewManager(report *ReportWriter, log log15.Logger) *Manager {
	if log == nil {
		log = log15.Root()
	}
	return &Manager{
		log:              log.New("component", "results"),
		report:           report,
		runningSessions:  make(map[SessionID]*Session),
		runningTestCases: make(map[TestID]*TestCase),
		results:          make(map[SessionID]*Session),
	}
}

// Results returns all sessions that have already ended.
func (m *Manager) Results() map[SessionID]*Session {
	m.sessionMutex.RLock()
	defer m.sessionMutex.RUnlock()

	r := make(map[SessionID]*Session, len(m.results))
	for id, s := range m.results {
		r[id] = s
	}
	return r
}

// Sessions returns all sessions, running or ended, ordered by id.
func (m *Manager) Sessions() []*Session {
	m.sessionMutex.RLock()
	defer m.sessionMutex.RUnlock()

	out := make([]*Session, 0, len(m.results)+len(m.runningSessions))
	for _, s := range m.results {
		out = append(out, s)
	}
	for _, s := range m.runningSessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Session returns a running or ended session.
func (m *Manager) Session(id SessionID) (*Session, bool) {
	m.sessionMutex.RLock()
	defer m.sessionMutex.RUnlock()
	if s, ok := m.runningSessions[id]; ok {
		return s, true
	}
	s, ok := m.results[id]
	return s, ok
}

// IsSessionRunning checks if the session is still running and returns it if so.
func (m *Manager) IsSessionRunning(id SessionID) (*Session, bool) {
	m.sessionMutex.RLock()
	defer m.sessionMutex.RUnlock()
	s, ok := m.runningSessions[id]
	return s, ok
}

// IsTestRunning checks if the test is still running and returns it if so.
func (m *Manager) IsTestRunning(test TestID) (*TestCase, bool) {
	m.testCaseMutex.RLock()
	defer m.testCaseMutex.RUnlock()
	tc, ok := m.runningTestCases[test]
	return tc, ok
}

// StartSession starts a session and returns its id.
func (m *Manager) StartSession(name string, settings map[string]string) SessionID {
	m.sessionMutex.Lock()
	defer m.sessionMutex.Unlock()

	id := SessionID(m.sessionCounter)
	m.sessionCounter++
	m.runningSessions[id] = &Session{
		ID:       id,
		Instance: uuid.NewString(),
		Name:     name,
		Settings: settings,
		Start:    time.Now(),
		Tests:    make(map[TestID]*TestCase),
	}
	m.log.Debug("session started", "session", id, "name", name)
	return id
}

// EndSession moves the session to the results and writes its report.
func (m *Manager) EndSession(id SessionID) error {
	m.sessionMutex.Lock()
	defer m.sessionMutex.Unlock()

	s, ok := m.runningSessions[id]
	if !ok {
		return ErrNoSuchSession
	}
	m.testCaseMutex.RLock()
	defer m.testCaseMutex.RUnlock()
	for tid := range s.Tests {
		if _, running := m.runningTestCases[tid]; running {
			return ErrSessionRunning
		}
	}

	s.End = time.Now()
	if m.report != nil {
		if err := m.report.Write(s); err != nil {
			return err
		}
	}
	delete(m.runningSessions, id)
	m.results[id] = s
	m.log.Debug("session ended", "session", id, "tests", len(s.Tests))
	return nil
}

// StartTest starts a test case in a running session.
func (m *Manager) StartTest(session SessionID, name string) (TestID, error) {
	m.sessionMutex.RLock()
	s, ok := m.runningSessions[session]
	m.sessionMutex.RUnlock()
	if !ok {
		return 0, ErrNoSuchSession
	}

	m.testCaseMutex.Lock()
	defer m.testCaseMutex.Unlock()
	m.testCaseCounter++
	id := TestID(m.testCaseCounter)
	tc := &TestCase{Name: name, Start: time.Now()}
	s.Tests[id] = tc
	m.runningTestCases[id] = tc
	return id, nil
}

// LogTest appends a line to the details of a running test case.
func (m *Manager) LogTest(test TestID, line string) error {
	m.testCaseMutex.Lock()
	defer m.testCaseMutex.Unlock()
	tc, ok := m.runningTestCases[test]
	if !ok {
		return ErrNoSuchTestCase
	}
	tc.Details += line + "\n"
	return nil
}

// EndTest finishes a test case with the given status.
func (m *Manager) EndTest(test TestID, status asynctest.TestStatus, elapsed time.Duration) error {
	if status == asynctest.StatusNone {
		return ErrNoSummary
	}
	m.testCaseMutex.Lock()
	defer m.testCaseMutex.Unlock()
	tc, ok := m.runningTestCases[test]
	if !ok {
		return ErrNoSuchTestCase
	}
	tc.End = time.Now()
	tc.Status = status
	tc.Elapsed = elapsed
	delete(m.runningTestCases, test)
	return nil
}

// AddResult stores the result tree of a run in a running session.
func (m *Manager) AddResult(session SessionID, result *asynctest.TestResult) error {
	m.sessionMutex.Lock()
	defer m.sessionMutex.Unlock()
	s, ok := m.runningSessions[session]
	if !ok {
		return ErrNoSuchSession
	}
	s.Results = append(s.Results, result)
	s.Summary.Add(result.Summarize())
	return nil
}

// Terminate ends all running tests as canceled and then ends their
// sessions. This can be called as a cleanup method.
func (m *Manager) Terminate() error {
	m.sessionMutex.RLock()
	var running []SessionID
	for id := range m.runningSessions {
		running = append(running, id)
	}
	m.sessionMutex.RUnlock()

	for _, id := range running {
		s, ok := m.IsSessionRunning(id)
		if !ok {
			continue
		}
		m.testCaseMutex.RLock()
		var tests []TestID
		for tid := range s.Tests {
			tests = append(tests, tid)
		}
		m.testCaseMutex.RUnlock()
		for _, tid := range tests {
			if _, running := m.IsTestRunning(tid); running {
				m.LogTest(tid, "test was terminated by host")
				m.EndTest(tid, asynctest.StatusCanceled, 0)
			}
		}
		if err := m.EndSession(id); err != nil {
			return err
		}
	}
	return nil
}

// snapshot copies a session so it can be encoded while tests are running.
func (m *Manager) snapshot(s *Session) *Session {
	m.sessionMutex.RLock()
	defer m.sessionMutex.RUnlock()
	m.testCaseMutex.RLock()
	defer m.testCaseMutex.RUnlock()

	cpy := *s
	cpy.Results = append([]*asynctest.TestResult(nil), s.Results...)
	cpy.Tests = make(map[TestID]*TestCase, len(s.Tests))
	for id, tc := range s.Tests {
		tcCopy := *tc
		cpy.Tests[id] = &tcCopy
	}
	return &cpy
}

// API returns the read-only results API handler.
func (m *Manager) API() http.Handler {
	return newAPI(m)
}
