package results

import (
	"strings"
	"sync"

	"github.com/webtests/asynctest/asynctest"
)

// Sink returns an event sink that records the nodes of a run as test cases
// of the session. Nodes are matched by their full name, including hidden
// parameters.
func (m *Manager) Sink(session SessionID) asynctest.EventSink {
	return &sessionSink{m: m, session: session, running: make(map[string][]TestID)}
}

type sessionSink struct {
	m       *Manager
	session SessionID

	mu      sync.Mutex
	running map[string][]TestID
}

func nodeKey(name asynctest.TestName) string {
	var b strings.Builder
	b.WriteString(name.Name)
	for _, p := range name.Parameters {
		b.WriteString("|" + p.Name + "=" + p.Value)
	}
	return b.String()
}

func (s *sessionSink) current(key string) (TestID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.running[key]
	if len(ids) == 0 {
		return 0, false
	}
	return ids[len(ids)-1], true
}

func (s *sessionSink) LogMessage(name asynctest.TestName, level int, message string) {
	if level > 0 {
		return
	}
	if id, ok := s.current(nodeKey(name)); ok {
		s.m.LogTest(id, message)
	}
}

func (s *sessionSink) OnStatisticsEvent(ev asynctest.StatisticsEvent) {
	key := nodeKey(ev.Name)
	switch ev.Type {
	case asynctest.EventRunning:
		id, err := s.m.StartTest(s.session, ev.Name.String())
		if err != nil {
			s.m.log.Debug("can't record test", "test", ev.Name, "err", err)
			return
		}
		s.mu.Lock()
		s.running[key] = append(s.running[key], id)
		s.mu.Unlock()

	case asynctest.EventFinished:
		s.mu.Lock()
		ids := s.running[key]
		if len(ids) == 0 {
			s.mu.Unlock()
			return
		}
		id := ids[0]
		if len(ids) == 1 {
			delete(s.running, key)
		} else {
			s.running[key] = ids[1:]
		}
		s.mu.Unlock()
		status := ev.Status
		if status == asynctest.StatusNone {
			status = asynctest.StatusIgnored
		}
		if err := s.m.EndTest(id, status, ev.Elapsed); err != nil {
			s.m.log.Debug("can't end test", "test", ev.Name, "err", err)
		}

	case asynctest.EventReset:
		s.mu.Lock()
		s.running = make(map[string][]TestID)
		s.mu.Unlock()
	}
}
