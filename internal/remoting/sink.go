package remoting

import (
	"github.com/webtests/asynctest/asynctest"
	"gopkg.in/inconshreveable/log15.v2"
)

// remoteSink is the proxy of an event sink registered on the peer. Messages
// are sent one-way; failures to deliver them are only logged.
type remoteSink struct {
	conn       *Connection
	object     int64
	statistics bool
	log        log15.Logger
}

func newRemoteSink(conn *Connection, ref *ObjectReference, statistics bool) *remoteSink {
	return &remoteSink{conn: conn, object: ref.ID, statistics: statistics, log: conn.log}
}

func (s *remoteSink) LogMessage(name asynctest.TestName, level int, message string) {
	err := logMessageCommand.Send(s.conn, s.object, &LogMessage{Level: level, Name: name, Text: message})
	if err != nil {
		s.log.Debug("can't forward log message", "err", err)
	}
}

func (s *remoteSink) OnStatisticsEvent(ev asynctest.StatisticsEvent) {
	if !s.statistics {
		return
	}
	err := statisticsEventCommand.Send(s.conn, s.object, &StatisticsMessage{
		Type:    ev.Type,
		Status:  ev.Status,
		Elapsed: ev.Elapsed,
		Name:    ev.Name,
	})
	if err != nil {
		s.log.Debug("can't forward statistics event", "err", err)
	}
}

// sinkServant exposes a local event sink to the peer.
type sinkServant struct {
	asynctest.EventSink
}
