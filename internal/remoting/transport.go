package remoting

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
)

var muxcfg *yamux.Config

func init() {
	muxcfg = yamux.DefaultConfig()
	muxcfg.EnableKeepAlive = false
	muxcfg.ConnectionWriteTimeout = 30 * time.Second
	muxcfg.LogOutput = io.Discard
}

// Stream is a remoting stream multiplexed over a yamux session. Closing the
// stream also closes the session.
type Stream struct {
	net.Conn
	session *yamux.Session
}

func (s *Stream) Close() error {
	err := s.Conn.Close()
	s.session.Close()
	return err
}

// DialStdio opens the client end of a stream over a pair of pipes, e.g. the
// stdout and stdin of a forked server process.
func DialStdio(r io.Reader, w io.WriteCloser) (*Stream, error) {
	session, err := yamux.Client(rwCombo{r, w}, muxcfg)
	if err != nil {
		return nil, err
	}
	return openStream(session)
}

// AcceptStdio accepts the server end of a stream over a pair of pipes.
func AcceptStdio(r io.Reader, w io.WriteCloser) (*Stream, error) {
	session, err := yamux.Server(rwCombo{r, w}, muxcfg)
	if err != nil {
		return nil, err
	}
	return acceptStream(session)
}

// Dial connects to a server listening on a TCP address.
func Dial(ctx context.Context, addr string) (*Stream, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "can't connect to %s", addr)
	}
	session, err := yamux.Client(conn, muxcfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return openStream(session)
}

func openStream(session *yamux.Session) (*Stream, error) {
	conn, err := session.Open()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "can't open stream")
	}
	return &Stream{Conn: conn, session: session}, nil
}

func acceptStream(session *yamux.Session) (*Stream, error) {
	conn, err := session.Accept()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "can't accept stream")
	}
	return &Stream{Conn: conn, session: session}, nil
}

type rwCombo struct {
	io.Reader
	io.WriteCloser
}

func yamuxServer(c io.ReadWriteCloser) (*yamux.Session, error) {
	return yamux.Server(c, muxcfg)
}
