package remoting

import (
	"github.com/pkg/errors"
)

// ErrConnectionClosed completes all pending operations when the connection
// fails or is shut down.
var ErrConnectionClosed = errors.New("connection closed")

// ProtocolError is raised on malformed or unexpected messages. It terminates
// the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SavedError is an error that occurred on the remote side. Only its text
// crosses the wire.
type SavedError struct {
	Message string
}

func (e *SavedError) Error() string { return e.Message }

// errorText returns the text sent in an error response.
func errorText(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}
