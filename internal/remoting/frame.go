package remoting

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds the size of a single message.
const MaxFrameSize = 64 << 20

// writeFrame writes data prefixed by its length as a little-endian uint32.
// An empty data slice writes the end-of-stream sentinel.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return errors.Errorf("frame too large (%d bytes)", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame. It returns a nil slice and no error when it
// reads the end-of-stream sentinel.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, nil
	}
	if size > MaxFrameSize {
		return nil, &ProtocolError{Reason: "frame too large"}
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}
