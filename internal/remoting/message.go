package remoting

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// commandMessage is the wire form of a command. ResponseID correlates the
// response; ObjectID addresses the servant the command is sent to, zero
// addressing the connection's root object.
type commandMessage struct {
	XMLName    xml.Name `xml:"Command"`
	Type       string   `xml:"Type,attr"`
	ResponseID int64    `xml:"ResponseID,attr,omitempty"`
	ObjectID   int64    `xml:"ObjectID,attr,omitempty"`
	Payload    []byte   `xml:",innerxml"`
}

// responseMessage is the wire form of a response. Either Error is set or
// Payload carries the serialized result.
type responseMessage struct {
	XMLName  xml.Name `xml:"Response"`
	ObjectID int64    `xml:"ObjectID,attr"`
	Error    string   `xml:"Error,omitempty"`
	Payload  []byte   `xml:",innerxml"`
}

// failed reports whether the response carries an error. The raw payload
// includes the Error element in that case and must not be decoded.
func (m *responseMessage) failed() bool {
	return m.Error != ""
}

// decodeMessage parses one frame into a *commandMessage or *responseMessage.
func decodeMessage(data []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, &ProtocolError{Reason: "empty message"}
		} else if err != nil {
			return nil, &ProtocolError{Reason: "malformed message", Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var msg any
		switch start.Name.Local {
		case "Command":
			msg = new(commandMessage)
		case "Response":
			msg = new(responseMessage)
		default:
			return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected element <%s>", start.Name.Local)}
		}
		if err := dec.DecodeElement(msg, &start); err != nil {
			return nil, &ProtocolError{Reason: "malformed message", Err: err}
		}
		return msg, nil
	}
}

func encodeMessage(msg any) ([]byte, error) {
	return xml.Marshal(msg)
}

// marshalPayload serializes a command argument or result. A nil value yields
// an empty payload.
func marshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return xml.Marshal(v)
}

func unmarshalPayload(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return xml.Unmarshal(data, v)
}
