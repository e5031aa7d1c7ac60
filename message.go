package leap

import "fmt"

// Message is the decoded logical content of one frame: a pump name and
// an arbitrary data payload. Messages are immutable once decoded; the
// runtime consumes each exactly once.
type Message struct {
	Pump string
	Data Value
}

// ReqID returns the correlation id carried in data.reqid, if any.
func (m *Message) ReqID() (int64, bool) {
	v := m.Data.Get("reqid")
	switch v.Kind() {
	case KindInt:
		return v.AsInt(), true
	case KindReal:
		return int64(v.AsReal()), true
	}
	return 0, false
}

// Command returns the data.command string, or "" when absent. Inbound
// control traffic ("stop", "log", ...) is keyed on it.
func (m *Message) Command() string {
	return m.Data.Get("command").AsString()
}

// Args returns the data.args map for command messages; undef when absent.
func (m *Message) Args() Value {
	return m.Data.Get("args")
}

// EncodeMessage serializes a message to notation payload bytes, the
// {'data':...,'pump':...} envelope every frame carries.
func EncodeMessage(m *Message) []byte {
	return FormatNotation(Map(map[string]Value{
		"pump": String(m.Pump),
		"data": m.Data,
	}))
}

// DecodeMessage parses notation payload bytes into a Message. Anything
// that is not a notation map is a malformed payload; a missing pump key
// decodes to an empty pump name, which simply dispatches to nobody.
func DecodeMessage(payload []byte) (*Message, error) {
	v, err := ParseNotation(payload)
	if err != nil {
		return nil, &FrameError{
			Type:    FrameErrorMalformedPayload,
			Message: err.Error(),
			Data:    payload,
		}
	}
	if v.Kind() != KindMap {
		return nil, &FrameError{
			Type:    FrameErrorMalformedPayload,
			Message: fmt.Sprintf("expected map payload, got %s", v.Kind()),
			Data:    payload,
		}
	}
	return &Message{
		Pump: v.Get("pump").AsString(),
		Data: v.Get("data"),
	}, nil
}
