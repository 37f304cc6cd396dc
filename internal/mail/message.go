// Package mail holds the gateway's message representation: an ordered
// header sequence plus an opaque body, together with a lenient parser
// and the matching serializer.
package mail

import (
	"bytes"
	"strings"
)

// Header is one message header in discovery order. Raw is the unfolded
// original rendering; Name and Value are the trimmed pieces either side
// of the first colon. A line without a colon yields a header whose Name
// is the whole trimmed line and whose Value is empty.
type Header struct {
	Raw   string
	Name  string
	Value string
}

// Message is the parsed form of one email. Headers keep their discovery
// order through every transformation; the Body is opaque text bytes
// untouched by header rewriting.
type Message struct {
	Headers []Header
	Body    []byte
}

// FirstIndex returns the index of the first header whose name matches
// case-insensitively, or -1.
func (m *Message) FirstIndex(name string) int {
	for i := range m.Headers {
		if strings.EqualFold(m.Headers[i].Name, name) {
			return i
		}
	}
	return -1
}

// First returns the value of the first header matching name.
func (m *Message) First(name string) (string, bool) {
	if i := m.FirstIndex(name); i >= 0 {
		return m.Headers[i].Value, true
	}
	return "", false
}

// SetValue replaces the value of the header at index i and regenerates
// its raw rendering to match.
func (m *Message) SetValue(i int, value string) {
	h := &m.Headers[i]
	h.Value = value
	h.Raw = h.Name + ": " + value
}

// Bytes renders the message: each header as "name: value" from the
// derived fields (not the stored raw form), CRLF terminators, a blank
// separator line, then the body re-encoded as UTF-8 text. Bodies are
// treated as opaque text; binary or transfer-encoded content does not
// survive the round trip.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	for _, h := range m.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(decodeLenient(m.Body))
	return b.Bytes()
}
