package types

import (
	"bytes"
	"io"
	"strings"
)

// Inbound is one email handed to the gateway by the receiving transport.
// Header lookup is case-insensitive and returns the first matching value.
// Reject refuses the message with a reason shown to the sender; once
// called, the message is terminally refused.
type Inbound interface {
	HeaderValue(name string) (string, bool)
	Size() int64
	Reader() io.Reader
	Reject(reason string)
}

// BufferedInbound is an Inbound backed by an already-received byte
// buffer, as produced by the SMTP front end.
type BufferedInbound struct {
	sender     string
	recipients []string
	data       []byte
	rejected   bool
	reason     string
}

func NewBufferedInbound(sender string, recipients []string, data []byte) *BufferedInbound {
	return &BufferedInbound{
		sender:     sender,
		recipients: recipients,
		data:       data,
	}
}

func (in *BufferedInbound) Sender() string {
	return in.sender
}

func (in *BufferedInbound) Recipients() []string {
	return in.recipients
}

// HeaderValue scans the header section for the first header whose name
// matches case-insensitively, unfolding continuation lines.
func (in *BufferedInbound) HeaderValue(name string) (string, bool) {
	text := strings.ReplaceAll(string(in.data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	matched := false
	var value strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if matched {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		if matched {
			break
		}
		n, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(n), name) {
			matched = true
			value.WriteString(strings.TrimSpace(v))
		}
	}
	if !matched {
		return "", false
	}
	return value.String(), true
}

func (in *BufferedInbound) Size() int64 {
	return int64(len(in.data))
}

func (in *BufferedInbound) Reader() io.Reader {
	return bytes.NewReader(in.data)
}

func (in *BufferedInbound) Reject(reason string) {
	in.rejected = true
	in.reason = reason
}

// Rejection reports the reason recorded by Reject, if any.
func (in *BufferedInbound) Rejection() (string, bool) {
	return in.reason, in.rejected
}
