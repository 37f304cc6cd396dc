package mail

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
)

var newlines = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// decodeLenient decodes b as UTF-8, replacing invalid sequences with the
// replacement rune. It never fails.
func decodeLenient(b []byte) []byte {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return b
	}
	return decoded
}

// Parse turns raw bytes into a Message. It never fails: invalid UTF-8 is
// replaced, line terminators are normalized, whitespace-led lines fold
// into the preceding header, and a line without a colon becomes a header
// with an empty value. Everything after the first blank line is the body.
func Parse(b []byte) *Message {
	text := newlines.Replace(string(decodeLenient(b)))
	lines := strings.Split(text, "\n")
	m := &Message{}
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(m.Headers) > 0 {
			last := &m.Headers[len(m.Headers)-1]
			cont := strings.TrimSpace(line)
			if last.Value == "" {
				last.Value = cont
			} else {
				last.Value += " " + cont
			}
			last.Raw += " " + cont
			continue
		}
		h := Header{Raw: line}
		if name, value, found := strings.Cut(line, ":"); found {
			h.Name = strings.TrimSpace(name)
			h.Value = strings.TrimSpace(value)
		} else {
			h.Name = strings.TrimSpace(line)
		}
		m.Headers = append(m.Headers, h)
	}
	m.Body = []byte(strings.Join(lines[i:], "\n"))
	return m
}
