// Package address implements the deliberately simplified address
// handling used by the gateway: quote-aware list splitting, naive
// angle-bracket parsing and canonical re-rendering. It is not an
// RFC 5322 parser; the simplifications are compatibility boundaries.
package address

import "strings"

// Address is a display name plus a mailbox. The name may be empty.
type Address struct {
	Name    string
	Mailbox string
}

// SplitList splits a header value into candidate address strings on
// commas that occur outside double quotes. The quote flag toggles on
// every '"'; backslash escapes are not understood, so an escaped quote
// inside a display name mis-toggles it.
func SplitList(s string) []string {
	var out []string
	var inQuotes bool
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

// Parse splits one address string into display name and mailbox. Text
// inside an angle-bracket pair is the mailbox and the text before it is
// the name; without brackets the whole string is the mailbox.
func Parse(s string) Address {
	s = strings.TrimSpace(s)
	lt := strings.IndexByte(s, '<')
	gt := strings.IndexByte(s, '>')
	if lt >= 0 && gt > lt {
		return Address{
			Name:    stripQuotes(strings.TrimSpace(s[:lt])),
			Mailbox: strings.TrimSpace(s[lt+1 : gt]),
		}
	}
	return Address{Mailbox: s}
}

// stripQuotes removes a single layer of surrounding quotes, double or
// single, only when the entire string is wrapped in one matching pair.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// String renders the address canonically: `"name" <mailbox>` when a
// display name is present, the bare mailbox otherwise. The rendering is
// idempotent under Parse but not byte-identical to arbitrary input.
func (a Address) String() string {
	if a.Name != "" {
		return `"` + a.Name + `" <` + a.Mailbox + `>`
	}
	return a.Mailbox
}

// Domain returns everything after the first '@' of a mailbox, or ""
// when there is none.
func Domain(mailbox string) string {
	if i := strings.IndexByte(mailbox, '@'); i >= 0 {
		return mailbox[i+1:]
	}
	return ""
}
