package processor

import (
	"context"
	"regexp"
	"strings"

	"github.com/moriwaka/crmgate/internal/mail/address"
)

// CollapseMap maps a lower-cased domain to the replacement mailbox all
// of its recipients are rewritten to.
type CollapseMap map[string]string

// ParseCollapseMap parses a "domain=target" list separated by ',' or
// ';'. Entries without '=' are skipped silently; an empty or entirely
// malformed string yields an empty map, never an error.
func ParseCollapseMap(s string) CollapseMap {
	m := CollapseMap{}
	entries := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
	for _, entry := range entries {
		domain, target, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		domain = strings.ToLower(strings.TrimSpace(domain))
		target = strings.TrimSpace(target)
		if domain == "" || target == "" {
			continue
		}
		m[domain] = target
	}
	return m
}

// recipient headers subject to domain collapse
var collapseHeaders = []string{"To", "Cc", "Bcc"}

func isCollapseHeader(name string) bool {
	for _, h := range collapseHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// DomainCollapse rewrites every To/Cc/Bcc recipient whose mailbox
// domain is configured, replacing the entire mailbox with the target
// while keeping the display name. Domain comparison is case-insensitive
// on the domain component only. A touched header is re-rendered by
// joining all of its addresses with ", "; untouched headers keep their
// original formatting. The map is rebuilt from the configuration string
// on every run; nothing is cached across runs.
type DomainCollapse struct {
	Config string
}

func (DomainCollapse) Name() string { return "domain-collapse" }

func (d DomainCollapse) Process(_ context.Context, st *State) (Result, error) {
	collapse := ParseCollapseMap(d.Config)
	if len(collapse) == 0 || st.Parsed == nil {
		return Continue(), nil
	}
	for i := range st.Parsed.Headers {
		h := &st.Parsed.Headers[i]
		if !isCollapseHeader(h.Name) {
			continue
		}
		parts := address.SplitList(h.Value)
		rendered := make([]string, len(parts))
		changed := false
		for j, part := range parts {
			a := address.Parse(part)
			if target, ok := collapse[strings.ToLower(address.Domain(a.Mailbox))]; ok {
				a.Mailbox = target
				changed = true
			}
			rendered[j] = a.String()
		}
		if changed {
			st.Parsed.SetValue(i, strings.Join(rendered, ", "))
		}
	}
	return Continue(), nil
}

// subaddressPattern matches local+tag@domain: a plus-free local part,
// a tag running up to the first '@', and whatever follows as the domain.
var subaddressPattern = regexp.MustCompile(`^([^+]+)\+([^@]+)@(.+)$`)

// Subaddressing strips +tag subaddresses from the first To header only;
// duplicate To headers keep their tags untouched. The tag of the first
// matching address is prepended to the Subject as "[tag] " unless the
// Subject already contains "[tag]" case-insensitively.
type Subaddressing struct{}

func (Subaddressing) Name() string { return "subaddressing" }

func (Subaddressing) Process(_ context.Context, st *State) (Result, error) {
	if st.Parsed == nil {
		return Continue(), nil
	}
	idx := st.Parsed.FirstIndex("To")
	if idx < 0 {
		return Continue(), nil
	}
	parts := address.SplitList(st.Parsed.Headers[idx].Value)
	rendered := make([]string, len(parts))
	var tag string
	changed := false
	for j, part := range parts {
		a := address.Parse(part)
		if m := subaddressPattern.FindStringSubmatch(a.Mailbox); m != nil {
			// only the first captured tag survives; later matches are
			// still stripped
			if tag == "" {
				tag = m[2]
			}
			a.Mailbox = m[1] + "@" + m[3]
			changed = true
			rendered[j] = a.String()
		} else {
			rendered[j] = part
		}
	}
	if !changed {
		return Continue(), nil
	}
	st.Parsed.SetValue(idx, strings.Join(rendered, ", "))
	if si := st.Parsed.FirstIndex("Subject"); si >= 0 {
		subject := st.Parsed.Headers[si].Value
		marker := "[" + tag + "]"
		if !strings.Contains(strings.ToLower(subject), strings.ToLower(marker)) {
			st.Parsed.SetValue(si, marker+" "+subject)
		}
	}
	return Continue(), nil
}
