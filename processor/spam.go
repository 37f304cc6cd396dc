package processor

import (
	"context"
	"os"
	"regexp"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/moriwaka/crmgate/internal/expand"
	"github.com/moriwaka/crmgate/internal/mail/address"
)

// Policy holds the tunables of the spam gate. The defaults reproduce the
// historical product policy; a YAML policy file can override any field.
type Policy struct {
	Blocklist           []string `yaml:"blocklist"`
	NameRequiredDomains []string `yaml:"name_required_domains"`
	MinNameLetters      int      `yaml:"min_name_letters"`
	CaseBalanceLow      float64  `yaml:"case_balance_low"`
	CaseBalanceHigh     float64  `yaml:"case_balance_high"`
	Keywords            []string `yaml:"keywords"`
}

// DefaultPolicy returns the built-in gate settings.
func DefaultPolicy() *Policy {
	return &Policy{
		Blocklist: []string{
			"spam@example.com",
			"spammer@example.com",
			"noreply@spam.example.com",
		},
		NameRequiredDomains: []string{"gmail.com"},
		MinNameLetters:      8,
		CaseBalanceLow:      40,
		CaseBalanceHigh:     60,
		Keywords: []string{
			"viagra",
			"free money",
			"you are a winner",
			"lottery",
			"act now",
			"click here",
			"make money fast",
			"no credit check",
			"100% free",
			"earn extra cash",
			"cheap meds",
			"online pharmacy",
			"work from home",
			"risk free",
			"limited time offer",
			"get paid",
			"casino bonus",
			"hot singles",
			"weight loss",
			"miracle cure",
		},
	}
}

func expander(key string) string {
	if strings.HasPrefix(key, "env.") {
		return os.Getenv(key[4:])
	}
	return ""
}

// LoadPolicyFile reads a YAML policy file over the defaults. ${env.*}
// references in the file are expanded before unmarshalling.
func LoadPolicyFile(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := DefaultPolicy()
	expanded := expand.Expand(string(b), expander)
	if err := yaml.Unmarshal([]byte(expanded), p); err != nil {
		return nil, err
	}
	return p, nil
}

// alnumName matches one unbroken run of letters and digits, with no
// spaces or punctuation.
var alnumName = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Check evaluates the gate over the From and Subject header values, in
// order, first match wins. It reads nothing else and mutates nothing.
func (p *Policy) Check(from, subject string) (string, bool) {
	a := address.Parse(from)
	for _, blocked := range p.Blocklist {
		if strings.EqualFold(a.Mailbox, blocked) {
			return "Sender is blocked.", true
		}
	}
	domain := strings.ToLower(address.Domain(a.Mailbox))
	for _, d := range p.NameRequiredDomains {
		if domain != strings.ToLower(d) {
			continue
		}
		if a.Name == "" {
			return "Sender name is missing.", true
		}
		if p.nameResemblesSpam(a.Name) {
			return "Sender name resembles spam pattern.", true
		}
		break
	}
	lowered := strings.ToLower(subject)
	for _, keyword := range p.Keywords {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return "Message contains spam keywords.", true
		}
	}
	return "", false
}

// nameResemblesSpam flags machine-generated display names: a single
// alphanumeric run with at least MinNameLetters letters whose uppercase
// and lowercase shares, each taken over the letter count alone, both
// fall inside [CaseBalanceLow, CaseBalanceHigh].
func (p *Policy) nameResemblesSpam(name string) bool {
	if !alnumName.MatchString(name) {
		return false
	}
	var upper, lower int
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
			upper++
		case r >= 'a' && r <= 'z':
			lower++
		}
	}
	letters := upper + lower
	if letters < p.MinNameLetters {
		return false
	}
	upperPct := float64(upper) / float64(letters) * 100
	lowerPct := float64(lower) / float64(letters) * 100
	return upperPct >= p.CaseBalanceLow && upperPct <= p.CaseBalanceHigh &&
		lowerPct >= p.CaseBalanceLow && lowerPct <= p.CaseBalanceHigh
}

// SpamCheck refuses obvious spam from the From and Subject metadata
// alone, before the message body is even read.
type SpamCheck struct {
	Policy *Policy
}

func (SpamCheck) Name() string { return "spam-check" }

func (s SpamCheck) Process(_ context.Context, st *State) (Result, error) {
	from, _ := st.Inbound.HeaderValue("From")
	subject, _ := st.Inbound.HeaderValue("Subject")
	if reason, spam := s.Policy.Check(from, subject); spam {
		return Reject(reason), nil
	}
	return Continue(), nil
}
