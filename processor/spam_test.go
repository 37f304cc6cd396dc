package processor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyCheck(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	cases := []struct {
		name    string
		from    string
		subject string
		reason  string
	}{
		{
			name:    "blocked sender",
			from:    `"Test" <spam@example.com>`,
			subject: "perfectly innocent",
			reason:  "Sender is blocked.",
		},
		{
			name:   "blocked sender is case-insensitive",
			from:   "SPAM@EXAMPLE.COM",
			reason: "Sender is blocked.",
		},
		{
			name:   "missing name on freemail",
			from:   "<someone@gmail.com>",
			reason: "Sender name is missing.",
		},
		{
			name:   "balanced-case alnum name",
			from:   `"XyZaBcDe" <xyzabcde@gmail.com>`,
			reason: "Sender name resembles spam pattern.",
		},
		{
			name: "name with space passes",
			from: `"John Smith" <john@gmail.com>`,
		},
		{
			name: "short alnum name passes",
			from: `"XyZaBcD" <xyzabcd@gmail.com>`,
		},
		{
			name: "case-skewed name passes",
			from: `"Xyzabcde" <xyzabcde@gmail.com>`,
		},
		{
			name: "no name required off freemail",
			from: "<someone@example.net>",
		},
		{
			name:    "keyword in subject",
			from:    "Alice <alice@example.net>",
			subject: "Get your FREE MONEY today",
			reason:  "Message contains spam keywords.",
		},
		{
			name:    "keyword matches inside words",
			from:    "Alice <alice@example.net>",
			subject: "the lotterylike draw",
			reason:  "Message contains spam keywords.",
		},
		{
			name:    "clean message",
			from:    "Alice <alice@example.net>",
			subject: "meeting notes",
		},
		{
			name: "empty from continues",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reason, spam := policy.Check(c.from, c.subject)
			if c.reason == "" {
				assert.False(t, spam, "unexpected rejection: %s", reason)
			} else {
				assert.True(t, spam)
				assert.Equal(t, c.reason, reason)
			}
		})
	}
}

func TestPolicyCheckDigitsInName(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	// digits do not count as letters; eight letters at 50/50 case split
	// still trip the gate even with digits mixed in
	reason, spam := policy.Check(`"XyZa12BcDe" <x@gmail.com>`, "")
	assert.True(t, spam)
	assert.Equal(t, "Sender name resembles spam pattern.", reason)
}

func TestLoadPolicyFile(t *testing.T) {
	t.Setenv("CRMGATE_TEST_BLOCKED", "enemy@example.org")
	path := filepath.Join(t.TempDir(), "policy.yaml")
	err := os.WriteFile(path, []byte(
		"blocklist:\n  - ${env.CRMGATE_TEST_BLOCKED}\nmin_name_letters: 4\n",
	), 0o644)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	policy, err := LoadPolicyFile(path)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, []string{"enemy@example.org"}, policy.Blocklist)
	assert.Equal(t, 4, policy.MinNameLetters)
	// untouched fields keep the defaults
	assert.Equal(t, DefaultPolicy().Keywords, policy.Keywords)

	reason, spam := policy.Check("enemy@example.org", "")
	assert.True(t, spam)
	assert.Equal(t, "Sender is blocked.", reason)
}

func TestLoadPolicyFileMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
