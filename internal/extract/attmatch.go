// Package extract provides the secondary text extractors that run outside
// the rule engine: the attention-line name matcher and body text cleanup.
package extract

import (
	"regexp"
	"strings"
)

// Recipient maps a known display name to its forwarding address. Order
// matters: the first recipient whose name matches wins.
type Recipient struct {
	Name    string
	Address string
}

type compiledRecipient struct {
	labelled *regexp.Regexp
	direct   *regexp.Regexp
	address  string
}

// NameMatcher finds a known recipient name in a message and resolves it to an
// address. The strong form is an "att" label ("att", "att.", "att:") followed
// by the name; the weak fallback is the bare name appearing as a whole-word
// token anywhere in the combined subject and body.
type NameMatcher struct {
	recipients []compiledRecipient
}

// NewNameMatcher compiles matchers for the configured recipients.
func NewNameMatcher(recipients []Recipient) *NameMatcher {
	m := &NameMatcher{recipients: make([]compiledRecipient, 0, len(recipients))}
	for _, r := range recipients {
		name := regexp.QuoteMeta(strings.TrimSpace(r.Name))
		if name == "" {
			continue
		}
		m.recipients = append(m.recipients, compiledRecipient{
			labelled: regexp.MustCompile(`(?i)\batt[.:]?\s+` + name),
			direct:   regexp.MustCompile(`(?i)(^|[^\p{L}])` + name + `($|[^\p{L}])`),
			address:  r.Address,
		})
	}
	return m
}

// Process scans subject then body for a labelled match, then falls back to a
// direct whole-word mention in the combined text. The empty string with false
// means no known name was found.
func (m *NameMatcher) Process(subject, body string) (string, bool) {
	for _, r := range m.recipients {
		if r.labelled.MatchString(subject) {
			return r.address, true
		}
	}
	for _, r := range m.recipients {
		if r.labelled.MatchString(body) {
			return r.address, true
		}
	}

	combined := subject + " " + body
	for _, r := range m.recipients {
		if r.direct.MatchString(combined) {
			return r.address, true
		}
	}

	return "", false
}
