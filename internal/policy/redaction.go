package policy

import (
	"regexp"
	"sort"
)

// Rule masks one kind of personal data in transcript text.
type Rule struct {
	Kind    string
	Pattern *regexp.Regexp
	Mask    string
}

// Rules run in order; card numbers go before phone numbers so a card is
// never masked as a phone.
var defaultRules = []Rule{
	{Kind: "email", Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), Mask: "[REDACTED_EMAIL]"},
	{Kind: "card", Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), Mask: "[REDACTED_CARD]"},
	{Kind: "phone", Pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), Mask: "[REDACTED_PHONE]"},
}

// Redactor masks personal data before transcripts are stored.
type Redactor struct {
	rules []Rule
}

// NewRedactor uses the default rules followed by extra.
func NewRedactor(extra ...Rule) *Redactor {
	rules := append(append([]Rule(nil), defaultRules...), extra...)
	return &Redactor{rules: rules}
}

// Redact returns text with every match masked and the sorted kinds that
// matched.
func (r *Redactor) Redact(text string) (string, []string) {
	var kinds []string
	out := text
	for _, rule := range r.rules {
		next := rule.Pattern.ReplaceAllString(out, rule.Mask)
		if next != out {
			kinds = append(kinds, rule.Kind)
		}
		out = next
	}
	sort.Strings(kinds)
	return out, kinds
}

// Text is Redact without the kinds, for use as a transcript filter.
func (r *Redactor) Text(text string) string {
	out, _ := r.Redact(text)
	return out
}

// RedactPII masks emails, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out, kinds := NewRedactor().Redact(input)
	return out, len(kinds) > 0
}
