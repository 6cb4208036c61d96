package policy

import (
	"regexp"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactorReportsKinds(t *testing.T) {
	r := NewRedactor(Rule{Kind: "handle", Pattern: regexp.MustCompile(`@[a-z_]{3,}\b`), Mask: "[REDACTED_HANDLE]"})
	out, kinds := r.Redact("DM @salsa_maria for the workshop")
	if out != "DM [REDACTED_HANDLE] for the workshop" {
		t.Fatalf("out = %q", out)
	}
	if strings.Join(kinds, ",") != "handle" {
		t.Fatalf("kinds = %v, want [handle]", kinds)
	}

	clean := "Kizomba social starts at nine"
	if got := r.Text(clean); got != clean {
		t.Fatalf("Text(%q) = %q, want unchanged", clean, got)
	}
}
