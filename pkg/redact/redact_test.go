package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +995 555 123 456"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com, phone +995 555 123 456, card 4111 1111 1111 1111"
	got := Text(in)
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.Contains(got, "4111") || strings.Contains(got, "555") {
		t.Fatalf("digits leaked: %q", got)
	}
	if attr := String("text", "a@b.com"); attr.Value.String() != "[REDACTED_EMAIL]" {
		t.Fatalf("unexpected attr %v", attr)
	}
}
