package utils

import "testing"

func TestT_KnownLocale(t *testing.T) {
	if got := T("en", "answer.yes"); got != "Yes" {
		t.Fatalf("want Yes, got %s", got)
	}
}

func TestT_GermanDefault(t *testing.T) {
	if got := T("fr", "answer.no"); got != "Nein" {
		t.Fatalf("want German fallback Nein, got %s", got)
	}
}

func TestT_UnknownKeyReturnsKey(t *testing.T) {
	if got := T("de", "missing.key"); got != "missing.key" {
		t.Fatalf("want key echoed back, got %s", got)
	}
}
