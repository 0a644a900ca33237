package logging

import "testing"

func TestMaskFieldRedactsSecrets(t *testing.T) {
	attr := MaskField("sessionToken", "abc")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected session token to be redacted, got %q", attr.Value.String())
	}
	attr = MaskField("request", "req-1")
	if attr.Value.String() != "req-1" {
		t.Fatalf("expected allowlisted key to pass through, got %q", attr.Value.String())
	}
	attr = MaskField("secret", "  ")
	if attr.Value.String() != "  " {
		t.Fatalf("expected empty value to remain untouched")
	}
}

func TestAbbreviate(t *testing.T) {
	key := "02a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	if got := Abbreviate(key, 6); got != "02a1b2...7e8f90" {
		t.Fatalf("unexpected abbreviation %q", got)
	}
	if got := Abbreviate("short", 6); got != "short" {
		t.Fatalf("expected short value unchanged, got %q", got)
	}
}

func TestRedactionAllowlistSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("allowlist not sorted: %v", keys)
		}
	}
}
