package validation

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestIsValidAccountName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"alice", true},
		{"bob", true},
		{"agent-7", true},
		{"hold_account", true},
		{"a", true},
		{"0day", true},

		// Invalid cases
		{"Alice", false},      // Uppercase
		{"", false},           // Empty
		{"-alice", false},     // Leading separator
		{"_alice", false},     // Leading separator
		{"al ice", false},     // Whitespace
		{"alice/held", false}, // Path separator
		{"a£", false},         // Non-ASCII
		{strings.Repeat("a", 65), false}, // Too long
	}

	for _, tc := range tests {
		result := IsValidAccountName(tc.name)
		if result != tc.valid {
			t.Errorf("IsValidAccountName(%q) = %v, want %v", tc.name, result, tc.valid)
		}
	}
}

func TestIsValidUUID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"155dff3f-4915-44df-a707-acb4b2ae6f73", true},
		{"00000000-0000-0000-0000-000000000000", true},

		{"155dff3f-4915-44df-a707-acb4b2ae6f73bogus", false}, // Trailing junk
		{"155dff3f491544dfa707acb4b2ae6f73", false},          // No dashes
		{"not-a-uuid", false},
		{"", false},
		{"urn:uuid:155dff3f-4915-44df-a707-acb4b2ae6f73", false},
	}

	for _, tc := range tests {
		result := IsValidUUID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidUUID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		raw   string
		valid bool
	}{
		{`{}`, true},
		{`{"message":"x","signer":"s"}`, true},
		{`  {"a":1}  `, true},

		{`[]`, false},
		{`"string"`, false},
		{`42`, false},
		{`{"unterminated":`, false},
		{``, false},
		{`null`, false},
	}

	for _, tc := range tests {
		result := IsJSONObject(json.RawMessage(tc.raw))
		if result != tc.valid {
			t.Errorf("IsJSONObject(%q) = %v, want %v", tc.raw, result, tc.valid)
		}
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"10", true},
		{"10.25", true},
		{"0", true}, // Structurally fine; the engine treats zero as semantic
		{"0.000001", true},
		{"", true}, // Use Required for required fields

		{"-10", false},
		{"10.2.5", false},
		{"ten", false},
		{"0x10", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		if (err == nil) != tc.valid {
			t.Errorf("ValidAmount(%q) error = %v, want valid=%v", tc.value, err, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("account", ""),
		ValidAmount("amount", "-1"),
		ValidAccountName("account", "alice"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "account: is required" {
		t.Errorf("unexpected error string: %q", errs.Error())
	}
}
