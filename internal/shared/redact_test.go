package shared

import (
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_TelegramToken(t *testing.T) {
	input := "dial 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw failed"
	result := Redact(input)
	if result != "dial [REDACTED] failed" {
		t.Fatalf("expected telegram token redacted, got %q", result)
	}
}

func TestRedact_AccessTokenQuery(t *testing.T) {
	input := "ws://127.0.0.1:3001/?access_token=napcat-secret-1"
	result := Redact(input)
	if result != "ws://127.0.0.1:3001/?access_token=[REDACTED]" {
		t.Fatalf("expected access_token redacted, got %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue_Sensitive(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"WARDEN_ONEBOT_TOKEN", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"WARDEN_HEALTH_ADDR", "127.0.0.1:18790", "127.0.0.1:18790"},
		{"LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}
