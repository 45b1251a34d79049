package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	logger.Info("token loaded", MaskField("token", "super-secret-bearer"))

	if buf.Len() == 0 {
		t.Fatalf("expected a log entry")
	}
	raw := buf.Bytes()
	if bytes.Contains(raw, []byte("super-secret-bearer")) {
		t.Fatalf("log output leaked the token: %s", raw)
	}

	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	value, ok := entry["token"].(string)
	if !ok {
		t.Fatalf("expected string token attribute, got %T", entry["token"])
	}
	if value != RedactedValue {
		t.Fatalf("expected redacted token, got %q", value)
	}
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	attr := MaskField("method", "swap_create")
	if got := attr.Value.String(); got != "swap_create" {
		t.Fatalf("allowlisted key should pass through, got %q", got)
	}
}

func TestSecretKeysNeverAllowlisted(t *testing.T) {
	for _, key := range []string{"secret", "token", "signature", "passphrase", "hashlock"} {
		if IsAllowlisted(key) {
			t.Fatalf("%q must not be allowlisted: %v", key, RedactionAllowlist())
		}
	}
}

func TestMaskValueKeepsEmptyValues(t *testing.T) {
	if got := MaskValue(""); got != "" {
		t.Fatalf("empty value should stay empty, got %q", got)
	}
	if got := MaskValue("preimage"); got != RedactedValue {
		t.Fatalf("expected redaction, got %q", got)
	}
}
