package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Output: &buf})
	l.Component("swap").Info("Swap locked", "swap_id", "abc")

	out := buf.String()
	if !strings.Contains(out, "swap") || !strings.Contains(out, "abc") {
		t.Errorf("component output missing prefix or field: %q", out)
	}
}

func TestRedact(t *testing.T) {
	secret := "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
	got := Redact(secret)
	if strings.Contains(got, "567890abcdef1234") {
		t.Errorf("Redact leaked the middle of the secret: %s", got)
	}
	if !strings.HasPrefix(got, "1234") || !strings.HasSuffix(got, "cdef") {
		t.Errorf("Redact(%s) = %s", secret, got)
	}

	var arr [32]byte
	arr[0] = 0xab
	if r := Redact(arr); !strings.HasPrefix(r, "ab00") {
		t.Errorf("Redact([32]byte) = %s", r)
	}
	if r := Redact("abc"); r != "<redacted>" {
		t.Errorf("short input should be fully redacted, got %s", r)
	}
}
