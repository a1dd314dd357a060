package redact

import "testing"

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"short fully redacted", "12345678", "[REDACTED]"},
		{"long keeps edges", "sk-abc123verysecret9xyz", "sk-a…9xyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.in); got != tt.want {
				t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"too few digits untouched", "12345", "12345"},
		{"chat id", "+15550001234@c.us", "+155******34@c.us"},
		{"plain number", "40712345678", "407******78"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Phone(tt.in); got != tt.want {
				t.Errorf("Phone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	got := String("token=supersecret more", "supersecret", "ab")
	want := "token=[REDACTED] more"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
