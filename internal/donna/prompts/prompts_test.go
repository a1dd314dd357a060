package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsLoadForEverySlot(t *testing.T) {
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, name := range allNames {
		if reg.Get(name) == "" {
			t.Errorf("prompt %q has no default text", name)
		}
	}
}

func TestFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preamble.txt")
	if err := os.WriteFile(path, []byte("You are a test assistant.\n"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	reg, err := NewRegistry(map[Name]string{Preamble: path})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := reg.Get(Preamble); got != "You are a test assistant." {
		t.Errorf("Get(Preamble) = %q", got)
	}
	// Other slots keep their defaults.
	if reg.Get(Classify) == "" {
		t.Error("Classify default lost after override")
	}
}

func TestEmptyOverridePathKeepsDefault(t *testing.T) {
	reg, err := NewRegistry(map[Name]string{Preamble: ""})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg.Get(Preamble) == "" {
		t.Error("empty override path dropped the default")
	}
}

func TestUnreadableOverrideFailsStartup(t *testing.T) {
	_, err := NewRegistry(map[Name]string{Preamble: filepath.Join(t.TempDir(), "missing.txt")})
	if err == nil {
		t.Fatal("NewRegistry = nil error, want failure for unreadable override")
	}
}

func TestUnknownOverrideNameRejected(t *testing.T) {
	_, err := NewRegistry(map[Name]string{Name("no_such_prompt"): "/dev/null"})
	if err == nil {
		t.Fatal("NewRegistry accepted an unknown prompt name")
	}
}

func TestRenderInterpolates(t *testing.T) {
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	out, err := reg.Render(Classify, map[string]string{"Text": "INVOICE NO 42"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "INVOICE NO 42") {
		t.Errorf("rendered prompt missing document text: %q", out)
	}
	if strings.Contains(out, "{{") {
		t.Errorf("rendered prompt still has template markers: %q", out)
	}
}

func TestRenderMissingFieldFails(t *testing.T) {
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Render(Classify, map[string]string{}); err == nil {
		t.Fatal("Render = nil error, want failure for missing template field")
	}
}

func TestRenderUnknownPrompt(t *testing.T) {
	reg, err := NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Render(Name("bogus"), nil); err == nil {
		t.Fatal("Render accepted an unknown prompt name")
	}
}
