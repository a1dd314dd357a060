// Package prompts resolves the prompt texts Donna sends to the completion
// provider: the behavioural system preamble plus the media OCR,
// classification, and metadata-extraction prompts.
//
// Every prompt ships with an embedded default; operators can override any of
// them with a file path in the configuration. Prompts that interpolate
// values use Go text/template syntax.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"
)

//go:embed defaults/*.txt
var defaultFS embed.FS

// Name identifies a prompt slot.
type Name string

// Prompt slots. The file name of the embedded default is "<name>.txt".
const (
	Preamble               Name = "preamble"
	ImageOCR               Name = "image_ocr"
	Classify               Name = "classify"
	ExtractContract        Name = "extract_contract"
	ExtractReceipt         Name = "extract_receipt"
	ExtractInvoice         Name = "extract_invoice"
	ExtractCourtResolution Name = "extract_court_resolution"
)

var allNames = []Name{
	Preamble,
	ImageOCR,
	Classify,
	ExtractContract,
	ExtractReceipt,
	ExtractInvoice,
	ExtractCourtResolution,
}

// Registry holds the resolved prompt texts.
type Registry struct {
	texts map[Name]string
}

// NewRegistry loads the embedded defaults and applies the given overrides,
// a map of prompt name to file path. An empty path means "use the default";
// an unreadable override file is an error so misconfiguration fails at
// startup rather than mid-conversation.
func NewRegistry(overrides map[Name]string) (*Registry, error) {
	texts := make(map[Name]string, len(allNames))
	for _, name := range allNames {
		raw, err := defaultFS.ReadFile("defaults/" + string(name) + ".txt")
		if err != nil {
			return nil, fmt.Errorf("prompts: embedded default %q: %w", name, err)
		}
		texts[name] = strings.TrimRight(string(raw), "\n")
	}

	for name, path := range overrides {
		if path == "" {
			continue
		}
		if _, ok := texts[name]; !ok {
			return nil, fmt.Errorf("prompts: unknown prompt %q", name)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("prompts: override %q: %w", name, err)
		}
		texts[name] = strings.TrimRight(string(raw), "\n")
	}

	return &Registry{texts: texts}, nil
}

// Get returns the resolved text for a prompt slot.
func (r *Registry) Get(name Name) string {
	return r.texts[name]
}

// Render interpolates data into the named prompt. Referencing a field the
// data does not carry fails loudly instead of emitting "<no value>".
func (r *Registry) Render(name Name, data any) (string, error) {
	text, ok := r.texts[name]
	if !ok {
		return "", fmt.Errorf("prompts: unknown prompt %q", name)
	}

	tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("prompts: %q: parse: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompts: %q: render: %w", name, err)
	}
	return buf.String(), nil
}
