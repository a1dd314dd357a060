package media

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fumiama/go-docx"
)

// extractDOCX pulls paragraph and table text out of a DOCX in document
// order. No model call is needed; the format carries its own text.
func extractDOCX(data []byte) (string, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}

	var lines []string
	for _, item := range doc.Document.Body.Items {
		switch block := item.(type) {
		case *docx.Paragraph:
			if text := strings.TrimSpace(block.String()); text != "" {
				lines = append(lines, text)
			}
		case *docx.Table:
			if text := strings.TrimSpace(block.String()); text != "" {
				lines = append(lines, text)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}
