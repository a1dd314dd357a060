package media

import "fmt"

// MIME types accepted for ingestion, mapped to their attachment kind and
// retention extension.
var acceptedMimeTypes = map[string]struct {
	kind Kind
	ext  string
}{
	"image/jpeg":      {KindImage, ".jpg"},
	"image/png":       {KindImage, ".png"},
	"application/pdf": {KindPDF, ".pdf"},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {KindDOCX, ".docx"},
}

// kindOf resolves the attachment kind for a MIME type; ok is false for
// anything outside the allow-list.
func kindOf(mimeType string) (Kind, string, bool) {
	entry, ok := acceptedMimeTypes[mimeType]
	if !ok {
		return "", "", false
	}
	return entry.kind, entry.ext, true
}

// validate applies the pre-extraction checks: MIME allow-list and the size
// window (0 < size <= maxBytes, boundary inclusive). PDF page counting
// happens later, once the document is open.
func validate(art Artifact, maxBytes int64) (Kind, string, error) {
	kind, ext, ok := kindOf(art.MimeType)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, art.MimeType)
	}
	if len(art.Data) == 0 {
		return "", "", ErrFileEmpty
	}
	if int64(len(art.Data)) > maxBytes {
		return "", "", fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(art.Data), maxBytes)
	}
	return kind, ext, nil
}
