// Package media turns inbound attachments into text and typed metadata.
//
// Accepted files are validated, retained indefinitely under the media root,
// converted to text (vision OCR for images and rasterised PDF pages,
// structural extraction for DOCX), classified, and mined for type-specific
// metadata fields.
package media

import (
	"errors"
	"time"
)

// Kind is the attachment family, derived from the MIME type.
type Kind string

const (
	KindImage Kind = "image"
	KindPDF   Kind = "pdf"
	KindDOCX  Kind = "docx"
)

// DocumentType is the classified document category.
type DocumentType string

const (
	TypeContract        DocumentType = "contract"
	TypeReceipt         DocumentType = "receipt"
	TypeInvoice         DocumentType = "invoice"
	TypeCourtResolution DocumentType = "court_resolution"
	TypeGeneric         DocumentType = "generic"
)

// Extraction quality grades.
const (
	QualityGood   = "good"
	QualityFair   = "fair"
	QualityPoor   = "poor"
	QualityFailed = "failed"
)

// Validation failures. The pipeline maps these to the media rejection reply.
var (
	ErrUnsupportedFormat = errors.New("media: unsupported format")
	ErrFileTooLarge      = errors.New("media: file too large")
	ErrFileEmpty         = errors.New("media: file empty")
	ErrTooManyPages      = errors.New("media: too many pages")
)

// Artifact is an inbound attachment as handed over by the transport.
type Artifact struct {
	FileName string
	MimeType string
	Data     []byte
}

// Document is the result of a successful ingestion.
type Document struct {
	Kind           Kind
	StoragePath    string
	ExtractedText  string
	DocumentType   DocumentType
	Summary        string
	MetadataFields map[string]string
	Quality        string
	Warnings       []string
	ReceivedAt     time.Time
}
