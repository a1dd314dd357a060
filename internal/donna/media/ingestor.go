package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/donna/common/retry"
	"github.com/bdobrica/donna/internal/donna/llm"
	"github.com/bdobrica/donna/internal/donna/prompts"
)

// pageSeparator joins per-page OCR texts; %d is the 1-based page number.
const pageSeparator = "\n--- page %d ---\n"

// Config holds the ingestor's tunables.
type Config struct {
	// StorageRoot is where accepted originals and their .rawtext siblings
	// are retained.
	StorageRoot string

	// MaxBytes is the inclusive file size ceiling.
	MaxBytes int64

	// MaxPDFPages is the inclusive page count ceiling for PDFs.
	MaxPDFPages int

	// Model is the completion model used for classification and extraction.
	Model string
}

// Ingestor validates, retains, extracts, and classifies attachments.
type Ingestor struct {
	cfg       Config
	completer llm.Completer
	prompts   *prompts.Registry
	logger    *slog.Logger
	clock     func() time.Time
	pdfOpen   func(data []byte) (pdfFile, error)
}

// NewIngestor creates an Ingestor and ensures the storage root exists.
func NewIngestor(cfg Config, completer llm.Completer, reg *prompts.Registry, logger *slog.Logger) (*Ingestor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxPDFPages <= 0 {
		cfg.MaxPDFPages = 10
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("media: create storage root: %w", err)
	}
	return &Ingestor{
		cfg:       cfg,
		completer: completer,
		prompts:   reg,
		logger:    logger,
		clock:     time.Now,
		pdfOpen:   openPDF,
	}, nil
}

// Ingest runs the full pipeline for one attachment: validate, retain the
// original, extract text, write the .rawtext sibling, classify, and extract
// typed metadata. Validation failures surface as the package's sentinel
// errors; later-stage failures degrade the Quality grade instead of failing
// the whole ingestion, so a partially readable document still has value.
func (ing *Ingestor) Ingest(ctx context.Context, senderPhone string, art Artifact) (*Document, error) {
	kind, ext, err := validate(art, ing.cfg.MaxBytes)
	if err != nil {
		return nil, err
	}

	// PDFs are opened once for both the page-count check and rasterisation.
	var pdf pdfFile
	if kind == KindPDF {
		pdf, err = ing.pdfOpen(art.Data)
		if err != nil {
			return nil, fmt.Errorf("media: open pdf: %w", err)
		}
		defer pdf.Close()
		if pdf.PageCount() > ing.cfg.MaxPDFPages {
			return nil, fmt.Errorf("%w: %d pages (limit %d)", ErrTooManyPages, pdf.PageCount(), ing.cfg.MaxPDFPages)
		}
	}

	now := ing.clock().UTC()
	storagePath, err := ing.retain(art.Data, senderPhone, ext, now)
	if err != nil {
		return nil, fmt.Errorf("media: retain original: %w", err)
	}

	doc := &Document{
		Kind:        kind,
		StoragePath: storagePath,
		ReceivedAt:  now,
		Quality:     QualityGood,
	}

	switch kind {
	case KindImage:
		doc.ExtractedText, err = ing.ocrImage(ctx, art.Data, art.MimeType)
		if err != nil {
			doc.Quality = QualityFailed
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("image OCR failed: %v", err))
		}
	case KindPDF:
		var warnings []string
		doc.ExtractedText, warnings = ing.ocrPDF(ctx, pdf)
		doc.Warnings = append(doc.Warnings, warnings...)
		if len(warnings) > 0 {
			doc.Quality = QualityFair
		}
		if strings.TrimSpace(stripPageMarkers(doc.ExtractedText)) == "" && len(warnings) == pdf.PageCount() {
			doc.Quality = QualityFailed
		}
	case KindDOCX:
		doc.ExtractedText, err = extractDOCX(art.Data)
		if err != nil {
			doc.Quality = QualityFailed
			doc.Warnings = append(doc.Warnings, fmt.Sprintf("docx extraction failed: %v", err))
		}
	}

	if doc.Quality != QualityFailed && strings.TrimSpace(stripPageMarkers(doc.ExtractedText)) == "" {
		doc.Quality = QualityPoor
	}

	if err := ing.writeRawText(storagePath, doc.ExtractedText); err != nil {
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("rawtext write failed: %v", err))
	}

	doc.DocumentType = TypeGeneric
	if doc.Quality == QualityGood || doc.Quality == QualityFair {
		doc.DocumentType = ing.classify(ctx, doc.ExtractedText)
		doc.MetadataFields = ing.extractMetadata(ctx, doc.DocumentType, doc.ExtractedText)
		doc.Summary = summariseText(doc.ExtractedText)
	}

	ing.logger.Info("media: ingested attachment",
		"kind", kind,
		"document_type", doc.DocumentType,
		"quality", doc.Quality,
		"text_len", len(doc.ExtractedText),
		"warnings", len(doc.Warnings),
		"storage_path", storagePath,
	)
	return doc, nil
}

// retain writes the original under the media root as DD-<phone>-<uuid>.<ext>.
func (ing *Ingestor) retain(data []byte, senderPhone, ext string, now time.Time) (string, error) {
	name := fmt.Sprintf("%02d-%s-%s%s", now.Day(), sanitisePhone(senderPhone), uuid.New().String(), ext)
	path := filepath.Join(ing.cfg.StorageRoot, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// writeRawText writes the extracted text beside the original: UTF-8, no
// BOM, Unix line endings, trailing newline.
func (ing *Ingestor) writeRawText(storagePath, text string) error {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return os.WriteFile(storagePath+".rawtext", []byte(text), 0o644)
}

// ocrImage transcribes a single image through the vision endpoint, with one
// retry on transient failure.
func (ing *Ingestor) ocrImage(ctx context.Context, image []byte, mimeType string) (string, error) {
	prompt := ing.prompts.Get(prompts.ImageOCR)

	var text string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 2,
		Delay:       time.Second,
		ShouldRetry: llm.IsTransient,
	}, func() error {
		out, err := ing.completer.CompleteVision(ctx, prompt, image, mimeType)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	return strings.TrimSpace(text), err
}

// ocrPDF rasterises every page and runs the image strategy on each. A page
// that fails OCR contributes a warning instead of aborting the document.
func (ing *Ingestor) ocrPDF(ctx context.Context, pdf pdfFile) (string, []string) {
	var (
		parts    []string
		warnings []string
	)
	for page := 0; page < pdf.PageCount(); page++ {
		png, err := pdf.RenderPage(page)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: render failed: %v", page+1, err))
			continue
		}
		text, err := ing.ocrImage(ctx, png, "image/png")
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: OCR failed: %v", page+1, err))
			continue
		}
		parts = append(parts, fmt.Sprintf(pageSeparator, page+1)+text)
	}
	return strings.TrimPrefix(strings.Join(parts, ""), "\n"), warnings
}

// classify asks the text model for the document category; anything it does
// not recognise, or a failed call, yields the generic type.
func (ing *Ingestor) classify(ctx context.Context, text string) DocumentType {
	prompt, err := ing.prompts.Render(prompts.Classify, struct{ Text string }{Text: text})
	if err != nil {
		ing.logger.Warn("media: render classify prompt", "err", err)
		return TypeGeneric
	}

	resp, err := ing.complete(ctx, prompt)
	if err != nil {
		ing.logger.Warn("media: classification failed, defaulting to generic", "err", err)
		return TypeGeneric
	}

	answer := strings.ToLower(strings.TrimSpace(resp))
	answer = strings.Trim(answer, ".`\"'")
	switch DocumentType(answer) {
	case TypeContract, TypeReceipt, TypeInvoice, TypeCourtResolution, TypeGeneric:
		return DocumentType(answer)
	}
	ing.logger.Debug("media: unrecognised classification", "answer", answer)
	return TypeGeneric
}

// extractMetadata runs the type-specific extraction prompt and decodes the
// JSON object into string fields. Generic documents carry no typed fields;
// a failed call or undecodable reply yields an empty map.
func (ing *Ingestor) extractMetadata(ctx context.Context, docType DocumentType, text string) map[string]string {
	var name prompts.Name
	switch docType {
	case TypeContract:
		name = prompts.ExtractContract
	case TypeReceipt:
		name = prompts.ExtractReceipt
	case TypeInvoice:
		name = prompts.ExtractInvoice
	case TypeCourtResolution:
		name = prompts.ExtractCourtResolution
	default:
		return nil
	}

	prompt, err := ing.prompts.Render(name, struct{ Text string }{Text: text})
	if err != nil {
		ing.logger.Warn("media: render extraction prompt", "document_type", docType, "err", err)
		return nil
	}

	resp, err := ing.complete(ctx, prompt)
	if err != nil {
		ing.logger.Warn("media: metadata extraction failed", "document_type", docType, "err", err)
		return nil
	}

	fields := decodeMetadata(resp)
	if fields == nil {
		ing.logger.Warn("media: metadata reply not decodable", "document_type", docType)
	}
	return fields
}

// complete sends a single-user-message completion with one transient retry.
func (ing *Ingestor) complete(ctx context.Context, prompt string) (string, error) {
	var text string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 2,
		Delay:       time.Second,
		ShouldRetry: llm.IsTransient,
	}, func() error {
		resp, err := ing.completer.Complete(ctx, llm.CompletionRequest{
			Model: ing.cfg.Model,
			Messages: []llm.Message{
				{Role: llm.RoleUser, Content: prompt},
			},
			MaxTokens: 512,
		})
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	return text, err
}

// decodeMetadata parses a model reply into string fields. Tolerates
// markdown code fences and non-string JSON values; returns nil when no
// object can be decoded.
func decodeMetadata(reply string) map[string]string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, "```json")
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimSuffix(reply, "```")
	reply = strings.TrimSpace(reply)

	var raw map[string]any
	if err := json.Unmarshal([]byte(reply), &raw); err != nil {
		return nil
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			if val != "" {
				fields[k] = val
			}
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(val)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// summaryLimit caps the one-line document summary, in runes.
const summaryLimit = 160

// summariseText collapses the extracted text into the short single-line
// summary carried on the Document. Page markers and line breaks are folded
// away; overlong text is cut with an ellipsis.
func summariseText(text string) string {
	line := strings.Join(strings.Fields(stripPageMarkers(text)), " ")
	runes := []rune(line)
	if len(runes) > summaryLimit {
		return string(runes[:summaryLimit-1]) + "…"
	}
	return line
}

// sanitisePhone keeps only characters safe in a file name.
func sanitisePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// stripPageMarkers removes the page separator lines so emptiness checks see
// only real content.
func stripPageMarkers(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "--- page ") && strings.HasSuffix(line, " ---") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
