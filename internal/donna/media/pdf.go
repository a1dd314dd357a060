package media

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// renderDPI is the rasterisation density for PDF pages before OCR.
const renderDPI = 150

// pdfFile is what ingestion needs from an open PDF: the page count check
// and page-by-page rasterisation.
type pdfFile interface {
	PageCount() int
	RenderPage(page int) ([]byte, error)
	Close() error
}

// pdfDocument wraps an open PDF so page counting and rendering share one
// parse of the file.
type pdfDocument struct {
	doc *fitz.Document
}

func openPDF(data []byte) (pdfFile, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return &pdfDocument{doc: doc}, nil
}

func (p *pdfDocument) PageCount() int {
	return p.doc.NumPage()
}

// RenderPage rasterises the zero-based page into PNG bytes.
func (p *pdfDocument) RenderPage(page int) ([]byte, error) {
	img, err := p.doc.ImageDPI(page, renderDPI)
	if err != nil {
		return nil, fmt.Errorf("rasterise page %d: %w", page+1, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", page+1, err)
	}
	return buf.Bytes(), nil
}

func (p *pdfDocument) Close() error {
	return p.doc.Close()
}
