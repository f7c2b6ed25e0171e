package rasterize

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"log/slog"

	"github.com/gen2brain/go-fitz"
)

// ErrDocumentOpen is returned when the input bytes cannot be opened as a PDF.
var ErrDocumentOpen = errors.New("opening document")

// Page is one rendered page of a document. Index is the 0-based position of
// the page in the source document; PNG holds the losslessly encoded raster.
type Page struct {
	Index int
	PNG   []byte
}

// Rasterize renders every page of a PDF to a PNG image, in document order.
//
// Opening the container is all-or-nothing: if the bytes do not parse as a
// PDF, ErrDocumentOpen is returned and no pages are produced. A single
// page's render failure is not fatal; the page is logged and skipped so the
// remaining pages still render. An empty document yields an empty slice.
func Rasterize(pdf []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentOpen, err)
	}
	defer doc.Close()

	pages := make([]Page, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.Image(i)
		if err != nil {
			slog.Warn("Failed to render page", "page", i, "error", err)
			continue
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			slog.Warn("Failed to encode page", "page", i, "error", err)
			continue
		}

		pages = append(pages, Page{Index: i, PNG: buf.Bytes()})
	}

	return pages, nil
}
