package rasterize

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRasterize(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Rasterize Suite")
}

// minimalPDF is a hand-assembled single blank page document
const minimalPDF = "%PDF-1.4\n" +
	"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n" +
	"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n" +
	"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] >>\nendobj\n" +
	"xref\n0 4\n" +
	"0000000000 65535 f \n" +
	"0000000009 00000 n \n" +
	"0000000058 00000 n \n" +
	"0000000115 00000 n \n" +
	"trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n186\n%%EOF\n"

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

var _ = Describe("Rasterize", func() {
	var (
		pdf   []byte
		pages []Page
		err   error
	)

	JustBeforeEach(func() {
		pages, err = Rasterize(pdf)
	})

	When("the document is a valid single-page PDF", func() {
		BeforeEach(func() {
			pdf = []byte(minimalPDF)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should render exactly one page with index 0", func() {
			Expect(pages).To(HaveLen(1))
			Expect(pages[0].Index).To(Equal(0))
		})

		It("should encode the page as PNG", func() {
			Expect(bytes.HasPrefix(pages[0].PNG, pngMagic)).To(BeTrue())
		})
	})

	When("the bytes are not a PDF", func() {
		BeforeEach(func() {
			pdf = []byte("definitely not a pdf")
		})

		It("returns ErrDocumentOpen", func() {
			Expect(err).To(MatchError(ErrDocumentOpen))
		})

		It("produces no pages", func() {
			Expect(pages).To(BeNil())
		})
	})

	When("the input is empty", func() {
		BeforeEach(func() {
			pdf = nil
		})

		It("returns ErrDocumentOpen", func() {
			Expect(err).To(MatchError(ErrDocumentOpen))
		})
	})
})
