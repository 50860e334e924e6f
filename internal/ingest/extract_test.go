package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestTextExtractorSupported(t *testing.T) {
	e := TextExtractor{}
	cases := map[string]bool{
		"text/plain; charset=utf-8":            true,
		"text/markdown":                        true,
		"application/json":                     true,
		"application/vnd.google-apps.document": true,
		"application/pdf":                      true,
		"image/png":                            false,
	}
	for mime, want := range cases {
		if got := e.Supported(mime); got != want {
			t.Fatalf("Supported(%q) = %v, want %v", mime, got, want)
		}
	}
}

func TestTextExtractorStripsHTML(t *testing.T) {
	raw := []byte(`<html><head><title>x</title><style>p{}</style></head><body><h1>Contrato</h1><p>Clausula   primera</p><script>alert(1)</script></body></html>`)
	text, err := TextExtractor{}.Extract(context.Background(), "text/html", raw)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "Contrato Clausula primera" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestTextExtractorNormalizesWhitespace(t *testing.T) {
	text, err := TextExtractor{}.Extract(context.Background(), "text/plain", []byte("  one  \r\n\r\n\r\n two\t three \n"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "one\n\ntwo three" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestTextExtractorRejectsBinary(t *testing.T) {
	if _, err := (TextExtractor{}).Extract(context.Background(), "text/plain", []byte{0xff, 0xfe, 0x00}); err == nil {
		t.Fatal("expected invalid utf-8 error")
	}
}

func TestTextExtractorDropsNULBytes(t *testing.T) {
	cases := map[string]string{
		"text/plain":       "clause\x00 one",
		"text/html":        "<p>clause\x00 one</p>",
		"application/json": `{"a":"b"}` + "\x00",
	}
	for mime, raw := range cases {
		text, err := TextExtractor{}.Extract(context.Background(), mime, []byte(raw))
		if err != nil {
			t.Fatalf("Extract(%s): %v", mime, err)
		}
		if strings.ContainsRune(text, 0) {
			t.Fatalf("Extract(%s) kept a NUL byte: %q", mime, text)
		}
	}
}

// minimalPDF builds a one-page PDF with a correct xref table.
func minimalPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, offset := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestTextExtractorReadsPDF(t *testing.T) {
	text, err := TextExtractor{}.Extract(context.Background(), "application/pdf", minimalPDF("Signed contract"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "Signed contract") {
		t.Fatalf("unexpected pdf text %q", text)
	}
}

func TestTextExtractorRejectsBrokenPDF(t *testing.T) {
	if _, err := (TextExtractor{}).Extract(context.Background(), "application/pdf", []byte("%PDF-1.4 truncated")); err == nil {
		t.Fatal("expected broken pdf to fail extraction")
	}
}
