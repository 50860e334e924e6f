package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const pdfMimeType = "application/pdf"

// Extractor turns downloaded bytes into plain text.
type Extractor interface {
	Supported(mimeType string) bool
	Extract(ctx context.Context, mimeType string, data []byte) (string, error)
}

// TextExtractor handles text formats, PDFs and Google Workspace documents,
// which the Drive client exports as text before they get here.
type TextExtractor struct{}

var textMimeTypes = map[string]bool{
	"application/json":                         true,
	"application/xml":                          true,
	"application/x-yaml":                       true,
	"application/vnd.google-apps.document":     true,
	"application/vnd.google-apps.spreadsheet":  true,
	"application/vnd.google-apps.presentation": true,
}

func (TextExtractor) Supported(mimeType string) bool {
	mimeType = baseMimeType(mimeType)
	return strings.HasPrefix(mimeType, "text/") || textMimeTypes[mimeType] || mimeType == pdfMimeType
}

func (e TextExtractor) Extract(_ context.Context, mimeType string, data []byte) (string, error) {
	mimeType = baseMimeType(mimeType)
	if !e.Supported(mimeType) {
		return "", fmt.Errorf("unsupported mime type %s", mimeType)
	}
	if mimeType == pdfMimeType {
		return pdfText(data)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("content of type %s is not valid utf-8", mimeType)
	}
	// Postgres TEXT rejects NUL.
	data = bytes.ReplaceAll(data, []byte{0}, nil)

	switch mimeType {
	case "text/html":
		return htmlText(data)
	case "application/json":
		var out bytes.Buffer
		if err := json.Indent(&out, data, "", "  "); err != nil {
			return "", fmt.Errorf("parse json: %w", err)
		}
		return out.String(), nil
	default:
		return normalizeSpace(string(data)), nil
	}
}

func pdfText(data []byte) (text string, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return normalizeSpace(strings.ToValidUTF8(b.String(), "")), nil
}

func htmlText(data []byte) (string, error) {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	skip := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			if err := tokenizer.Err(); err != io.EOF {
				return "", fmt.Errorf("parse html: %w", err)
			}
			return normalizeSpace(b.String()), nil
		case html.StartTagToken:
			if name, _ := tokenizer.TagName(); isHiddenTag(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := tokenizer.TagName(); isHiddenTag(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isHiddenTag(name []byte) bool {
	switch string(name) {
	case "script", "style", "head":
		return true
	}
	return false
}

// normalizeSpace drops NUL bytes, trims every line and collapses runs of
// blank lines.
func normalizeSpace(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func baseMimeType(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}
