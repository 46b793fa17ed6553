package assistant

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/paperhub/chat-platform/pkg/apperr"
)

// Table is a list of rows of cell texts.
type Table [][]string

// Document is everything extracted from one source.
type Document struct {
	Name   string
	Text   string
	Tables []Table
	// Images holds base64-encoded PNGs.
	Images []string
}

// Extractor pulls text, tables and images out of a file path or URL.
type Extractor interface {
	Extract(ctx context.Context, source string) (*Document, error)
}

// FileExtractor handles PDFs and image files, local or over HTTP.
type FileExtractor struct {
	client  *http.Client
	maxSize int64
}

// NewFileExtractor creates an extractor. Downloads larger than maxSize bytes
// are rejected.
func NewFileExtractor(client *http.Client, maxSize int64) *FileExtractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &FileExtractor{client: client, maxSize: maxSize}
}

func (e *FileExtractor) Extract(ctx context.Context, source string) (*Document, error) {
	path := source
	if isURL(source) {
		tmp, err := e.download(ctx, source)
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp)
		path = tmp
	}

	name := filepath.Base(source)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		doc, err := extractPDF(path)
		if err != nil {
			return nil, err
		}
		doc.Name = name
		return doc, nil
	case ".png", ".jpg", ".jpeg", ".gif":
		img, err := imageFileBase64(path)
		if err != nil {
			return nil, err
		}
		return &Document{Name: name, Images: []string{img}}, nil
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported attachment type %q", filepath.Ext(path)))
	}
}

func isURL(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func (e *FileExtractor) download(ctx context.Context, source string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", apperr.Transient("failed to download attachment", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Transient(fmt.Sprintf("failed to download attachment: status %d", resp.StatusCode), nil)
	}

	u, _ := url.Parse(source)
	ext := filepath.Ext(u.Path)
	if ext == "" {
		ext = ".pdf"
	}
	f, err := os.CreateTemp("", "attachment-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer f.Close()

	body := io.Reader(resp.Body)
	if e.maxSize > 0 {
		body = io.LimitReader(resp.Body, e.maxSize+1)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		os.Remove(f.Name())
		return "", apperr.Transient("failed to download attachment", err)
	}
	if e.maxSize > 0 && n > e.maxSize {
		os.Remove(f.Name())
		return "", apperr.Validation("attachment is too large")
	}
	return f.Name(), nil
}

func extractPDF(path string) (doc *Document, err error) {
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = apperr.Validation(fmt.Sprintf("unreadable PDF: %v", r))
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("unreadable PDF: %v", err))
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("unreadable PDF: %v", err))
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return nil, fmt.Errorf("read PDF text: %w", err)
	}

	doc = &Document{Text: buf.String()}
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			continue
		}
		doc.Tables = append(doc.Tables, tablesFromRows(rows)...)
	}
	return doc, nil
}

// cellGap is the horizontal distance, in points, that separates two cells.
const cellGap = 12.0

// tablesFromRows groups runs of consecutive rows with at least three
// separated cells into tables.
func tablesFromRows(rows pdf.Rows) []Table {
	var tables []Table
	var current Table
	for _, row := range rows {
		cells := splitCells(row.Content)
		if len(cells) >= 3 {
			current = append(current, cells)
			continue
		}
		if len(current) >= 2 {
			tables = append(tables, current)
		}
		current = nil
	}
	if len(current) >= 2 {
		tables = append(tables, current)
	}
	return tables
}

func splitCells(texts pdf.TextHorizontal) []string {
	var cells []string
	var cell strings.Builder
	end := 0.0
	for i, t := range texts {
		if i > 0 && t.X-end > cellGap {
			if c := strings.TrimSpace(cell.String()); c != "" {
				cells = append(cells, c)
			}
			cell.Reset()
		}
		cell.WriteString(t.S)
		end = t.X + t.W
	}
	if c := strings.TrimSpace(cell.String()); c != "" {
		cells = append(cells, c)
	}
	return cells
}

// imageFileBase64 decodes an image file and re-encodes it as base64 PNG.
func imageFileBase64(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", apperr.Validation(fmt.Sprintf("unreadable image: %v", err))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
