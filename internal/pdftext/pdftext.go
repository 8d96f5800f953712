// Package pdftext extracts per-page text from PDF bytes using poppler's
// pdftotext.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrToolNotFound means pdftotext is not installed or not on PATH.
	ErrToolNotFound = errors.New("pdftext: pdftotext not found")
	// ErrNotPDF means the input does not start with a PDF header.
	ErrNotPDF = errors.New("pdftext: input is not a PDF")
)

// pdftotext separates pages with a form feed.
const pageBreak = "\f"

// Page is the extracted text of one page.
type Page struct {
	Number int
	Text   string
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Extractor turns PDF bytes into pages.
type Extractor struct {
	tool    string
	tempDir string
	timeout time.Duration
	runner  CommandRunner
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option {
	return func(e *Extractor) { e.runner = r }
}

// WithTempDir sets where the PDF is staged while the tool runs.
func WithTempDir(dir string) Option {
	return func(e *Extractor) { e.tempDir = dir }
}

// WithTimeout bounds one pdftotext run.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// New returns an Extractor for the pdftotext binary at tool ("pdftotext"
// resolves through PATH). It fails with ErrToolNotFound if the binary is
// missing, unless a custom runner is supplied.
func New(tool string, opts ...Option) (*Extractor, error) {
	if tool == "" {
		tool = "pdftotext"
	}
	e := &Extractor{tool: tool, timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		if _, err := exec.LookPath(tool); err != nil {
			return nil, fmt.Errorf("%w (%s): install poppler-utils", ErrToolNotFound, tool)
		}
		e.runner = execRunner{}
	}
	return e, nil
}

// Extract returns the non-blank pages of data in order. A PDF without
// extractable text (empty, or scanned images only) returns no pages and no
// error. The staged temp file is removed before Extract returns.
func (e *Extractor) Extract(ctx context.Context, data []byte) ([]Page, error) {
	if !IsPDF(data) {
		return nil, ErrNotPDF
	}

	f, err := os.CreateTemp(e.tempDir, "pdfrag-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("staging pdf: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("staging pdf: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("staging pdf: %w", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out, err := e.runner.Run(ctx, e.tool, "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}
	return SplitPages(string(out)), nil
}

// IsPDF reports whether data starts with the PDF header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-"))
}

// SplitPages splits pdftotext output on form feeds, numbering pages from 1
// and dropping pages that are blank.
func SplitPages(out string) []Page {
	raw := strings.Split(out, pageBreak)
	pages := make([]Page, 0, len(raw))
	for i, text := range raw {
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text})
	}
	return pages
}
