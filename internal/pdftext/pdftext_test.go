package pdftext

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var minimalPDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

// mockRunner is a test double for CommandRunner.
type mockRunner struct {
	output []byte
	err    error

	name     string
	args     []string
	staged   []byte
	stagedAt string
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.name, m.args = name, args
	// The staged path is the argument before "-".
	m.stagedAt = args[len(args)-2]
	m.staged, _ = os.ReadFile(m.stagedAt)
	return m.output, m.err
}

func TestExtract_SplitsPagesOnFormFeed(t *testing.T) {
	runner := &mockRunner{output: []byte("Lorem ipsum dolor sit amet\n\fsecond page\n\f")}
	e, err := New("", WithRunner(runner), WithTempDir(t.TempDir()))
	require.NoError(t, err)

	pages, err := e.Extract(context.Background(), minimalPDF)
	require.NoError(t, err)

	assert.Equal(t, []Page{
		{Number: 1, Text: "Lorem ipsum dolor sit amet\n"},
		{Number: 2, Text: "second page\n"},
	}, pages)
	assert.Equal(t, "pdftotext", runner.name)
	assert.Equal(t, []string{"-enc", "UTF-8", "-eol", "unix"}, runner.args[:4])
	assert.Equal(t, "-", runner.args[len(runner.args)-1])
	assert.Equal(t, minimalPDF, runner.staged)
}

func TestExtract_NoExtractableText(t *testing.T) {
	runner := &mockRunner{output: []byte("\f\f  \n\f")}
	e, err := New("", WithRunner(runner), WithTempDir(t.TempDir()))
	require.NoError(t, err)

	pages, err := e.Extract(context.Background(), minimalPDF)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestExtract_KeepsPageNumbersAcrossBlankPages(t *testing.T) {
	pages := SplitPages("one\f\fthree")
	assert.Equal(t, []Page{{Number: 1, Text: "one"}, {Number: 3, Text: "three"}}, pages)
}

func TestExtract_RemovesTempFile(t *testing.T) {
	dir := t.TempDir()

	for _, runErr := range []error{nil, errors.New("exit status 1: Syntax Error")} {
		runner := &mockRunner{output: []byte("text"), err: runErr}
		e, err := New("", WithRunner(runner), WithTempDir(dir))
		require.NoError(t, err)

		_, err = e.Extract(context.Background(), minimalPDF)
		if runErr != nil {
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Syntax Error")
		} else {
			require.NoError(t, err)
		}

		assert.Equal(t, dir, filepath.Dir(runner.stagedAt))
		_, statErr := os.Stat(runner.stagedAt)
		assert.True(t, os.IsNotExist(statErr), "temp file should be removed")
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtract_RejectsNonPDF(t *testing.T) {
	runner := &mockRunner{}
	e, err := New("", WithRunner(runner))
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), []byte("PK\x03\x04 zip file"))
	assert.ErrorIs(t, err, ErrNotPDF)
	assert.Empty(t, runner.name, "runner must not be invoked")
}

func TestNew_ToolNotFound(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "no-such-pdftotext"))
	assert.ErrorIs(t, err, ErrToolNotFound)
}
