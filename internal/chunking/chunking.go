// Package chunking splits extracted document text into bounded, overlapping
// chunks for embedding.
//
// Splitting is recursive by boundary preference: a chunk ends after the last
// paragraph break ("\n\n") that fits, else after the last line break, else
// after the last space, else at a hard cut of Size runes. The next chunk
// starts Overlap runes before the previous one ended. Chunk text is never
// trimmed, so the source text is recovered exactly by Reconstruct.
//
// Sizes are measured in runes, not bytes.
package chunking

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultSize is the maximum chunk length in runes.
	DefaultSize = 500
	// DefaultOverlap is the number of runes shared by consecutive chunks.
	DefaultOverlap = 50
)

// ErrInvalidOptions is returned when Size/Overlap cannot make progress.
var ErrInvalidOptions = errors.New("chunking: invalid options")

var separators = []string{"\n\n", "\n", " "}

// Segment is one unit of extracted text, typically a page.
type Segment struct {
	// Page is the 1-based page number, or 0 when unknown.
	Page int
	Text string
}

// Chunk is a bounded slice of a segment's text.
type Chunk struct {
	Text string
	// Page is copied from the originating segment; 0 means unknown.
	Page int
	// Index is the position of the chunk across the whole document.
	Index int
	// Overlap is how many leading runes of Text repeat the end of the
	// previous chunk. It is 0 for the first chunk of every segment.
	Overlap int
}

// Options configures a Splitter.
type Options struct {
	Size    int
	Overlap int
}

// Splitter is a configured Chunking Engine. It is stateless and safe for
// concurrent use.
type Splitter struct {
	size    int
	overlap int
}

// New returns a Splitter. Size must be positive and Overlap in [0, Size).
func New(opts Options) (*Splitter, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidOptions, opts.Size)
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Size {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidOptions, opts.Size, opts.Overlap)
	}
	return &Splitter{size: opts.Size, overlap: opts.Overlap}, nil
}

// Split chunks segments in order. Segments that are empty or whitespace
// only produce no chunks, so a document without extractable text yields
// an empty, non-nil result.
func (s *Splitter) Split(segments []Segment) []Chunk {
	chunks := make([]Chunk, 0, len(segments))
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		chunks = s.splitSegment(chunks, seg)
	}
	return chunks
}

func (s *Splitter) splitSegment(out []Chunk, seg Segment) []Chunk {
	runes := []rune(seg.Text)
	start, lead := 0, 0
	for {
		end := len(runes)
		if end-start > s.size {
			end = s.cut(runes, start)
		}
		out = append(out, Chunk{
			Text:    string(runes[start:end]),
			Page:    seg.Page,
			Index:   len(out),
			Overlap: lead,
		})
		if end == len(runes) {
			return out
		}
		start, lead = end-s.overlap, s.overlap
	}
}

// cut returns the exclusive end of the chunk beginning at start. The
// result is always in (start+overlap, start+size] so the next chunk, which
// begins overlap runes earlier, still advances.
func (s *Splitter) cut(runes []rune, start int) int {
	limit := start + s.size
	floor := start + s.overlap
	for _, sep := range separators {
		if end := lastBoundary(runes, floor, limit, []rune(sep)); end > 0 {
			return end
		}
	}
	return limit
}

// lastBoundary returns the index just past the last occurrence of sep that
// ends within (floor, limit], or 0 if there is none.
func lastBoundary(runes []rune, floor, limit int, sep []rune) int {
	for end := limit; end > floor && end-len(sep) >= 0; end-- {
		if hasSuffixAt(runes, end, sep) {
			return end
		}
	}
	return 0
}

func hasSuffixAt(runes []rune, end int, sep []rune) bool {
	for i := range sep {
		if runes[end-len(sep)+i] != sep[i] {
			return false
		}
	}
	return true
}

// Reconstruct joins chunk texts with their overlaps removed. For the output
// of Split it returns the non-blank segment texts concatenated in order.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		r := []rune(c.Text)
		b.WriteString(string(r[min(c.Overlap, len(r)):]))
	}
	return b.String()
}
