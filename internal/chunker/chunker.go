// Package chunker splits plain text into overlapping, token-bounded chunks.
//
// Whitespace-separated words approximate model tokens. A chunk holds at most
// maxTokens words and consecutive chunks share exactly overlap words, so text
// that crosses a seam is embedded whole at least once.
package chunker

import (
	"iter"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"embedbase/internal/models"
)

const (
	// DefaultMaxTokens is the default number of tokens per chunk.
	DefaultMaxTokens = 500
	// DefaultOverlap is the default number of tokens repeated between chunks.
	DefaultOverlap = 200
)

// Chunker produces chunks lazily from a text.
type Chunker struct {
	maxTokens int
	overlap   int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxTokens sets the chunk size in tokens.
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithOverlap sets the number of tokens shared by consecutive chunks.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// New creates a chunker. An overlap that does not leave room for progress is
// reduced to a quarter of the chunk size.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxTokens: DefaultMaxTokens,
		overlap:   DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.maxTokens {
		c.overlap = c.maxTokens / 4
	}
	return c
}

func (c *Chunker) MaxTokens() int { return c.maxTokens }
func (c *Chunker) Overlap() int   { return c.overlap }

// Normalize removes characters the document store cannot hold: NUL bytes and
// invalid UTF-8 sequences. The text is otherwise untouched.
func Normalize(text string) string {
	if strings.IndexByte(text, 0) >= 0 {
		text = strings.ReplaceAll(text, "\x00", "")
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	return text
}

type span struct {
	start, end int
}

// Chunks returns the chunks of text in document order. The sequence is lazy
// and may be ranged over more than once. Text with no tokens yields nothing;
// text of fewer than maxTokens tokens yields one chunk equal to the whole
// normalized text.
func (c *Chunker) Chunks(text string) iter.Seq[models.Chunk] {
	text = Normalize(text)
	maxTokens, overlap := c.maxTokens, c.overlap
	step := maxTokens - overlap

	return func(yield func(models.Chunk) bool) {
		window := make([]span, 0, maxTokens)
		fresh := 0 // tokens in window not yet emitted
		index := 0

		emit := func() bool {
			first, last := window[0], window[len(window)-1]
			ok := yield(models.Chunk{
				Text:         text[first.start:last.end],
				Index:        index,
				SourceOffset: first.start,
			})
			index++
			return ok
		}

		for sp := range tokens(text) {
			window = append(window, sp)
			fresh++
			if len(window) < maxTokens {
				continue
			}
			if !emit() {
				return
			}
			n := copy(window, window[step:])
			window = window[:n]
			fresh = 0
		}

		switch {
		case fresh == 0:
		case index == 0:
			yield(models.Chunk{Text: text, Index: 0, SourceOffset: 0})
		default:
			emit()
		}
	}
}

// Split collects Chunks into a slice.
func (c *Chunker) Split(text string) []models.Chunk {
	return slices.Collect(c.Chunks(text))
}

// Batches groups a chunk sequence into slices of at most size chunks without
// materializing the whole sequence.
func Batches(chunks iter.Seq[models.Chunk], size int) iter.Seq[[]models.Chunk] {
	if size <= 0 {
		size = 1
	}
	return func(yield func([]models.Chunk) bool) {
		batch := make([]models.Chunk, 0, size)
		for ch := range chunks {
			batch = append(batch, ch)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = make([]models.Chunk, 0, size)
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}

// CountTokens returns the number of whitespace separated tokens in text.
func CountTokens(text string) int {
	n := 0
	for range tokens(text) {
		n++
	}
	return n
}

// tokens yields the byte spans of whitespace separated words.
func tokens(text string) iter.Seq[span] {
	return func(yield func(span) bool) {
		start := -1
		for i, r := range text {
			if unicode.IsSpace(r) {
				if start >= 0 {
					if !yield(span{start, i}) {
						return
					}
					start = -1
				}
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			yield(span{start, len(text)})
		}
	}
}
