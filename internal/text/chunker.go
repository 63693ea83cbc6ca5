package text

import (
	"fmt"
	"strings"

	"github.com/kotovox/kotovox/internal/config"
)

// Line is one sentence of the document. Seq is the global ordering key used
// by every downstream stage; it is assigned once here and never depends on
// chunk boundaries.
type Line struct {
	Seq  int
	Text string
}

// Chunk is a contiguous, line-aligned slice of the document bounded by a
// character budget.
type Chunk struct {
	Index int
	Lines []Line
}

// Text joins the chunk's lines with newlines, the form handed to the
// attributor prompt.
func (c Chunk) Text() string {
	parts := make([]string, len(c.Lines))
	for i, l := range c.Lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// Split walks the document's sentences in order, packing them into chunks of
// at most maxChars characters. A sentence that alone exceeds the budget is
// emitted as its own oversized chunk; content is never truncated or dropped.
func Split(doc Document, maxChars int) ([]Chunk, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", config.ErrInvalid, maxChars)
	}

	sentences := SplitSentences(doc.Text)
	lines := make([]Line, len(sentences))
	for i, s := range sentences {
		lines[i] = Line{Seq: i + 1, Text: s}
	}

	var chunks []Chunk
	var current []Line
	size := 0
	for _, line := range lines {
		n := len([]rune(line.Text))
		if len(current) > 0 && size+n > maxChars {
			chunks = append(chunks, Chunk{Index: len(chunks) + 1, Lines: current})
			current = nil
			size = 0
		}
		current = append(current, line)
		size += n
	}
	if len(current) > 0 {
		chunks = append(chunks, Chunk{Index: len(chunks) + 1, Lines: current})
	}
	return chunks, nil
}
