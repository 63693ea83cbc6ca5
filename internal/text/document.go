package text

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Document is the full input text plus a title. Immutable once loaded.
type Document struct {
	Title string
	Text  string
	Hash  string
}

// Load reads a UTF-8 text file. The title is the file name without its
// extension; the hash covers the raw content so output directories derived
// from it are reproducible.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	base := filepath.Base(path)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	sum := sha256.Sum256(data)
	return Document{
		Title: title,
		Text:  string(data),
		Hash:  hex.EncodeToString(sum[:])[:8],
	}, nil
}

// Slug returns a filesystem-safe identifier for the document.
func (d Document) Slug() string {
	safe := unsafeChars.ReplaceAllString(d.Title, "_")
	if safe == "" {
		safe = "document"
	}
	return safe + "-" + d.Hash
}

var unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}_\-]`)

var sentenceEnd = regexp.MustCompile(`([。．！？!?]+[」』］】]?|…+)`)

// SplitSentences splits text into sentences, keeping sentence-ending
// punctuation and closing brackets attached.
func SplitSentences(text string) []string {
	var segments []string
	var buffer strings.Builder

	flush := func() {
		sentence := strings.TrimSpace(buffer.String())
		if sentence != "" {
			segments = append(segments, sentence)
		}
		buffer.Reset()
	}

	for _, raw := range strings.Split(text, "\n") {
		rest := raw
		for rest != "" {
			loc := sentenceEnd.FindStringIndex(rest)
			if loc == nil {
				buffer.WriteString(rest)
				break
			}
			buffer.WriteString(rest[:loc[1]])
			flush()
			rest = rest[loc[1]:]
		}
		flush()
	}
	return segments
}
