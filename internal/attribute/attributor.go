package attribute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kotovox/kotovox/internal/llm"
	"github.com/kotovox/kotovox/internal/text"
)

// Utterance is the attributed form of a line: one contiguous text segment
// assigned to exactly one speaker. A line that mixes narration and dialogue
// produces several utterances sharing its LineSeq.
type Utterance struct {
	LineSeq    int
	IntraIndex int
	Speaker    string
	Kind       string // dialogue, narration
	Text       string
}

// Error reports a chunk whose attribution stayed structurally invalid after
// all retries. Nothing from the chunk is kept; records written for earlier
// chunks remain valid.
type Error struct {
	ChunkIndex int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("attribution failed for chunk %d after %d attempts: %v", e.ChunkIndex, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Attributor labels every line of a chunk with a speaking entity via one
// LLM round trip per chunk.
type Attributor struct {
	completer   llm.Completer
	narration   string
	maxAttempts int
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func New(completer llm.Completer, narrationLabel string, maxAttempts, maxTokens int, temperature float64, logger *slog.Logger) *Attributor {
	return &Attributor{
		completer:   completer,
		narration:   narrationLabel,
		maxAttempts: maxAttempts,
		maxTokens:   maxTokens,
		temperature: temperature,
		logger:      logger.With(slog.String("component", "attributor")),
	}
}

// Attribute labels one chunk. roster is the character list accumulated from
// all prior chunks, fed into the prompt so the model reuses known names.
func (a *Attributor) Attribute(ctx context.Context, chunk text.Chunk, roster []string) ([]Utterance, error) {
	req := llm.Request{
		System:      systemPrompt,
		Prompt:      buildPrompt(chunk, roster, a.narration),
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	}

	attempt := 0
	operation := func() ([]Utterance, error) {
		attempt++
		raw, err := a.completer.Complete(ctx, req)
		if err != nil {
			a.logger.Warn("attribution call failed",
				slog.Int("chunk", chunk.Index),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return nil, err
		}
		utts, err := a.parse(raw, chunk)
		if err != nil {
			a.logger.Warn("attribution response invalid",
				slog.Int("chunk", chunk.Index),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return nil, err
		}
		return utts, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	utts, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(a.maxAttempts)))
	if err != nil {
		return nil, &Error{ChunkIndex: chunk.Index, Attempts: attempt, Err: err}
	}
	return utts, nil
}

type rawSegment struct {
	Line    int    `json:"line"`
	Type    string `json:"type"`
	Speaker string `json:"speaker_name"`
	Text    string `json:"text"`
}

// parse validates the JSON Lines response against the chunk. Every chunk
// line must be covered; a missing line, malformed JSON, or an empty
// response is structural and triggers a retry upstream. A covered line
// whose speaker is blank defaults to narration instead of failing, since
// unvoiced text is worse than text mislabeled as narration.
func (a *Attributor) parse(raw string, chunk text.Chunk) ([]Utterance, error) {
	groups := map[int][]rawSegment{}
	seen := 0
	for _, ln := range strings.Split(raw, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "```") {
			continue
		}
		var seg rawSegment
		if err := json.Unmarshal([]byte(ln), &seg); err != nil {
			return nil, fmt.Errorf("malformed response line %q: %w", truncate(ln, 60), err)
		}
		if seg.Line < 1 || seg.Line > len(chunk.Lines) {
			return nil, fmt.Errorf("segment references unknown line %d", seg.Line)
		}
		groups[seg.Line] = append(groups[seg.Line], seg)
		seen++
	}
	if seen == 0 {
		return nil, fmt.Errorf("empty response")
	}

	var utts []Utterance
	for _, line := range chunk.Lines {
		idx := line.Seq - chunk.Lines[0].Seq + 1
		segs, ok := groups[idx]
		if !ok {
			return nil, fmt.Errorf("line %d has no attribution", idx)
		}
		utts = append(utts, a.tile(line, segs)...)
	}
	return utts, nil
}

// tile maps the model's segments onto the line so that concatenating the
// utterance texts reproduces the line exactly. Segments that do not tile
// the line are discarded and the whole line becomes one utterance carrying
// the first segment's speaker.
func (a *Attributor) tile(line text.Line, segs []rawSegment) []Utterance {
	remaining := strings.TrimSpace(line.Text)
	var out []Utterance
	for i, seg := range segs {
		t := strings.TrimSpace(seg.Text)
		if t == "" || !strings.HasPrefix(remaining, t) {
			out = nil
			break
		}
		// The last segment absorbs any trailing remainder so coverage
		// never has gaps.
		if i == len(segs)-1 {
			t = remaining
		}
		out = append(out, Utterance{
			LineSeq:    line.Seq,
			IntraIndex: len(out),
			Speaker:    a.speakerOf(seg),
			Kind:       kindOf(seg),
			Text:       t,
		})
		remaining = strings.TrimSpace(strings.TrimPrefix(remaining, t))
	}
	if out == nil || remaining != "" {
		speaker := a.narration
		kind := "narration"
		if len(segs) > 0 {
			speaker = a.speakerOf(segs[0])
			kind = kindOf(segs[0])
		}
		return []Utterance{{
			LineSeq: line.Seq,
			Speaker: speaker,
			Kind:    kind,
			Text:    strings.TrimSpace(line.Text),
		}}
	}
	return out
}

func (a *Attributor) speakerOf(seg rawSegment) string {
	sp := strings.TrimSpace(seg.Speaker)
	if sp == "" || seg.Type == "narration" {
		return a.narration
	}
	return sp
}

func kindOf(seg rawSegment) string {
	if seg.Type == "dialogue" {
		return "dialogue"
	}
	return "narration"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
