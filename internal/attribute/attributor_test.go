package attribute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kotovox/kotovox/internal/llm"
	"github.com/kotovox/kotovox/internal/text"
)

const narration = "ナレーション"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCompleter struct {
	responses []string
	calls     int
}

func (f *fakeCompleter) Complete(_ context.Context, _ llm.Request) (string, error) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], nil
}

func chunkOf(lines ...string) text.Chunk {
	c := text.Chunk{Index: 1}
	for i, l := range lines {
		c.Lines = append(c.Lines, text.Line{Seq: i + 1, Text: l})
	}
	return c
}

func TestAttributeSplitsMixedLine(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		`{"line": 1, "type": "narration", "speaker_name": "ナレーション", "text": "吾輩は猫である。"}
{"line": 2, "type": "dialogue", "speaker_name": "彼", "text": "「そうだ」"}
{"line": 2, "type": "narration", "speaker_name": "ナレーション", "text": "と彼は言った。"}`,
	}}
	a := New(completer, narration, 3, 1500, 0.2, newLogger())

	utts, err := a.Attribute(context.Background(), chunkOf("吾輩は猫である。", "「そうだ」と彼は言った。"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(utts) != 3 {
		t.Fatalf("expected 3 utterances, got %d: %v", len(utts), utts)
	}
	if utts[0].Speaker != narration || utts[0].Text != "吾輩は猫である。" {
		t.Fatalf("unexpected first utterance %v", utts[0])
	}
	if utts[1].Speaker != "彼" || utts[1].Kind != "dialogue" {
		t.Fatalf("expected dialogue by 彼, got %v", utts[1])
	}
	// Tiling invariant: segments of line 2 reproduce the line.
	if utts[1].Text+utts[2].Text != "「そうだ」と彼は言った。" {
		t.Fatalf("segments do not tile the line: %q + %q", utts[1].Text, utts[2].Text)
	}
	if utts[1].LineSeq != 2 || utts[2].LineSeq != 2 {
		t.Fatalf("expected shared line seq, got %d, %d", utts[1].LineSeq, utts[2].LineSeq)
	}
	if utts[1].IntraIndex != 0 || utts[2].IntraIndex != 1 {
		t.Fatalf("expected intra-line order, got %d, %d", utts[1].IntraIndex, utts[2].IntraIndex)
	}
}

func TestAttributeRetriesThenFails(t *testing.T) {
	// Line 2 missing in every response.
	completer := &fakeCompleter{responses: []string{
		`{"line": 1, "type": "narration", "speaker_name": "ナレーション", "text": "一文目。"}`,
	}}
	a := New(completer, narration, 3, 1500, 0.2, newLogger())

	_, err := a.Attribute(context.Background(), chunkOf("一文目。", "二文目。"), nil)
	if err == nil {
		t.Fatal("expected attribution error")
	}
	var attrErr *Error
	if !errors.As(err, &attrErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if attrErr.ChunkIndex != 1 {
		t.Fatalf("error must name the offending chunk, got %d", attrErr.ChunkIndex)
	}
	if completer.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", completer.calls)
	}
}

func TestAttributeRecoversOnRetry(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		"not json at all",
		`{"line": 1, "type": "narration", "speaker_name": "ナレーション", "text": "一文目。"}`,
	}}
	a := New(completer, narration, 3, 1500, 0.2, newLogger())

	utts, err := a.Attribute(context.Background(), chunkOf("一文目。"), nil)
	if err != nil {
		t.Fatalf("expected recovery on retry, got %v", err)
	}
	if len(utts) != 1 || completer.calls != 2 {
		t.Fatalf("expected success on attempt 2, got %d utts after %d calls", len(utts), completer.calls)
	}
}

func TestAttributeBlankSpeakerDefaultsToNarration(t *testing.T) {
	completer := &fakeCompleter{responses: []string{
		`{"line": 1, "type": "dialogue", "speaker_name": "  ", "text": "誰かが言った。"}`,
	}}
	a := New(completer, narration, 3, 1500, 0.2, newLogger())

	utts, err := a.Attribute(context.Background(), chunkOf("誰かが言った。"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if utts[0].Speaker != narration {
		t.Fatalf("blank speaker must default to narration, got %q", utts[0].Speaker)
	}
}

func TestAttributeNonTilingSegmentsCollapse(t *testing.T) {
	// Model paraphrased the text; segments do not tile the line, so the
	// whole line becomes a single utterance with the first speaker.
	completer := &fakeCompleter{responses: []string{
		`{"line": 1, "type": "dialogue", "speaker_name": "太郎", "text": "まったく違う文章"}`,
	}}
	a := New(completer, narration, 3, 1500, 0.2, newLogger())

	utts, err := a.Attribute(context.Background(), chunkOf("「おはよう」と太郎。"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(utts) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(utts))
	}
	if utts[0].Text != "「おはよう」と太郎。" {
		t.Fatalf("expected full line text kept, got %q", utts[0].Text)
	}
	if utts[0].Speaker != "太郎" {
		t.Fatalf("expected first segment speaker kept, got %q", utts[0].Speaker)
	}
}

func TestPromptCarriesRosterAndIndices(t *testing.T) {
	chunk := chunkOf("一文目。", "二文目。")
	p := buildPrompt(chunk, []string{"太郎", "花子"}, narration)
	for _, want := range []string{"1: 一文目。", "2: 二文目。", "太郎, 花子", narration} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}
