package casting

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kotovox/kotovox/internal/engine"
	"github.com/kotovox/kotovox/internal/llm"
	"github.com/kotovox/kotovox/internal/voices"
)

type fakeCompleter struct {
	responses []string
	prompts   []llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.prompts = append(f.prompts, req)
	if len(f.responses) == 0 {
		return "", nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testSpeakers = []engine.Speaker{
	{
		Name: "四国めたん",
		Styles: []engine.Style{
			{ID: 2, Name: "ノーマル"},
			{ID: 6, Name: "ツンツン"},
		},
	},
	{
		Name:   "ずんだもん",
		Styles: []engine.Style{{ID: 3, Name: "ノーマル"}},
	},
}

func TestExtractCharactersStripsFences(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		"```json\n[{\"name\":\" 太郎 \",\"role\":\"主人公\",\"gender\":\"男性\"},{\"name\":\"\"}]\n```",
	}}
	d := New(fc, 0, testLogger())

	chars, err := d.ExtractCharacters(context.Background(), "本文サンプル", 5)
	if err != nil {
		t.Fatalf("ExtractCharacters: %v", err)
	}
	if len(chars) != 1 {
		t.Fatalf("got %d characters, want 1 (blank names dropped)", len(chars))
	}
	if chars[0].Name != "太郎" || chars[0].Role != "主人公" {
		t.Fatalf("unexpected character: %+v", chars[0])
	}
	if !strings.Contains(fc.prompts[0].Prompt, "最大5名") {
		t.Fatalf("prompt missing character limit: %q", fc.prompts[0].Prompt)
	}
}

func TestProposeCastDropsUnknownStyles(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		`[{"character_name":"太郎","speaker_name":"四国めたん","style_id":2,"style_name":"ノーマル","rationale":"落ち着いた声"},
		  {"character_name":"次郎","speaker_name":"架空","style_id":99}]`,
	}}
	d := New(fc, 0, testLogger())

	got, err := d.ProposeCast(context.Background(), []Character{{Name: "太郎"}, {Name: "次郎"}}, testSpeakers)
	if err != nil {
		t.Fatalf("ProposeCast: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d assignments, want 1 (unknown style dropped)", len(got))
	}
	if got[0].CharacterName != "太郎" || got[0].StyleID != 2 {
		t.Fatalf("unexpected assignment: %+v", got[0])
	}
	if !strings.Contains(fc.prompts[0].Prompt, "ずんだもん") {
		t.Fatal("prompt should carry the speaker roster")
	}
}

func TestBuildMappingCarriesNotesAndNarration(t *testing.T) {
	chars := []Character{{Name: "太郎", Gender: "男性", VoiceHint: "低い声"}}
	asg := []Assignment{{
		CharacterName: "太郎",
		SpeakerName:   "四国めたん",
		StyleID:       2,
		StyleName:     "ノーマル",
		Rationale:     "性格が合う",
	}}

	m := BuildMapping(asg, chars, "ナレーション", 3)

	if e, ok := m.Lookup("ナレーション"); !ok || e.StyleID != 3 {
		t.Fatalf("narration not seeded: %+v ok=%v", e, ok)
	}
	e, ok := m.Lookup("太郎")
	if !ok {
		t.Fatal("太郎 missing from mapping")
	}
	if e.StyleID != 2 || e.Speaker != "四国めたん" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.Notes["gender"] != "男性" || e.Notes["rationale"] != "性格が合う" {
		t.Fatalf("notes not carried: %+v", e.Notes)
	}

	// The produced file must load back through the resolver's loader.
	path := filepath.Join(t.TempDir(), "voice_assignments.yaml")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := voices.Load(path, "ナレーション", 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e, ok := reloaded.Lookup("太郎"); !ok || e.StyleID != 2 {
		t.Fatalf("reloaded entry wrong: %+v ok=%v", e, ok)
	}
}

func TestSampleTruncatesByRunes(t *testing.T) {
	text := strings.Repeat("あ", 10)
	if got := Sample(text, 4); got != "ああああ" {
		t.Fatalf("Sample = %q", got)
	}
	if got := Sample(text, 0); got != text {
		t.Fatalf("Sample with no limit should return input unchanged")
	}
}
