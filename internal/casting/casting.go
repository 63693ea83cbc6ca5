// Package casting proposes a character to voice mapping for a document: the
// model first extracts the cast from a text sample, then matches each
// character against the engine's speaker roster. The result is the same
// mapping file the resolver consumes, so a cast run is just a head start on
// hand-curated assignments.
package casting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kotovox/kotovox/internal/engine"
	"github.com/kotovox/kotovox/internal/llm"
	"github.com/kotovox/kotovox/internal/voices"
)

// Character is one extracted cast member with whatever hints the model could
// glean. Hints ride along into the matching prompt.
type Character struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Role        string   `json:"role,omitempty"`
	Gender      string   `json:"gender,omitempty"`
	AgeHint     string   `json:"age_hint,omitempty"`
	Personality string   `json:"personality,omitempty"`
	VoiceHint   string   `json:"voice_hint,omitempty"`
}

// Assignment pairs one character with a chosen engine style.
type Assignment struct {
	CharacterName string `json:"character_name"`
	SpeakerName   string `json:"speaker_name"`
	StyleID       int    `json:"style_id"`
	StyleName     string `json:"style_name,omitempty"`
	Rationale     string `json:"rationale,omitempty"`
}

// Director drives the two LLM conversations of a cast run.
type Director struct {
	completer llm.Completer
	maxTokens int
	logger    *slog.Logger
}

func New(completer llm.Completer, maxTokens int, logger *slog.Logger) *Director {
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return &Director{
		completer: completer,
		maxTokens: maxTokens,
		logger:    logger.With(slog.String("component", "casting")),
	}
}

const extractSystem = "あなたは小説の登場人物を分析してJSONのみを返すアシスタントです。" +
	"必ず有効なJSON配列だけを出力し、説明文は書かないでください。"

// ExtractCharacters asks the model for up to limit cast members from sample.
func (d *Director) ExtractCharacters(ctx context.Context, sample string, limit int) ([]Character, error) {
	if limit <= 0 {
		limit = 12
	}
	var b strings.Builder
	fmt.Fprintf(&b, "以下の本文を読み、重要な登場人物を最大%d名抽出してください。\n", limit)
	b.WriteString("各要素は次のキーを持つオブジェクトです:\n")
	b.WriteString("- name: キャラクター名（不明なら短い呼び名を仮に付ける）\n")
	b.WriteString("- aliases: 代表的な呼び名の配列（無ければ空配列）\n")
	b.WriteString("- role: 主人公/ヒロイン/敵役/家族/友人などの位置づけ\n")
	b.WriteString("- gender: 男性/女性/不明 など\n")
	b.WriteString("- age_hint: 年齢や年代の推定\n")
	b.WriteString("- personality: 性格の要約\n")
	b.WriteString("- voice_hint: 声質や話し方のヒント\n")
	b.WriteString("JSON配列のみを返してください。本文:\n\n")
	b.WriteString(sample)
	b.WriteString("\n")

	raw, err := d.completer.Complete(ctx, llm.Request{
		System:    extractSystem,
		Prompt:    b.String(),
		MaxTokens: d.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extract characters: %w", err)
	}

	var parsed []Character
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("decode character extraction: %w", err)
	}

	var out []Character
	for _, c := range parsed {
		c.Name = normalizeWS(c.Name)
		if c.Name == "" {
			continue
		}
		c.Role = normalizeWS(c.Role)
		c.Gender = normalizeWS(c.Gender)
		c.AgeHint = normalizeWS(c.AgeHint)
		c.Personality = normalizeWS(c.Personality)
		c.VoiceHint = normalizeWS(c.VoiceHint)
		out = append(out, c)
	}
	d.logger.Info("extracted characters", slog.Int("count", len(out)))
	return out, nil
}

const matchSystem = "あなたは小説キャラクターに対して、適切な話者とスタイルを割り当てるアシスタントです。" +
	"出力は必ずJSON配列のみ。説明文は禁止です。"

// ProposeCast asks the model to pick a style for each character from the
// engine's speaker list. Assignments naming unknown style ids are dropped.
func (d *Director) ProposeCast(ctx context.Context, characters []Character, speakers []engine.Speaker) ([]Assignment, error) {
	charPayload, err := json.MarshalIndent(characters, "", "  ")
	if err != nil {
		return nil, err
	}
	type stylePayload struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	type speakerPayload struct {
		Name   string         `json:"name"`
		Styles []stylePayload `json:"styles"`
	}
	var sps []speakerPayload
	for _, sp := range speakers {
		p := speakerPayload{Name: sp.Name}
		for _, st := range sp.Styles {
			p.Styles = append(p.Styles, stylePayload{ID: st.ID, Name: st.Name})
		}
		sps = append(sps, p)
	}
	spJSON, err := json.MarshalIndent(sps, "", "  ")
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("以下の小説キャラクターと話者リストを基に、各キャラクターに最も合う話者とスタイルを割り当ててください。\n")
	b.WriteString("出力JSON配列の各要素は次のキーを持ちます:\n")
	b.WriteString("- character_name: キャラクター名\n")
	b.WriteString("- speaker_name: 選んだ話者名\n")
	b.WriteString("- style_id: 整数の style_id\n")
	b.WriteString("- style_name: スタイル名\n")
	b.WriteString("- rationale: 判断理由の短文\n")
	b.WriteString("可能なら性格・年齢・性別の一致を重視してください。\n")
	b.WriteString("キャラクター一覧:\n")
	b.Write(charPayload)
	b.WriteString("\n話者一覧:\n")
	b.Write(spJSON)
	b.WriteString("\nJSON配列のみを返してください。")

	raw, err := d.completer.Complete(ctx, llm.Request{
		System:    matchSystem,
		Prompt:    b.String(),
		MaxTokens: d.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("propose cast: %w", err)
	}

	var parsed []Assignment
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("decode cast proposal: %w", err)
	}

	valid := engine.StyleIDs(speakers)
	var out []Assignment
	for _, a := range parsed {
		a.CharacterName = normalizeWS(a.CharacterName)
		if a.CharacterName == "" {
			continue
		}
		if !valid[a.StyleID] {
			d.logger.Warn("dropping assignment with unknown style",
				slog.String("character", a.CharacterName),
				slog.Int("style_id", a.StyleID))
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// BuildMapping folds proposals into a mapping file ready for a full run,
// narration pre-seeded as always. Character hints land in the entry notes so
// a human reviewing the YAML sees why each voice was picked.
func BuildMapping(assignments []Assignment, characters []Character, narrationLabel string, narrationStyle int) *voices.Mapping {
	byName := make(map[string]Character, len(characters))
	for _, c := range characters {
		byName[voices.Normalize(c.Name)] = c
	}

	m := voices.NewMapping(narrationLabel, narrationStyle)
	for _, a := range assignments {
		e := voices.Entry{
			Name:    a.CharacterName,
			StyleID: a.StyleID,
			Speaker: a.SpeakerName,
		}
		notes := map[string]string{}
		if a.StyleName != "" {
			notes["style_name"] = a.StyleName
		}
		if a.Rationale != "" {
			notes["rationale"] = a.Rationale
		}
		if c, ok := byName[voices.Normalize(a.CharacterName)]; ok {
			if c.Role != "" {
				notes["role"] = c.Role
			}
			if c.Gender != "" {
				notes["gender"] = c.Gender
			}
			if c.VoiceHint != "" {
				notes["voice_hint"] = c.VoiceHint
			}
		}
		if len(notes) > 0 {
			e.Notes = notes
		}
		m.AddEntry(e)
	}
	return m
}

var fenceOpen = regexp.MustCompile("^```[a-zA-Z]*")

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = fenceOpen.ReplaceAllString(s, "")
		s = strings.TrimRight(s, "`")
		s = strings.TrimSpace(s)
	}
	return s
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// Sample truncates a document for the extraction prompt so oversized inputs
// do not blow the context window.
func Sample(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
