package attribute

import (
	"fmt"
	"strings"

	"github.com/kotovox/kotovox/internal/text"
)

const systemPrompt = "あなたは小説の発話割り当てを行うアシスタントです。" +
	"会話は文脈から最も妥当な話者を選び、地の文はナレーションとします。" +
	"出力は厳密にJSON Linesのみとし、説明文やコードブロックを含めないでください。"

// buildPrompt lays out the chunk's lines with their chunk-local indices, the
// known character roster, and the reserved narration label. The schema asks
// for one or more segments per line so mixed narration/dialogue lines can be
// split.
func buildPrompt(chunk text.Chunk, roster []string, narration string) string {
	var b strings.Builder

	b.WriteString("以下の小説テキストの各行を発話単位に分割し、担当する話者を推定してください。\n\n")
	b.WriteString("要件:\n")
	b.WriteString("- 出力形式は JSON Lines（1行に厳密なJSONオブジェクト）です。\n")
	b.WriteString(`- 各行のスキーマ: {"line": 行番号, "type": "dialogue"|"narration", "speaker_name": string, "text": string}` + "\n")
	b.WriteString("- 入力のすべての行番号について、1つ以上のオブジェクトを出力してください。\n")
	b.WriteString("- 1つの行が地の文と会話を含む場合は、原文の順に複数オブジェクトへ分割し、text を連結すると元の行に一致するようにしてください。\n")
	fmt.Fprintf(&b, "- 地の文・情景描写・話者不明の文は type=\"narration\" とし、speaker_name は %q を指定してください。\n", narration)
	if len(roster) > 0 {
		fmt.Fprintf(&b, "- 話者名はできる限り既知キャラクターから選んでください: %s\n", strings.Join(roster, ", "))
	}
	b.WriteString("\n[TEXT]\n")
	first := chunk.Lines[0].Seq
	for _, line := range chunk.Lines {
		fmt.Fprintf(&b, "%d: %s\n", line.Seq-first+1, line.Text)
	}
	b.WriteString("\n[INSTRUCTIONS]\n上記テキストを JSON Lines で出力してください。\n")
	return b.String()
}
