package text

import (
	"errors"
	"strings"
	"testing"

	"github.com/kotovox/kotovox/internal/config"
)

func TestSplitSentencesJapanese(t *testing.T) {
	got := SplitSentences("吾輩は猫である。「そうだ」と彼は言った。")
	want := []string{"吾輩は猫である。", "「そうだ」と彼は言った。"}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSplitSentencesKeepsClosingBracket(t *testing.T) {
	got := SplitSentences("「行くぞ！」太郎は走り出した。")
	if len(got) != 2 {
		t.Fatalf("expected 2 sentences, got %v", got)
	}
	if got[0] != "「行くぞ！」" {
		t.Fatalf("expected closing bracket attached, got %q", got[0])
	}
}

func TestSplitSentencesEllipsisAndTail(t *testing.T) {
	got := SplitSentences("それは…まさか。終わりのない文")
	if len(got) != 3 {
		t.Fatalf("expected 3 segments, got %v", got)
	}
	if got[2] != "終わりのない文" {
		t.Fatalf("expected unterminated tail kept, got %q", got[2])
	}
}

func TestSplitLossless(t *testing.T) {
	doc := Document{Title: "t", Text: "一文目。二文目！三文目？\n四文目。五文目である。"}
	chunks, err := Split(doc, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var joined strings.Builder
	seq := 0
	for i, c := range chunks {
		if c.Index != i+1 {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		for _, l := range c.Lines {
			seq++
			if l.Seq != seq {
				t.Fatalf("expected global seq %d, got %d", seq, l.Seq)
			}
			joined.WriteString(l.Text)
		}
	}

	var whole strings.Builder
	for _, s := range SplitSentences(doc.Text) {
		whole.WriteString(s)
	}
	if joined.String() != whole.String() {
		t.Fatalf("chunking lost content:\n%q\n%q", joined.String(), whole.String())
	}
}

func TestSplitOversizedLine(t *testing.T) {
	long := strings.Repeat("あ", 50) + "。"
	doc := Document{Title: "t", Text: "短い。" + long + "次。"}
	chunks, err := Split(doc, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, c := range chunks {
		for _, l := range c.Lines {
			if l.Text == long {
				found = true
				if len(c.Lines) != 1 {
					t.Fatalf("oversized line should be its own chunk, got %d lines", len(c.Lines))
				}
			}
		}
	}
	if !found {
		t.Fatal("oversized line missing from chunks")
	}
}

func TestSplitDeterministic(t *testing.T) {
	doc := Document{Title: "t", Text: "一。二。三。四。五。六。七。八。"}
	a, err := Split(doc, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Split(doc, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Text() != b[i].Text() {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitRejectsBadBudget(t *testing.T) {
	_, err := Split(Document{Text: "x"}, 0)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected config.ErrInvalid, got %v", err)
	}
}
