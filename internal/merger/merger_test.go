package merger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/kotovox/kotovox/internal/ledger"
)

const testRate = 24000

func writeTestWav(t *testing.T, path string, samples int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: testRate, NumChannels: 1},
		SourceBitDepth: 16,
		Data:           make([]int, samples),
	}
	for i := range buf.Data {
		buf.Data[i] = (i % 64) * 100
	}
	enc := wav.NewEncoder(f, testRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
}

func readSampleCount(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return len(buf.Data)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMergeConcatenatesInOrder(t *testing.T) {
	dir := t.TempDir()
	writeTestWav(t, filepath.Join(dir, "audio", "0001_00_narration.wav"), 240)
	writeTestWav(t, filepath.Join(dir, "audio", "0002_00_taro.wav"), 480)

	m := ledger.Manifest{Entries: []ledger.ManifestEntry{
		{LineSeq: 1, IntraIndex: 0, File: "audio/0001_00_narration.wav", Status: ledger.StatusSynthesized},
		{LineSeq: 2, IntraIndex: 0, File: "audio/0002_00_taro.wav", Status: ledger.StatusSynthesized},
	}}

	out := filepath.Join(dir, "merged.wav")
	if err := Merge(m, dir, out, false, testLogger()); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := readSampleCount(t, out); got != 720 {
		t.Fatalf("merged sample count = %d, want 720", got)
	}
}

func TestMergeRejectsGapsByDefault(t *testing.T) {
	dir := t.TempDir()
	writeTestWav(t, filepath.Join(dir, "audio", "0001_00_narration.wav"), 240)

	m := ledger.Manifest{Entries: []ledger.ManifestEntry{
		{LineSeq: 1, IntraIndex: 0, File: "audio/0001_00_narration.wav", Status: ledger.StatusSynthesized},
		{LineSeq: 2, IntraIndex: 0, File: "audio/0002_00_taro.wav", Status: ledger.StatusFailed},
	}}

	err := Merge(m, dir, filepath.Join(dir, "merged.wav"), false, testLogger())
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("err = %v, want ErrSequenceGap", err)
	}
}

func TestMergeAllowGapsSkipsFailed(t *testing.T) {
	dir := t.TempDir()
	writeTestWav(t, filepath.Join(dir, "audio", "0001_00_narration.wav"), 240)
	writeTestWav(t, filepath.Join(dir, "audio", "0003_00_jiro.wav"), 120)

	m := ledger.Manifest{Entries: []ledger.ManifestEntry{
		{LineSeq: 1, IntraIndex: 0, File: "audio/0001_00_narration.wav", Status: ledger.StatusSynthesized},
		{LineSeq: 2, IntraIndex: 0, File: "audio/0002_00_taro.wav", Status: ledger.StatusFailed},
		{LineSeq: 3, IntraIndex: 0, File: "audio/0003_00_jiro.wav", Status: ledger.StatusSynthesized},
	}}

	out := filepath.Join(dir, "merged.wav")
	if err := Merge(m, dir, out, true, testLogger()); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := readSampleCount(t, out); got != 360 {
		t.Fatalf("merged sample count = %d, want 360", got)
	}
}

func TestMergeMissingFile(t *testing.T) {
	dir := t.TempDir()
	m := ledger.Manifest{Entries: []ledger.ManifestEntry{
		{LineSeq: 1, IntraIndex: 0, File: "audio/0001_00_narration.wav", Status: ledger.StatusSynthesized},
	}}
	err := Merge(m, dir, filepath.Join(dir, "merged.wav"), false, testLogger())
	if !errors.Is(err, ErrMissingAudio) {
		t.Fatalf("err = %v, want ErrMissingAudio", err)
	}
}

func TestMergeNothingToMerge(t *testing.T) {
	dir := t.TempDir()
	m := ledger.Manifest{Entries: []ledger.ManifestEntry{
		{LineSeq: 1, IntraIndex: 0, File: "audio/0001_00_narration.wav", Status: ledger.StatusFailed},
	}}
	err := Merge(m, dir, filepath.Join(dir, "merged.wav"), true, testLogger())
	if !errors.Is(err, ErrNothingToMerge) {
		t.Fatalf("err = %v, want ErrNothingToMerge", err)
	}
}

func TestDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.wav")
	writeTestWav(t, path, testRate/2)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	d, err := Duration(data)
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	sec := d.Seconds()
	if sec < 0.49 || sec > 0.51 {
		t.Fatalf("duration = %v, want ~0.5s", d)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	if _, err := Duration([]byte("not a wav")); err == nil {
		t.Fatal("expected error for non-wav data")
	}
}
