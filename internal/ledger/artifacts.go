package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AssignmentLine is the JSONL form of a record, one object per line, written
// for manual inspection and for attribution-only runs.
type AssignmentLine struct {
	LineSeq    int    `json:"line_seq"`
	IntraIndex int    `json:"intra_index"`
	Type       string `json:"type,omitempty"`
	Speaker    string `json:"speaker_name"`
	StyleID    int    `json:"style_id"`
	Text       string `json:"text"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// ManifestEntry ties one utterance to its audio file.
type ManifestEntry struct {
	LineSeq     int     `json:"line_seq"`
	IntraIndex  int     `json:"intra_index"`
	File        string  `json:"file,omitempty"`
	Speaker     string  `json:"speaker_name"`
	StyleID     int     `json:"style_id"`
	Text        string  `json:"text"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	ByteSize    int64   `json:"byte_size,omitempty"`
}

// Manifest is the consolidated, ordered record of a whole run.
type Manifest struct {
	Title            string          `json:"title"`
	RunID            string          `json:"run_id"`
	InputHash        string          `json:"input_hash"`
	EngineVersion    string          `json:"engine_version,omitempty"`
	GeneratedAt      time.Time       `json:"generated_at"`
	TotalDurationSec float64         `json:"total_duration_sec"`
	Entries          []ManifestEntry `json:"entries"`
}

// WriteAssignments writes the JSONL assignment log.
func WriteAssignments(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		line := AssignmentLine{
			LineSeq:    rec.LineSeq,
			IntraIndex: rec.IntraIndex,
			Speaker:    rec.Speaker,
			StyleID:    rec.StyleID,
			Text:       rec.Text,
			Status:     rec.Status,
			Reason:     rec.Reason,
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return w.Flush()
}

// BuildManifest folds records and run metadata into a manifest.
func BuildManifest(run RunInfo, records []Record, generatedAt time.Time) Manifest {
	m := Manifest{
		Title:         run.Title,
		RunID:         run.RunID,
		InputHash:     run.InputHash,
		EngineVersion: run.EngineVersion,
		GeneratedAt:   generatedAt.UTC(),
	}
	for _, rec := range records {
		m.Entries = append(m.Entries, ManifestEntry{
			LineSeq:     rec.LineSeq,
			IntraIndex:  rec.IntraIndex,
			File:        rec.AudioPath,
			Speaker:     rec.Speaker,
			StyleID:     rec.StyleID,
			Text:        rec.Text,
			Status:      rec.Status,
			Reason:      rec.Reason,
			DurationSec: rec.DurationSec,
			ByteSize:    rec.ByteSize,
		})
		if rec.Status == StatusSynthesized {
			m.TotalDurationSec += rec.DurationSec
		}
	}
	return m
}

// WriteManifest persists the manifest as indented JSON.
func WriteManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LoadManifest reads a manifest written by WriteManifest.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
