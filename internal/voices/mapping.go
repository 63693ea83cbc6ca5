package voices

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry binds one character name to an engine style id, plus optional
// per-character prosody overrides layered over the file defaults.
type Entry struct {
	Name      string             `yaml:"name"`
	StyleID   int                `yaml:"style_id"`
	Speaker   string             `yaml:"engine_speaker,omitempty"`
	Notes     map[string]string  `yaml:"notes,omitempty"`
	Overrides map[string]float64 `yaml:"overrides,omitempty"`
}

type mappingFile struct {
	NarrationLabel string             `yaml:"narration_label,omitempty"`
	Defaults       map[string]float64 `yaml:"defaults,omitempty"`
	Characters     []Entry            `yaml:"characters"`
}

// Mapping holds the character → style assignments for a run. It is loaded
// from any prior run's file before processing begins and only extended,
// never reset, unless the caller asks for a fresh one. The file form is
// meant to be hand-edited between runs.
type Mapping struct {
	NarrationLabel string
	NarrationStyle int
	Defaults       map[string]float64

	entries map[string]Entry
	order   []string
}

// NewMapping returns a fresh mapping with narration pre-seeded, so narration
// is always voiced even if the attributor never labels it explicitly.
func NewMapping(narrationLabel string, narrationStyle int) *Mapping {
	m := &Mapping{
		NarrationLabel: narrationLabel,
		NarrationStyle: narrationStyle,
		Defaults:       map[string]float64{},
		entries:        map[string]Entry{},
	}
	m.put(Entry{Name: narrationLabel, StyleID: narrationStyle})
	return m
}

// Load reads a mapping file. A missing file yields a fresh mapping.
func Load(path, narrationLabel string, narrationStyle int) (*Mapping, error) {
	m := NewMapping(narrationLabel, narrationStyle)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read voice mapping: %w", err)
	}
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse voice mapping: %w", err)
	}
	if f.NarrationLabel != "" {
		m.NarrationLabel = f.NarrationLabel
	}
	if len(f.Defaults) > 0 {
		m.Defaults = f.Defaults
	}
	for _, e := range f.Characters {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		if Normalize(e.Name) == Normalize(m.NarrationLabel) {
			m.NarrationStyle = e.StyleID
		}
		m.put(e)
	}
	return m, nil
}

// Save writes the mapping in assignment order, creating parent directories.
func (m *Mapping) Save(path string) error {
	f := mappingFile{
		NarrationLabel: m.NarrationLabel,
		Defaults:       m.Defaults,
	}
	for _, key := range m.order {
		f.Characters = append(f.Characters, m.entries[key])
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mapping dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Mapping) put(e Entry) {
	key := Normalize(e.Name)
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = e
}

// Lookup finds an entry by any spelling of its name.
func (m *Mapping) Lookup(label string) (Entry, bool) {
	e, ok := m.entries[Normalize(label)]
	return e, ok
}

// Add registers a new character assignment under its display name.
func (m *Mapping) Add(name string, styleID int) {
	m.put(Entry{Name: strings.TrimSpace(name), StyleID: styleID})
}

// AddEntry registers a full entry, notes and overrides included.
func (m *Mapping) AddEntry(e Entry) {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return
	}
	m.put(e)
}

// UsedStyles returns every style id currently assigned, narration included.
func (m *Mapping) UsedStyles() map[int]bool {
	used := map[int]bool{m.NarrationStyle: true}
	for _, e := range m.entries {
		used[e.StyleID] = true
	}
	return used
}

// Roster lists character display names in assignment order, narration
// excluded. The attributor feeds this back into its prompt so the model
// reuses known names instead of inventing synonyms.
func (m *Mapping) Roster() []string {
	narration := Normalize(m.NarrationLabel)
	var names []string
	for _, key := range m.order {
		if key == narration {
			continue
		}
		names = append(names, m.entries[key].Name)
	}
	return names
}

// OverridesFor merges file defaults with a character's own overrides.
func (m *Mapping) OverridesFor(label string) map[string]float64 {
	merged := map[string]float64{}
	for k, v := range m.Defaults {
		merged[k] = v
	}
	if e, ok := m.Lookup(label); ok {
		for k, v := range e.Overrides {
			merged[k] = v
		}
	}
	return merged
}

var (
	collapseWS = regexp.MustCompile(`\s+`)
	stripChars = regexp.MustCompile(`[\s\-_,.()\[\]{}'"/\\]`)
)

// Normalize folds a speaker name for fuzzy matching: ideographic spaces
// become plain spaces, runs collapse, case folds, and name punctuation is
// stripped.
func Normalize(name string) string {
	s := strings.TrimSpace(name)
	s = strings.ReplaceAll(s, "　", " ")
	s = collapseWS.ReplaceAllString(s, " ")
	s = strings.ToLower(s)
	return stripChars.ReplaceAllString(s, "")
}
