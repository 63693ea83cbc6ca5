// Package pipeline orchestrates one narration run: chunk the document, label
// each line with its speaker, resolve voices, synthesize audio in document
// order, and keep the ledger and artifacts current at every step so an
// interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	attr "github.com/kotovox/kotovox/internal/attribute"
	"github.com/kotovox/kotovox/internal/bus"
	"github.com/kotovox/kotovox/internal/casting"
	"github.com/kotovox/kotovox/internal/config"
	"github.com/kotovox/kotovox/internal/engine"
	"github.com/kotovox/kotovox/internal/ledger"
	"github.com/kotovox/kotovox/internal/llm"
	"github.com/kotovox/kotovox/internal/merger"
	"github.com/kotovox/kotovox/internal/text"
	"github.com/kotovox/kotovox/internal/voices"
)

const (
	audioDirName     = "audio"
	artifactsDirName = "artifacts"
	assignmentsName  = "assignments.jsonl"
	manifestName     = "manifest.json"
	mergedName       = "merged.wav"
)

// ErrInputMismatch means the output directory's ledger belongs to a
// different document than the one being processed.
var ErrInputMismatch = errors.New("ledger belongs to a different input")

// Failure describes one utterance that stayed failed after retries.
type Failure struct {
	LineSeq    int
	IntraIndex int
	Speaker    string
	Reason     string
}

// Summary is the outcome of a run a caller can turn into an exit code.
type Summary struct {
	RunID        string
	Total        int
	Synthesized  int
	Skipped      int
	Failed       int
	Failures     []Failure
	ManifestPath string
	OutputDir    string
}

// Runner wires the stages together. One Runner serves one process; each Run
// call owns its output directory for the duration via the lock file.
type Runner struct {
	cfg       config.Config
	completer llm.Completer
	engine    *engine.Client
	publisher *bus.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time

	synthOK     metric.Int64Counter
	synthFailed metric.Int64Counter
}

func New(cfg config.Config, completer llm.Completer, engineClient *engine.Client, publisher *bus.Publisher, logger *slog.Logger) *Runner {
	r := &Runner{
		cfg:       cfg,
		completer: completer,
		engine:    engineClient,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer("kotovox/pipeline"),
		clock:     time.Now,
	}
	meter := otel.Meter("kotovox/pipeline")
	var err error
	if r.synthOK, err = meter.Int64Counter("kotovox.utterances.synthesized"); err != nil {
		r.logger.Warn("metric init failed", slog.String("error", err.Error()))
	}
	if r.synthFailed, err = meter.Int64Counter("kotovox.utterances.failed"); err != nil {
		r.logger.Warn("metric init failed", slog.String("error", err.Error()))
	}
	return r
}

// Run executes the full pipeline for one document.
func (r *Runner) Run(ctx context.Context, inputPath string) (*Summary, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	doc, err := text.Load(inputPath)
	if err != nil {
		return nil, err
	}
	outDir, err := r.runDir(doc)
	if err != nil {
		return nil, err
	}
	release, err := acquireLock(outDir)
	if err != nil {
		return nil, err
	}
	defer release()

	store, err := ledger.Open(ctx, outDir, r.logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	speakers, err := r.engine.Speakers(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine preflight: %w", err)
	}
	version, err := r.engine.Version(ctx)
	if err != nil {
		r.logger.Warn("engine version unavailable", slog.String("error", err.Error()))
	}

	run := ledger.RunInfo{
		RunID:         uuid.NewString(),
		Title:         doc.Title,
		InputHash:     doc.Hash,
		EngineVersion: version,
	}

	records, err := r.ensureAttribution(ctx, store, doc, run)
	if err != nil {
		return nil, err
	}
	if err := store.BeginRun(ctx, run); err != nil {
		return nil, err
	}

	r.publisher.Publish(bus.Event{RunID: run.RunID, Stage: "run.start", Detail: doc.Title})

	mapping, err := voices.Load(r.cfg.Voices.MappingPath, r.cfg.Voices.NarrationLabel, r.cfg.Voices.NarrationStyle)
	if err != nil {
		return nil, err
	}
	records, err = r.applyMapping(records, mapping)
	if err != nil {
		return nil, err
	}
	if err := validateStyles(records, engine.StyleIDs(speakers)); err != nil {
		return nil, err
	}

	summary, err := r.synthesize(ctx, store, run, records, mapping, outDir)
	if err != nil {
		return nil, err
	}
	if err := r.finalize(ctx, store, run, summary, outDir); err != nil {
		return nil, err
	}

	r.publisher.Publish(bus.Event{RunID: run.RunID, Stage: "run.complete",
		Detail: fmt.Sprintf("synthesized=%d failed=%d", summary.Synthesized, summary.Failed)})
	return summary, nil
}

// Attribute runs attribution only: the ledger and the JSONL assignment log
// are written, no audio is produced.
func (r *Runner) Attribute(ctx context.Context, inputPath string) (*Summary, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.attribute")
	defer span.End()

	doc, err := text.Load(inputPath)
	if err != nil {
		return nil, err
	}
	outDir, err := r.runDir(doc)
	if err != nil {
		return nil, err
	}
	release, err := acquireLock(outDir)
	if err != nil {
		return nil, err
	}
	defer release()

	store, err := ledger.Open(ctx, outDir, r.logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	run := ledger.RunInfo{RunID: uuid.NewString(), Title: doc.Title, InputHash: doc.Hash}
	records, err := r.ensureAttribution(ctx, store, doc, run)
	if err != nil {
		return nil, err
	}
	if err := store.BeginRun(ctx, run); err != nil {
		return nil, err
	}
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if err := ledger.WriteAssignments(filepath.Join(outDir, artifactsDirName, assignmentsName), all); err != nil {
		return nil, err
	}
	return &Summary{RunID: run.RunID, Total: len(records), OutputDir: outDir}, nil
}

// Synthesize resumes synthesis over an existing ledger without re-running
// attribution. The document's run directory must already hold attribution
// records.
func (r *Runner) Synthesize(ctx context.Context, inputPath string) (*Summary, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()

	doc, err := text.Load(inputPath)
	if err != nil {
		return nil, err
	}
	outDir, err := r.runDir(doc)
	if err != nil {
		return nil, err
	}
	release, err := acquireLock(outDir)
	if err != nil {
		return nil, err
	}
	defer release()

	store, err := ledger.Open(ctx, outDir, r.logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("ledger holds no utterances, run attribution first")
	}
	last, ok, err := store.LastRun(ctx)
	if err != nil {
		return nil, err
	}
	if ok && last.InputHash != doc.Hash {
		return nil, fmt.Errorf("%w: ledger=%s input=%s", ErrInputMismatch, last.InputHash, doc.Hash)
	}

	speakers, err := r.engine.Speakers(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine preflight: %w", err)
	}
	version, err := r.engine.Version(ctx)
	if err != nil {
		r.logger.Warn("engine version unavailable", slog.String("error", err.Error()))
	}
	run := ledger.RunInfo{
		RunID:         uuid.NewString(),
		Title:         doc.Title,
		InputHash:     doc.Hash,
		EngineVersion: version,
	}
	if ok && run.Title == "" {
		run.Title = last.Title
	}
	if err := store.BeginRun(ctx, run); err != nil {
		return nil, err
	}

	mapping, err := voices.Load(r.cfg.Voices.MappingPath, r.cfg.Voices.NarrationLabel, r.cfg.Voices.NarrationStyle)
	if err != nil {
		return nil, err
	}
	records, err = r.applyMapping(records, mapping)
	if err != nil {
		return nil, err
	}
	if err := validateStyles(records, engine.StyleIDs(speakers)); err != nil {
		return nil, err
	}

	summary, err := r.synthesize(ctx, store, run, records, mapping, outDir)
	if err != nil {
		return nil, err
	}
	if err := r.finalize(ctx, store, run, summary, outDir); err != nil {
		return nil, err
	}
	return summary, nil
}

// Cast extracts the cast from the document and writes a proposed voice
// mapping file for later hand-editing.
func (r *Runner) Cast(ctx context.Context, inputPath string) error {
	ctx, span := r.tracer.Start(ctx, "pipeline.cast")
	defer span.End()

	doc, err := text.Load(inputPath)
	if err != nil {
		return err
	}
	director := casting.New(r.completer, r.cfg.LLM.MaxOutputTokens, r.logger)

	characters, err := director.ExtractCharacters(ctx, casting.Sample(doc.Text, 6000), 12)
	if err != nil {
		return err
	}
	if len(characters) == 0 {
		return errors.New("no characters extracted")
	}
	speakers, err := r.engine.Speakers(ctx)
	if err != nil {
		return fmt.Errorf("engine preflight: %w", err)
	}
	assignments, err := director.ProposeCast(ctx, characters, speakers)
	if err != nil {
		return err
	}

	m := casting.BuildMapping(assignments, characters, r.cfg.Voices.NarrationLabel, r.cfg.Voices.NarrationStyle)
	if err := m.Save(r.cfg.Voices.MappingPath); err != nil {
		return err
	}
	r.logger.Info("cast proposal written",
		slog.String("path", r.cfg.Voices.MappingPath),
		slog.Int("characters", len(assignments)))
	return nil
}

// Merge concatenates the synthesized audio of a prior run into one file.
func (r *Runner) Merge(ctx context.Context, inputPath string, allowGaps bool) (string, error) {
	_, span := r.tracer.Start(ctx, "pipeline.merge")
	defer span.End()

	doc, err := text.Load(inputPath)
	if err != nil {
		return "", err
	}
	outDir := filepath.Join(r.cfg.Output.Dir, doc.Slug())
	m, err := ledger.LoadManifest(filepath.Join(outDir, artifactsDirName, manifestName))
	if err != nil {
		return "", fmt.Errorf("load manifest: %w", err)
	}
	outPath := filepath.Join(outDir, mergedName)
	if err := merger.Merge(m, outDir, outPath, allowGaps, r.logger); err != nil {
		return "", err
	}
	return outPath, nil
}

// ensureAttribution returns the utterance records for doc. A prior ledger
// for the same input is reused as far as it goes: attribution resumes at
// the first chunk whose lines the ledger does not cover, so a run aborted
// mid-attribution never drops the tail of the document. A ledger for a
// different document is never overwritten.
func (r *Runner) ensureAttribution(ctx context.Context, store *ledger.Store, doc text.Document, run ledger.RunInfo) ([]ledger.Record, error) {
	prior, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		last, ok, err := store.LastRun(ctx)
		if err != nil {
			return nil, err
		}
		if ok && last.InputHash != doc.Hash {
			return nil, fmt.Errorf("%w: ledger=%s input=%s", ErrInputMismatch, last.InputHash, doc.Hash)
		}
	}

	chunks, err := text.Split(doc, r.cfg.Pipeline.ChunkChars)
	if err != nil {
		return nil, err
	}
	covered := make(map[int]bool, len(prior))
	for _, rec := range prior {
		covered[rec.LineSeq] = true
	}
	var missing []text.Chunk
	for _, chunk := range chunks {
		for _, line := range chunk.Lines {
			if !covered[line.Seq] {
				missing = append(missing, chunk)
				break
			}
		}
	}
	if len(missing) == 0 {
		if len(prior) > 0 {
			r.logger.Info("reusing prior attribution", slog.Int("utterances", len(prior)))
		}
		return prior, nil
	}
	if len(prior) > 0 {
		r.logger.Info("resuming attribution",
			slog.Int("covered_lines", len(covered)),
			slog.Int("chunks_remaining", len(missing)))
	}
	if err := r.attributeChunks(ctx, store, run, missing, len(chunks)); err != nil {
		return nil, err
	}
	return store.List(ctx)
}

func (r *Runner) attributeChunks(ctx context.Context, store *ledger.Store, run ledger.RunInfo, chunks []text.Chunk, total int) error {
	ctx, span := r.tracer.Start(ctx, "pipeline.attribution",
		trace.WithAttributes(attribute.Int("chunks", len(chunks))))
	defer span.End()

	mapping, err := voices.Load(r.cfg.Voices.MappingPath, r.cfg.Voices.NarrationLabel, r.cfg.Voices.NarrationStyle)
	if err != nil {
		return err
	}
	resolver := voices.NewResolver(mapping, r.cfg.Voices, r.logger)
	attributor := attr.New(r.completer, r.cfg.Voices.NarrationLabel,
		r.cfg.Pipeline.AttributionAttempts, r.cfg.LLM.MaxOutputTokens, r.cfg.LLM.Temperature, r.logger)

	for _, chunk := range chunks {
		utts, err := attributor.Attribute(ctx, chunk, mapping.Roster())
		if err != nil {
			return err
		}
		for _, u := range utts {
			styleID, err := resolver.Resolve(u.Speaker)
			if err != nil {
				return err
			}
			rec := ledger.Record{
				LineSeq:    u.LineSeq,
				IntraIndex: u.IntraIndex,
				Speaker:    u.Speaker,
				StyleID:    styleID,
				Text:       u.Text,
				Status:     ledger.StatusPending,
			}
			if err := store.Append(ctx, rec); err != nil {
				return err
			}
		}
		// Saved per chunk so the mapping file always reflects every style
		// id the ledger holds, even after an aborted run.
		if err := mapping.Save(r.cfg.Voices.MappingPath); err != nil {
			return fmt.Errorf("save voice mapping: %w", err)
		}
		r.publisher.Publish(bus.Event{RunID: run.RunID, Stage: "attribution",
			Detail: fmt.Sprintf("chunk %d/%d", chunk.Index, total)})
		r.logger.Info("chunk attributed",
			slog.Int("chunk", chunk.Index),
			slog.Int("utterances", len(utts)))
	}
	return nil
}

// runDir namespaces every artifact of one document under the configured
// base directory; the slug carries the content hash, so the same text always
// resumes into the same place and an edited text gets a fresh one.
func (r *Runner) runDir(doc text.Document) (string, error) {
	dir := filepath.Join(r.cfg.Output.Dir, doc.Slug())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// applyMapping re-resolves every record's speaker through the current
// mapping, so hand edits to the mapping file between runs take effect. A
// record whose style changed goes back to pending and is re-synthesized.
func (r *Runner) applyMapping(records []ledger.Record, mapping *voices.Mapping) ([]ledger.Record, error) {
	resolver := voices.NewResolver(mapping, r.cfg.Voices, r.logger)
	for i := range records {
		styleID, err := resolver.Resolve(records[i].Speaker)
		if err != nil {
			return nil, err
		}
		if styleID == records[i].StyleID {
			continue
		}
		r.logger.Info("voice changed, re-synthesizing",
			slog.String("speaker", records[i].Speaker),
			slog.Int("old_style", records[i].StyleID),
			slog.Int("new_style", styleID))
		records[i].StyleID = styleID
		records[i].Status = ledger.StatusPending
		records[i].AudioPath = ""
		records[i].Reason = ""
		records[i].DurationSec = 0
		records[i].ByteSize = 0
	}
	return records, nil
}

func validateStyles(records []ledger.Record, valid map[int]bool) error {
	for _, rec := range records {
		if !valid[rec.StyleID] {
			return fmt.Errorf("style %d (speaker %q) not offered by the engine", rec.StyleID, rec.Speaker)
		}
	}
	return nil
}

func (r *Runner) finalize(ctx context.Context, store *ledger.Store, run ledger.RunInfo, summary *Summary, outDir string) error {
	all, err := store.List(ctx)
	if err != nil {
		return err
	}
	artifactsDir := filepath.Join(outDir, artifactsDirName)
	if err := ledger.WriteAssignments(filepath.Join(artifactsDir, assignmentsName), all); err != nil {
		return err
	}
	manifestPath := filepath.Join(artifactsDir, manifestName)
	manifest := ledger.BuildManifest(run, all, r.clock().UTC())
	if err := ledger.WriteManifest(manifestPath, manifest); err != nil {
		return err
	}
	summary.ManifestPath = manifestPath
	summary.OutputDir = outDir
	return nil
}

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}_\-]+`)

// audioFileName keeps lexicographic order equal to document order. The pad
// widths bound that guarantee at a million lines and a hundred segments per
// line, far beyond any real document.
func audioFileName(rec ledger.Record) string {
	name := unsafeFileChars.ReplaceAllString(rec.Speaker, "_")
	return fmt.Sprintf("%06d_%02d_%s.wav", rec.LineSeq, rec.IntraIndex, name)
}
