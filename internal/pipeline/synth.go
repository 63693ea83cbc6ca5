package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kotovox/kotovox/internal/bus"
	"github.com/kotovox/kotovox/internal/engine"
	"github.com/kotovox/kotovox/internal/ledger"
	"github.com/kotovox/kotovox/internal/merger"
	"github.com/kotovox/kotovox/internal/voices"
)

// synthesize voices every record that still needs audio, in document order.
// Individual failures are recorded and skipped over; only infrastructure
// problems (ledger writes, context cancellation) abort the run.
func (r *Runner) synthesize(ctx context.Context, store *ledger.Store, run ledger.RunInfo, records []ledger.Record, mapping *voices.Mapping, outDir string) (*Summary, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.synthesis",
		trace.WithAttributes(attribute.Int("utterances", len(records))))
	defer span.End()

	audioDir := filepath.Join(outDir, audioDirName)
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}

	summary := &Summary{RunID: run.RunID, Total: len(records)}

	var todo []ledger.Record
	for _, rec := range records {
		if rec.Status == ledger.StatusSynthesized && audioExists(outDir, rec) {
			summary.Skipped++
			continue
		}
		todo = append(todo, rec)
	}
	if summary.Skipped > 0 {
		r.logger.Info("resuming synthesis",
			slog.Int("already_done", summary.Skipped),
			slog.Int("remaining", len(todo)))
	}

	concurrency := r.cfg.Pipeline.SynthesisConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	if concurrency == 1 {
		for _, rec := range todo {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out := r.synthesizeOne(ctx, rec, mapping, audioDir)
			if err := r.recordOutcome(ctx, store, run, summary, out); err != nil {
				return nil, err
			}
			r.pace(ctx)
		}
		return summary, nil
	}

	if err := r.synthesizeParallel(ctx, store, run, summary, todo, mapping, audioDir, concurrency); err != nil {
		return nil, err
	}
	return summary, nil
}

// recordOutcome persists one outcome the moment it is known. The ledger
// write deliberately outlives cancellation: the audio is already on disk,
// and losing the row would force a pointless re-synthesis on resume.
func (r *Runner) recordOutcome(ctx context.Context, store *ledger.Store, run ledger.RunInfo, summary *Summary, rec ledger.Record) error {
	if err := store.Append(context.WithoutCancel(ctx), rec); err != nil {
		return err
	}
	ev := bus.Event{
		RunID:      run.RunID,
		Stage:      "synthesis",
		LineSeq:    rec.LineSeq,
		IntraIndex: rec.IntraIndex,
		Speaker:    rec.Speaker,
	}
	if rec.Status == ledger.StatusSynthesized {
		summary.Synthesized++
		if r.synthOK != nil {
			r.synthOK.Add(ctx, 1)
		}
	} else {
		summary.Failed++
		summary.Failures = append(summary.Failures, Failure{
			LineSeq:    rec.LineSeq,
			IntraIndex: rec.IntraIndex,
			Speaker:    rec.Speaker,
			Reason:     rec.Reason,
		})
		ev.Detail = rec.Reason
		if r.synthFailed != nil {
			r.synthFailed.Add(ctx, 1)
		}
	}
	r.publisher.Publish(ev)
	return nil
}

// synthesizeOne voices a single record and returns it with its outcome
// filled in. Transient engine errors are retried with backoff; anything
// else fails the utterance immediately.
func (r *Runner) synthesizeOne(ctx context.Context, rec ledger.Record, mapping *voices.Mapping, audioDir string) ledger.Record {
	overrides := mapping.OverridesFor(rec.Speaker)

	operation := func() ([]byte, error) {
		query, err := r.engine.BuildQuery(ctx, rec.Text, rec.StyleID)
		if err != nil {
			if !engine.Transient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		query = engine.ApplyOverrides(query, overrides)
		data, err := r.engine.Synthesize(ctx, query, rec.StyleID)
		if err != nil {
			if !engine.Transient(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return data, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	attempts := r.cfg.Pipeline.SynthesisAttempts
	if attempts < 1 {
		attempts = 1
	}
	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		r.logger.Error("synthesis failed",
			slog.Int("line_seq", rec.LineSeq),
			slog.Int("intra_index", rec.IntraIndex),
			slog.String("speaker", rec.Speaker),
			slog.String("error", err.Error()))
		rec.Status = ledger.StatusFailed
		rec.Reason = err.Error()
		return rec
	}

	name := audioFileName(rec)
	path := filepath.Join(audioDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		rec.Status = ledger.StatusFailed
		rec.Reason = fmt.Sprintf("write audio: %v", err)
		return rec
	}

	rec.Status = ledger.StatusSynthesized
	rec.Reason = ""
	rec.AudioPath = filepath.Join(audioDirName, name)
	rec.ByteSize = int64(len(data))
	if d, err := merger.Duration(data); err == nil {
		rec.DurationSec = d.Seconds()
	} else {
		r.logger.Warn("could not read audio duration",
			slog.String("file", name),
			slog.String("error", err.Error()))
	}

	r.logger.Info("utterance synthesized",
		slog.Int("line_seq", rec.LineSeq),
		slog.Int("intra_index", rec.IntraIndex),
		slog.String("speaker", rec.Speaker),
		slog.String("file", name))
	return rec
}

// synthesizeParallel fans todo out over a bounded worker pool. Each outcome
// is persisted as soon as every lower-ordered outcome is in, so the ledger
// fills in document order and an interrupted run keeps its finished work.
func (r *Runner) synthesizeParallel(ctx context.Context, store *ledger.Store, run ledger.RunInfo, summary *Summary, todo []ledger.Record, mapping *voices.Mapping, audioDir string, workers int) error {
	type job struct {
		idx int
		rec ledger.Record
	}
	jobs := make(chan job)
	done := make(chan job)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				done <- job{idx: j.idx, rec: r.synthesizeOne(ctx, j.rec, mapping, audioDir)}
				r.pace(ctx)
			}
		}()
	}
	go func() {
	feed:
		for i, rec := range todo {
			select {
			case jobs <- job{idx: i, rec: rec}:
			case <-ctx.Done():
				break feed
			}
		}
		close(jobs)
		wg.Wait()
		close(done)
	}()

	// Fed jobs form a strict prefix of todo and each produces exactly one
	// outcome, so flushing contiguously from next drains everything.
	next := 0
	buffered := make(map[int]ledger.Record, workers)
	var firstErr error
	for out := range done {
		buffered[out.idx] = out.rec
		for {
			rec, ok := buffered[next]
			if !ok {
				break
			}
			delete(buffered, next)
			next++
			if firstErr == nil {
				firstErr = r.recordOutcome(ctx, store, run, summary, rec)
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (r *Runner) pace(ctx context.Context) {
	if r.cfg.Pipeline.PacingMS <= 0 {
		return
	}
	select {
	case <-time.After(time.Duration(r.cfg.Pipeline.PacingMS) * time.Millisecond):
	case <-ctx.Done():
	}
}

func audioExists(outDir string, rec ledger.Record) bool {
	if rec.AudioPath == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(outDir, rec.AudioPath))
	return err == nil
}
