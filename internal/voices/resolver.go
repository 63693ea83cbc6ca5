package voices

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kotovox/kotovox/internal/config"
)

// ErrPoolExhausted is returned only when on_pool_exhausted is "fail".
var ErrPoolExhausted = errors.New("voice pool exhausted")

// Resolver assigns style ids to speaker labels. Known labels always resolve
// to their prior assignment; new labels consume the next unused style from
// the pool in configured order, so two runs over the same document with the
// same mapping produce identical assignments.
type Resolver struct {
	mapping     *Mapping
	pool        []int
	onExhausted string
	roundRobin  int
	logger      *slog.Logger
}

func NewResolver(mapping *Mapping, cfg config.VoicesConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		mapping:     mapping,
		pool:        cfg.Pool,
		onExhausted: cfg.OnPoolExhausted,
		logger:      logger.With(slog.String("component", "voice-resolver")),
	}
}

// Mapping exposes the underlying mapping for persistence.
func (r *Resolver) Mapping() *Mapping { return r.mapping }

// Resolve returns the style id for a speaker label, assigning one if the
// label is new. The reserved narration label always resolves to its seeded
// style regardless of pool state.
func (r *Resolver) Resolve(label string) (int, error) {
	norm := Normalize(label)
	if norm == "" || norm == Normalize(r.mapping.NarrationLabel) {
		return r.mapping.NarrationStyle, nil
	}
	if e, ok := r.mapping.Lookup(label); ok {
		return e.StyleID, nil
	}

	used := r.mapping.UsedStyles()
	for _, id := range r.pool {
		if used[id] {
			continue
		}
		r.mapping.Add(label, id)
		r.logger.Info("assigned voice",
			slog.String("speaker", label),
			slog.Int("style_id", id))
		return id, nil
	}

	if r.onExhausted == "fail" {
		return 0, fmt.Errorf("%w: no style left for %q", ErrPoolExhausted, label)
	}

	// Graceful degradation: cycle the pool from the start. Voices become
	// indistinct but no text goes unvoiced.
	id := r.pool[r.roundRobin%len(r.pool)]
	r.roundRobin++
	r.mapping.Add(label, id)
	r.logger.Warn("voice pool exhausted, reusing style",
		slog.String("speaker", label),
		slog.Int("style_id", id))
	return id, nil
}
