package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kotovox/kotovox/internal/config"
)

// Style is one selectable voice of an engine speaker.
type Style struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Speaker groups the styles the engine exposes under one voice.
type Speaker struct {
	Name        string  `json:"name"`
	SpeakerUUID string  `json:"speaker_uuid"`
	Styles      []Style `json:"styles"`
}

// AudioQuery is the engine's synthesis parameter payload. It is kept opaque
// so unknown engine fields survive the query → synthesis round trip; only
// the documented prosody knobs are ever overridden.
type AudioQuery map[string]any

var overridableKeys = []string{
	"speedScale",
	"pitchScale",
	"intonationScale",
	"volumeScale",
	"prePhonemeLength",
	"postPhonemeLength",
}

// ApplyOverrides overlays prosody overrides onto a copy of the query.
func ApplyOverrides(q AudioQuery, overrides map[string]float64) AudioQuery {
	out := make(AudioQuery, len(q))
	for k, v := range q {
		out[k] = v
	}
	for _, k := range overridableKeys {
		if v, ok := overrides[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Error is a failed engine call. Transient errors are worth retrying;
// anything else indicates a request the engine will never accept.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure is plausibly temporary: connection
// problems, timeouts, or 5xx responses.
func (e *Error) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// Client talks to a VOICEVOX-compatible engine over HTTP.
type Client struct {
	baseURL      string
	queryTimeout time.Duration
	synthTimeout time.Duration
	http         *http.Client
	logger       *slog.Logger
}

func NewClient(cfg config.EngineConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		queryTimeout: time.Duration(cfg.QueryTimeoutMS) * time.Millisecond,
		synthTimeout: time.Duration(cfg.SynthTimeoutMS) * time.Millisecond,
		http:         &http.Client{},
		logger:       logger.With(slog.String("component", "engine-client")),
	}
}

// NewClientForURL is used by tests to point the client at a fake engine.
func NewClientForURL(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		queryTimeout: 10 * time.Second,
		synthTimeout: 10 * time.Second,
		http:         &http.Client{},
		logger:       logger.With(slog.String("component", "engine-client")),
	}
}

// Speakers lists the engine's available voices. Used as the reachability
// preflight and to validate resolved style ids before synthesis.
func (c *Client) Speakers(ctx context.Context) ([]Speaker, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/speakers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "speakers", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "speakers", StatusCode: resp.StatusCode}
	}
	var speakers []Speaker
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, &Error{Op: "speakers", Err: fmt.Errorf("decode: %w", err)}
	}
	return speakers, nil
}

// StyleIDs flattens the speaker listing into the set of valid style ids.
func StyleIDs(speakers []Speaker) map[int]bool {
	ids := map[int]bool{}
	for _, sp := range speakers {
		for _, st := range sp.Styles {
			ids[st.ID] = true
		}
	}
	return ids
}

// Version returns the engine version string, empty if the endpoint is
// missing (older engines).
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Op: "version", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Op: "version", StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Op: "version", Err: err}
	}
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		// Some builds return the bare string.
		v = string(bytes.Trim(bytes.TrimSpace(data), `"`))
	}
	return v, nil
}

// BuildQuery asks the engine to construct the synthesis parameters for one
// piece of text, the first half of its two-step protocol.
func (c *Client) BuildQuery(ctx context.Context, text string, styleID int) (AudioQuery, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/audio_query?speaker=%d&text=%s", c.baseURL, styleID, url.QueryEscape(text))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "audio_query", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "audio_query", StatusCode: resp.StatusCode}
	}
	var q AudioQuery
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return nil, &Error{Op: "audio_query", Err: fmt.Errorf("decode: %w", err)}
	}
	return q, nil
}

// Synthesize posts the query back and returns WAV bytes, the second half of
// the protocol.
func (c *Client) Synthesize(ctx context.Context, q AudioQuery, styleID int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.synthTimeout)
	defer cancel()

	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	u := c.baseURL + "/synthesis?speaker=" + strconv.Itoa(styleID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "synthesis", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "synthesis", StatusCode: resp.StatusCode}
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "synthesis", Err: err}
	}
	return wav, nil
}

// Transient reports whether err is a retryable engine failure.
func Transient(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Transient()
	}
	return false
}
