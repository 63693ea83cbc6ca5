package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fakeEngine(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/speakers", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]Speaker{
			{Name: "ずんだもん", SpeakerUUID: "u-1", Styles: []Style{{ID: 3, Name: "ノーマル"}}},
			{Name: "四国めたん", SpeakerUUID: "u-2", Styles: []Style{{ID: 2, Name: "ノーマル"}, {ID: 8, Name: "あまあま"}}},
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode("0.19.1")
	})
	mux.HandleFunc("/audio_query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get("speaker") == "" || r.URL.Query().Get("text") == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"speedScale": 1.0,
			"pitchScale": 0.0,
			"kana":       "テスト",
		})
	})
	mux.HandleFunc("/synthesis", func(w http.ResponseWriter, r *http.Request) {
		var q map[string]any
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFFfake"))
	})
	return httptest.NewServer(mux)
}

func TestSpeakersAndStyleIDs(t *testing.T) {
	srv := fakeEngine(t)
	defer srv.Close()

	c := NewClientForURL(srv.URL, newLogger())
	speakers, err := c.Speakers(context.Background())
	if err != nil {
		t.Fatalf("speakers: %v", err)
	}
	ids := StyleIDs(speakers)
	for _, want := range []int{2, 3, 8} {
		if !ids[want] {
			t.Fatalf("expected style %d in %v", want, ids)
		}
	}
}

func TestVersion(t *testing.T) {
	srv := fakeEngine(t)
	defer srv.Close()

	c := NewClientForURL(srv.URL, newLogger())
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != "0.19.1" {
		t.Fatalf("expected version 0.19.1, got %q", v)
	}
}

func TestQueryThenSynthesize(t *testing.T) {
	srv := fakeEngine(t)
	defer srv.Close()

	c := NewClientForURL(srv.URL, newLogger())
	q, err := c.BuildQuery(context.Background(), "こんにちは。", 3)
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	if q["speedScale"] != 1.0 {
		t.Fatalf("expected speedScale in query, got %v", q)
	}

	q2 := ApplyOverrides(q, map[string]float64{"speedScale": 1.2, "unknownKey": 9})
	if q2["speedScale"] != 1.2 {
		t.Fatalf("expected override applied, got %v", q2["speedScale"])
	}
	if _, ok := q2["unknownKey"]; ok {
		t.Fatal("unexpected non-prosody key applied")
	}
	if q["speedScale"] != 1.0 {
		t.Fatal("override mutated the original query")
	}
	if q2["kana"] != "テスト" {
		t.Fatal("opaque engine fields must survive override")
	}

	wav, err := c.Synthesize(context.Background(), q2, 3)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(wav) != "RIFFfake" {
		t.Fatalf("unexpected audio body %q", wav)
	}
}

func TestTransientClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL, newLogger())
	_, err := c.BuildQuery(context.Background(), "x", 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if !Transient(err) {
		t.Fatalf("expected 500 to be transient, got %v", err)
	}

	bad := &Error{Op: "audio_query", StatusCode: http.StatusUnprocessableEntity}
	if bad.Transient() {
		t.Fatal("422 must not be transient")
	}
}
