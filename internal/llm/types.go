package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kotovox/kotovox/internal/config"
)

// ErrProvider marks a misconfigured or unsupported backend, including
// missing credentials. Callers treat it as fatal.
var ErrProvider = errors.New("llm provider error")

// Request describes one completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completer is the pluggable language-model capability. Backends return the
// raw assistant text; interpreting it is the caller's concern.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// New selects a backend by provider name. Credentials come from the
// environment, never from config files.
func New(cfg config.LLMConfig) (Completer, error) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	switch cfg.Provider {
	case "mock":
		return NewMockCompleter(), nil
	case "ollama":
		return NewOllamaCompleter(cfg.Endpoint, cfg.Model, client), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrProvider)
		}
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "https://api.openai.com"
		}
		return NewOpenAICompleter(endpoint, cfg.Model, key, client), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q", ErrProvider, cfg.Provider)
	}
}
