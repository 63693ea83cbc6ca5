package llm

import (
	"context"
	"strings"
	"time"
)

type mockCompleter struct{}

func NewMockCompleter() Completer { return &mockCompleter{} }

func (m *mockCompleter) Complete(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return "[mock completion for " + strings.TrimSpace(req.System) + "]", nil
}
