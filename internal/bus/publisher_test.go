package bus

import (
	"io"
	"log/slog"
	"testing"

	"github.com/kotovox/kotovox/internal/config"
)

func TestConnectDisabledReturnsNil(t *testing.T) {
	cfg := config.Default().Bus
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, err := Connect(cfg, log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if pub != nil {
		t.Fatal("expected nil publisher when bus is disabled")
	}
}

func TestNilPublisherIsSafe(t *testing.T) {
	var pub *Publisher
	pub.Publish(Event{RunID: "r1", Stage: "synthesis"})
	pub.Close()
	if pub.Healthy() {
		t.Fatal("nil publisher must not report healthy")
	}
}
