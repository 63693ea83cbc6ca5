package bus

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kotovox/kotovox/internal/config"
)

// Event is a progress notification emitted while a run advances. External
// monitors (a GUI, a dashboard) subscribe to <prefix>.<stage>.
type Event struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	LineSeq    int       `json:"line_seq,omitempty"`
	IntraIndex int       `json:"intra_index,omitempty"`
	Speaker    string    `json:"speaker,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher emits run progress to NATS. A nil Publisher is valid and drops
// every event, so callers never branch on whether the bus is enabled.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials NATS when the bus is enabled; it returns (nil, nil) when it
// is not, which callers use as a no-op publisher.
func Connect(cfg config.BusConfig, log *slog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	options := []nats.Option{
		nats.Name("kotovox"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Publisher{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		log:    log.With(slog.String("component", "bus")),
	}, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.conn.Drain()
	p.conn.Close()
}

func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Publish sends the event on <prefix>.<stage>. Publish failures are logged
// and swallowed: progress reporting must never fail a run.
func (p *Publisher) Publish(ev Event) {
	if p == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("encode progress event", slog.String("error", err.Error()))
		return
	}
	subject := p.prefix + "." + ev.Stage
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.Warn("publish progress event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
