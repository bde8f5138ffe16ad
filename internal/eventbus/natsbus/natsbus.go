// Package natsbus publishes merge outcomes to NATS for downstream consumers.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tally/internal/alert"
	"github.com/linnemanlabs/tally/internal/merge"
)

// EventType identifies merge outcome messages.
const EventType = "tally.merge.completed"

// Event is the JSON payload of one published outcome.
type Event struct {
	Type        string       `json:"type"`
	RunID       string       `json:"run_id"`
	RuleID      string       `json:"rule_id"`
	Window      alert.Window `json:"window"`
	Inserted    []string     `json:"inserted"`
	Updated     []string     `json:"updated"`
	Unchanged   int          `json:"unchanged"`
	Stats       merge.Stats  `json:"stats"`
	PublishedAt time.Time    `json:"published_at"`
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Publisher implements merge.Publisher on a NATS subject.
type Publisher struct {
	conn    msgPublisher
	nc      *nats.Conn
	subject string
	logger  log.Logger
}

// Connect dials NATS, retrying in the background if the server is not reachable yet.
func Connect(url, subject string, logger log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ctx := context.Background()
	nc, err := nats.Connect(url,
		nats.Name("tally"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	p := newPublisher(nc, subject, logger)
	p.nc = nc
	return p, nil
}

func newPublisher(conn msgPublisher, subject string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{conn: conn, subject: subject, logger: logger}
}

// Publish sends the outcome as an Event. The run id is set as the message id so
// JetStream streams on the subject drop duplicates.
func (p *Publisher) Publish(ctx context.Context, out *merge.Outcome) error {
	ev := Event{
		Type:        EventType,
		RunID:       out.RunID,
		RuleID:      out.RuleID,
		Window:      out.Window,
		Inserted:    out.Inserted,
		Updated:     out.Updated,
		Unchanged:   out.Unchanged,
		Stats:       out.Stats,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal merge event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, out.RunID)
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Tally-Rule", out.RuleID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish merge event to %s: %w", p.subject, err)
	}
	p.logger.Info(ctx, "published merge outcome", "subject", p.subject, "rule", out.RuleID, "run_id", out.RunID)
	return nil
}

// Connected reports whether the NATS connection is currently up.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
