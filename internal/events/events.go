// Package events publishes pipeline progress to NATS.
//
// Events are JSON on the subject <prefix>.<run_id>.<stage>.<status>, so a
// consumer can follow one run with <prefix>.<run_id>.> or every failure
// with <prefix>.*.*.failed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/sanitize"
)

// Status is the lifecycle state reported by an event.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "arbiter.runs"

// Event is one progress notification.
type Event struct {
	RunID    string    `json:"run_id"`
	Stage    string    `json:"stage"`
	BranchID string    `json:"branch_id,omitempty"`
	Status   Status    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher delivers events. Implementations must be safe for concurrent
// use; branches publish in parallel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	owned  bool
	prefix string
	logger *logging.Logger

	closeOnce sync.Once
}

// Connect dials cfg.NATSURL. An empty URL yields a NopPublisher.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (Publisher, error) {
	if cfg.NATSURL == "" {
		return NopPublisher{}, nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("arbiter"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. Close does not close a
// connection it did not open.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return Subject(p.prefix, ev)
}

// Subject builds <prefix>.<run_id>.<stage>.<status>.
func Subject(prefix string, ev Event) string {
	return fmt.Sprintf("%s.%s.%s.%s", prefix, sanitize.SubjectToken(ev.RunID), sanitize.SubjectToken(ev.Stage), sanitize.SubjectToken(string(ev.Status)))
}

// Publish sends ev as JSON.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.RunID == "" || ev.Stage == "" || ev.Status == "" {
		return errors.New("event requires run_id, stage and status")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(ev)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Close flushes pending events and, if the publisher dialed the
// connection, closes it.
func (p *NATSPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.nc.IsClosed() {
			return
		}
		if ferr := p.nc.FlushTimeout(2 * time.Second); ferr != nil {
			err = fmt.Errorf("flush nats: %w", ferr)
		}
		if p.owned {
			p.nc.Close()
		}
	})
	return err
}
