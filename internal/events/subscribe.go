package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/arbiter/internal/config"
	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/sanitize"
)

// Subscription delivers published events to a handler until closed.
type Subscription struct {
	nc    *nats.Conn
	sub   *nats.Subscription
	owned bool
}

// WatchSubject returns the subject filter for one run, or for every run when
// runID is empty.
func WatchSubject(prefix, runID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if runID == "" {
		return prefix + ".>"
	}
	return prefix + "." + sanitize.SubjectToken(runID) + ".>"
}

// Subscribe dials cfg.NATSURL and calls fn for each event of runID. An empty
// runID follows every run.
func Subscribe(cfg config.EventsConfig, runID string, fn func(Event), logger *logging.Logger) (*Subscription, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("events.nats_url is not configured")
	}
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("arbiter-watch"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	s, err := SubscribeConn(nc, cfg.SubjectPrefix, runID, fn, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// SubscribeConn subscribes on an existing connection. Close does not close a
// connection it did not open. Messages that are not events are logged and
// dropped.
func SubscribeConn(nc *nats.Conn, prefix, runID string, fn func(Event), logger *logging.Logger) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("event handler is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	subject := WatchSubject(prefix, runID)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn(context.Background(), "dropping malformed event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return &Subscription{nc: nc, sub: sub}, nil
}

// Close unsubscribes and, if the subscription dialed the connection, closes it.
func (s *Subscription) Close() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		err = nil
	}
	if s.owned {
		s.nc.Close()
	}
	return err
}
