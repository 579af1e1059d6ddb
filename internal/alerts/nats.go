package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is the NATS subject alerts are published on.
const DefaultSubject = "arenaguard.alerts"

// Publisher is the subset of *nats.Conn used by NATSNotifier.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes each alert as JSON on a subject.
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier creates a NATSNotifier.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// Name implements Notifier.
func (n *NATSNotifier) Name() string { return "nats" }

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set("x-alert-id", a.ID)
	msg.Header.Set("x-alert-type", string(a.Type))
	msg.Header.Set("x-alert-severity", string(a.Severity))
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

// ConnectNATS dials the NATS server at url with reconnect logging.
func ConnectNATS(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
