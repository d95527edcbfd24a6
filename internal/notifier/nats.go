package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/amirphl/swing-trader/internal/journal"
)

// Publisher is the part of *nats.Conn used for publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type natsMessage struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// NATSPublisher mirrors notifications to <subject>.message and journal
// events to <subject>.<event type>.
type NATSPublisher struct {
	conn    Publisher
	subject string
	retry   RetryOptions
	now     func() time.Time
	logger  *zap.Logger
}

func NewNATSPublisher(conn Publisher, subject string, retry RetryOptions, logger *zap.Logger) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		return nil, errors.New("nats subject is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, subject: subject, retry: retry, now: time.Now, logger: logger.Named("nats")}, nil
}

// ConnectNATS dials url with reconnect logging.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("swing-trader"),
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
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

func (n *NATSPublisher) Send(msg string) error {
	data, err := json.Marshal(natsMessage{Time: n.now().UTC(), Text: msg})
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject+".message", data)
}

func (n *NATSPublisher) SendWithRetry(msg string) error {
	return sendWithRetry(n.Send, msg, n.retry, n.logger)
}

// LogEvent implements journal.Recorder.
func (n *NATSPublisher) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+event.Type, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}
