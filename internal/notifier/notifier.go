// Package notifier delivers operator-facing messages (Telegram, NATS, logs).
package notifier

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Notifier interface for sending notifications (e.g., Telegram, NATS).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}

// RetryOptions controls SendWithRetry. Attempts below one are treated as one.
type RetryOptions struct {
	Attempts int
	Delay    time.Duration
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{Attempts: 3, Delay: 5 * time.Second}
}

var sleep = time.Sleep

func sendWithRetry(send func(string) error, msg string, opts RetryOptions, logger *zap.Logger) error {
	attempts := max(opts.Attempts, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		if err = send(msg); err == nil {
			return nil
		}
		logger.Warn("send failed", zap.Int("attempt", i), zap.Int("max_attempts", attempts), zap.Error(err))
		if i < attempts {
			sleep(opts.Delay)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

// Multi fans a message out to every notifier. All of them are tried; the
// failures are joined.
type Multi []Notifier

func NewMulti(ns ...Notifier) Multi {
	out := make(Multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m Multi) Send(msg string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Send(msg))
	}
	return errors.Join(errs...)
}

func (m Multi) SendWithRetry(msg string) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.SendWithRetry(msg))
	}
	return errors.Join(errs...)
}

// LogNotifier writes messages to the log. Used when no Telegram chat is
// configured so notifications are never silently lost.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Send(msg string) error {
	l.logger.Info(msg)
	return nil
}

func (l *LogNotifier) SendWithRetry(msg string) error { return l.Send(msg) }
