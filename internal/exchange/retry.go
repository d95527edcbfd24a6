package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const maxBackoff = 30 * time.Second

// retry runs fn up to attempts times with exponential backoff. It stops
// early when ctx is done.
func retry(ctx context.Context, logger *zap.Logger, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i == attempts {
			break
		}
		logger.Debug("retrying", zap.Int("attempt", i), zap.Int("attempts", attempts), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}
