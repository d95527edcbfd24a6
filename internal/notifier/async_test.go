package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingNotifier holds every delivery until release is closed.
type blockingNotifier struct {
	release chan struct{}

	mu      sync.Mutex
	retried []string
	plain   []string
}

func (b *blockingNotifier) Send(msg string) error {
	<-b.release
	b.mu.Lock()
	b.plain = append(b.plain, msg)
	b.mu.Unlock()
	return nil
}

func (b *blockingNotifier) SendWithRetry(msg string) error {
	<-b.release
	b.mu.Lock()
	b.retried = append(b.retried, msg)
	b.mu.Unlock()
	return nil
}

func (b *blockingNotifier) delivered() ([]string, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.retried...), append([]string(nil), b.plain...)
}

func TestAsyncDoesNotBlockCallers(t *testing.T) {
	slow := &blockingNotifier{release: make(chan struct{})}
	a := NewAsync(slow, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	start := time.Now()
	require.NoError(t, a.SendWithRetry("closed BTCUSDT"))
	require.NoError(t, a.Send("closed ETHUSDT"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(slow.release)
	require.Eventually(t, func() bool {
		r, p := slow.delivered()
		return len(r) == 1 && len(p) == 1
	}, time.Second, 5*time.Millisecond)
	r, p := slow.delivered()
	assert.Equal(t, []string{"closed BTCUSDT"}, r)
	assert.Equal(t, []string{"closed ETHUSDT"}, p)
}

func TestAsyncQueueFull(t *testing.T) {
	a := NewAsync(&blockingNotifier{release: make(chan struct{})}, 1, nil)
	require.NoError(t, a.Send("one"))
	assert.ErrorIs(t, a.Send("two"), ErrQueueFull)
}

func TestAsyncFlushesOnShutdown(t *testing.T) {
	sink := &blockingNotifier{release: make(chan struct{})}
	close(sink.release)
	a := NewAsync(sink, 4, nil)
	require.NoError(t, a.SendWithRetry("a"))
	require.NoError(t, a.SendWithRetry("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)

	r, p := sink.delivered()
	// ctx may win the select before or after one retried delivery
	assert.Len(t, append(r, p...), 2)
}
