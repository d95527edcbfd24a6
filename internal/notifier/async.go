package notifier

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("notification queue is full")

type queued struct {
	msg   string
	retry bool
}

// Async queues messages and delivers them from Run, so callers never wait
// on a slow or failing transport.
type Async struct {
	next   Notifier
	queue  chan queued
	logger *zap.Logger
}

func NewAsync(next Notifier, size int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{
		next:   next,
		queue:  make(chan queued, max(size, 1)),
		logger: logger.Named("notify_queue"),
	}
}

func (a *Async) Send(msg string) error { return a.enqueue(queued{msg: msg}) }

func (a *Async) SendWithRetry(msg string) error { return a.enqueue(queued{msg: msg, retry: true}) }

func (a *Async) enqueue(q queued) error {
	select {
	case a.queue <- q:
		return nil
	default:
		a.logger.Warn("dropping notification", zap.String("message", q.msg))
		return ErrQueueFull
	}
}

// Run delivers queued messages until ctx is done. Messages still queued at
// that point get one attempt each.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case q := <-a.queue:
			a.deliver(q)
		}
	}
}

func (a *Async) flush() {
	for {
		select {
		case q := <-a.queue:
			q.retry = false
			a.deliver(q)
		default:
			return
		}
	}
}

func (a *Async) deliver(q queued) {
	var err error
	if q.retry {
		err = a.next.SendWithRetry(q.msg)
	} else {
		err = a.next.Send(q.msg)
	}
	if err != nil {
		a.logger.Warn("notification failed", zap.Error(err))
	}
}
