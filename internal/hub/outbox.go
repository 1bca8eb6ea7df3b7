package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/clinote/internal/metrics"
)

const (
	defaultQueueSize = 64
	writeTimeout     = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

// writeFunc delivers one encoded message to the tab.
type writeFunc func(ctx context.Context, data []byte) error

// outbox queues messages for one connection and writes them from a
// background goroutine, so a slow tab never blocks the publisher. When the
// queue is full the oldest message is dropped.
type outbox struct {
	write   writeFunc
	queue   chan []byte
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	userID  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newOutbox(write writeFunc, size int, userID string, logger *slog.Logger, m *metrics.Metrics) *outbox {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &outbox{
		write:   write,
		queue:   make(chan []byte, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		userID:  userID,
		logger:  logger,
		metrics: m,
	}
	go o.run()
	return o
}

// enqueue never blocks. It reports false when the outbox is closed.
func (o *outbox) enqueue(data []byte) bool {
	select {
	case <-o.stop:
		return false
	default:
	}

	select {
	case o.queue <- data:
		return true
	default:
	}

	// Queue full: drop the oldest message to make room.
	select {
	case <-o.queue:
		o.metrics.MessageDropped()
		o.logger.Warn("Outbox full, dropped oldest message", "user_id", o.userID, "queue_len", len(o.queue))
	default:
	}

	select {
	case o.queue <- data:
		return true
	default:
		o.metrics.MessageDropped()
		o.logger.Warn("Failed to queue message after dropping", "user_id", o.userID)
		return false
	}
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			o.drain()
			return
		case data := <-o.queue:
			if err := o.send(data); err != nil {
				o.logger.Debug("Outbox write failed", "user_id", o.userID, "error", err)
			}
		}
	}
}

// drain writes whatever is still queued, giving up at the first failure.
func (o *outbox) drain() {
	for {
		select {
		case data := <-o.queue:
			if err := o.send(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (o *outbox) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return o.write(ctx, data)
}

// close stops accepting messages, flushes the queue and waits for the
// writer up to drainTimeout. It is idempotent.
func (o *outbox) close() {
	o.once.Do(func() {
		close(o.stop)
		select {
		case <-o.done:
		case <-time.After(drainTimeout):
			o.logger.Warn("Outbox drain timeout", "user_id", o.userID, "queue_remaining", len(o.queue))
		}
	})
}

func (o *outbox) pending() int { return len(o.queue) }
