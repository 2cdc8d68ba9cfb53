package adapter

import (
	"context"
	"time"

	"github.com/k4Y53N/nanoServer/lifecycle"
	"github.com/k4Y53N/nanoServer/log"
	"github.com/k4Y53N/nanoServer/metrics"
)

// DefaultQueueSize bounds pending notifications.
const DefaultQueueSize = 32

// Notifier delivers events to an Adapter from a background worker.
// Notify never blocks; when the queue is full the event is dropped.
type Notifier struct {
	adapter   Adapter
	queue     chan *SessionEvent
	logger    *log.Logger
	collector *metrics.Collector
	worker    *lifecycle.Worker
}

// NewNotifier wraps a. queueSize <= 0 uses DefaultQueueSize.
func NewNotifier(a Adapter, queueSize int, logger *log.Logger, collector *metrics.Collector) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	n := &Notifier{
		adapter:   a,
		queue:     make(chan *SessionEvent, queueSize),
		logger:    log.OrNop(logger).Component("adapter"),
		collector: collector,
	}
	n.worker = lifecycle.New("adapter", lifecycle.PhaseFuncs{
		ExecuteFn: n.deliver,
		CloseFn:   n.shutdown,
	}, 0, logger)
	return n
}

// Start begins delivery.
func (n *Notifier) Start(ctx context.Context) { n.worker.Start(ctx) }

// Close stops delivery; queued events that were not sent are discarded.
func (n *Notifier) Close() { n.worker.Close() }

// Join waits for the worker and closes the adapter.
func (n *Notifier) Join() { n.worker.Join() }

// Notify queues ev for delivery.
func (n *Notifier) Notify(ev *SessionEvent) bool {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case n.queue <- ev:
		return true
	default:
		n.collector.IncAdapterFailures()
		n.logger.Warn("notification queue full, dropping event", map[string]any{
			"event_type": ev.EventType,
			"session_id": ev.SessionID,
		})
		return false
	}
}

func (n *Notifier) deliver(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case ev := <-n.queue:
		if err := n.adapter.Publish(ctx, ev); err != nil {
			n.collector.IncAdapterFailures()
			n.logger.Error("publish failed", map[string]any{
				"event_type": ev.EventType,
				"session_id": ev.SessionID,
				"error":      err.Error(),
			})
			return nil
		}
		n.collector.IncAdapterPublished()
		return nil
	}
}

func (n *Notifier) shutdown() {
	if err := n.adapter.Close(); err != nil {
		n.logger.Warn("adapter close failed", map[string]any{"error": err.Error()})
	}
}
