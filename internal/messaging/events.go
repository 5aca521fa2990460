package messaging

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/bardlex/gominer/pkg/jsonx"
	"github.com/bardlex/gominer/pkg/log"
)

// JSONPublisher is the part of KafkaClient the event publisher uses
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
}

// EventPublisher forwards pool events to Kafka from a bounded queue
type EventPublisher struct {
	pub     JSONPublisher
	topic   string
	queue   chan PoolEvent
	dropped atomic.Int64
	logger  *log.Logger
}

// NewEventPublisher publishes to topic; Run must be started
func NewEventPublisher(pub JSONPublisher, topic string, size int, logger *log.Logger) *EventPublisher {
	if logger == nil {
		logger = log.Nop()
	}
	if size <= 0 {
		size = 256
	}
	return &EventPublisher{
		pub:    pub,
		topic:  topic,
		queue:  make(chan PoolEvent, size),
		logger: logger.WithComponent("events"),
	}
}

// Notify queues ev. A full queue drops it.
func (e *EventPublisher) Notify(ev PoolEvent) {
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full queue
func (e *EventPublisher) Dropped() int64 {
	return e.dropped.Load()
}

// Run publishes queued events until ctx is done
func (e *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			data, err := jsonx.Marshal(ev)
			if err != nil {
				e.logger.WithError(err).Warn("Failed to encode pool event")
				continue
			}
			if err := e.pub.PublishJSON(ctx, e.topic, strconv.Itoa(ev.Pool), data); err != nil && ctx.Err() == nil {
				e.logger.WithError(err).Warn("Failed to publish pool event", "event", ev.Event)
			}
		}
	}
}
