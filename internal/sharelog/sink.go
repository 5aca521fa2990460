package sharelog

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Sink receives share records. Log must not block the submission path.
type Sink interface {
	Log(r Record)
	Close() error
}

// Nop discards records
type Nop struct{}

// Log implements Sink
func (Nop) Log(Record) {}

// Close implements Sink
func (Nop) Close() error { return nil }

// FileSink appends CSV lines to a file
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	logger *log.Logger
}

// OpenFile opens path for appending, creating it if needed
func OpenFile(path string, logger *log.Logger) (*FileSink, error) {
	if logger == nil {
		logger = log.Nop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "sharelog.open", "failed to open share log").
			WithContext("path", path)
	}
	return &FileSink{f: f, logger: logger.WithComponent("sharelog")}, nil
}

// Log implements Sink
func (s *FileSink) Log(r Record) {
	line := r.CSV() + "\n"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	if _, err := s.f.WriteString(line); err != nil {
		s.logger.Error("share log write failed", "error", err)
	}
}

// Close implements Sink
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Publisher is the part of messaging.KafkaClient the Kafka sink uses
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// KafkaSink publishes records from a bounded queue. Records are dropped
// when the queue is full.
type KafkaSink struct {
	pub     Publisher
	topic   string
	format  Format
	queue   chan Record
	done    chan struct{}
	dropped atomic.Int64
	logger  *log.Logger

	closeOnce sync.Once
}

// NewKafkaSink creates a sink with room for size queued records. Run must
// be started for records to be published.
func NewKafkaSink(pub Publisher, topic string, format Format, size int, logger *log.Logger) *KafkaSink {
	if logger == nil {
		logger = log.Nop()
	}
	if size <= 0 {
		size = 1024
	}
	return &KafkaSink{
		pub:    pub,
		topic:  topic,
		format: format,
		queue:  make(chan Record, size),
		done:   make(chan struct{}),
		logger: logger.WithComponent("sharelog"),
	}
}

// Log implements Sink
func (s *KafkaSink) Log(r Record) {
	select {
	case s.queue <- r:
	default:
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			s.logger.Warn("share log queue full, dropping records", "dropped", n)
		}
	}
}

// Dropped returns the number of records lost to a full queue
func (s *KafkaSink) Dropped() int64 {
	return s.dropped.Load()
}

// Run publishes queued records until ctx is cancelled or the sink is closed
func (s *KafkaSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.drain(ctx)
			return
		case r := <-s.queue:
			s.publish(ctx, r)
		}
	}
}

func (s *KafkaSink) drain(ctx context.Context) {
	for {
		select {
		case r := <-s.queue:
			s.publish(ctx, r)
		default:
			return
		}
	}
}

func (s *KafkaSink) publish(ctx context.Context, r Record) {
	var err error
	if s.format == FormatProto {
		var msg proto.Message
		if msg, err = r.ToProto(); err == nil {
			err = s.pub.PublishProto(ctx, s.topic, r.PoolURL, msg)
		}
	} else {
		var data []byte
		if data, err = Encode(r, FormatJSON); err == nil {
			err = s.pub.PublishJSON(ctx, s.topic, r.PoolURL, data)
		}
	}
	if err != nil {
		s.logger.Warn("failed to publish share record", "error", err, "disposition", r.Disposition)
	}
}

// Close stops Run after the queued records are published
func (s *KafkaSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Tee fans records out to several sinks
type Tee []Sink

// Log implements Sink
func (t Tee) Log(r Record) {
	for _, s := range t {
		s.Log(r)
	}
}

// Close implements Sink
func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
