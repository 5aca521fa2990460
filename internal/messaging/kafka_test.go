package messaging

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/pkg/log"
)

func testLogger() *log.Logger {
	return log.NewWithWriter(os.Stdout, "messaging-test", "test", "error", "text")
}

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}
	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("Client maps should not be nil")
	}
}

func TestNewKafkaClient_NilLogger(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, nil)
	if client.logger == nil {
		t.Error("Expected a nop logger")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	producer1 := client.GetProducer(TopicShareLog)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}
	if producer1.Topic != TopicShareLog {
		t.Errorf("Expected topic %s, got %s", TopicShareLog, producer1.Topic)
	}

	producer2 := client.GetProducer(TopicShareLog)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}
	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	consumer1 := client.GetConsumer(TopicShareLog, "sharelogd")
	if consumer1 == nil {
		t.Fatal("GetConsumer returned nil")
	}
	if consumer2 := client.GetConsumer(TopicShareLog, "sharelogd"); consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}
	if consumer3 := client.GetConsumer(TopicShareLog, "other"); consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}
	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}
}

func TestKafkaClient_PublishProto(t *testing.T) {
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	client := NewKafkaClient([]string{os.Getenv("KAFKA_BROKERS")}, testLogger())
	defer client.Close()

	rec, err := structpb.NewStruct(map[string]any{
		"disposition": "accept",
		"pool_url":    "stratum+tcp://pool.example.com:3333",
	})
	if err != nil {
		t.Fatalf("NewStruct() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.PublishProto(ctx, TopicShareLog, "pool0", rec); err != nil {
		t.Errorf("PublishProto() error = %v", err)
	}
}

func TestKafkaClient_StartConsumerStops(t *testing.T) {
	if os.Getenv("KAFKA_BROKERS") == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	client := NewKafkaClient([]string{os.Getenv("KAFKA_BROKERS")}, testLogger())
	defer client.Close()

	var handled int
	handler := MessageHandlerFunc(func(_ context.Context, _ kafka.Message) error {
		handled++
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.StartConsumer(ctx, TopicPoolEvents, "messaging-test", handler); err == nil {
		t.Error("Expected consumer to stop with the context error")
	}
}

func TestTopicConstants(t *testing.T) {
	if TopicShareLog != "miner.sharelog" {
		t.Errorf("Expected miner.sharelog, got %s", TopicShareLog)
	}
	if TopicPoolEvents != "miner.pool_events" {
		t.Errorf("Expected miner.pool_events, got %s", TopicPoolEvents)
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	_ = client.GetProducer(TopicShareLog)
	_ = client.GetProducer(TopicPoolEvents)
	_ = client.GetConsumer(TopicShareLog, "group1")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Errorf("Expected maps cleared after close, got %d writers %d readers", len(client.writers), len(client.readers))
	}
}

func BenchmarkKafkaClient_GetProducer(b *testing.B) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = client.GetProducer(TopicShareLog)
	}
}
