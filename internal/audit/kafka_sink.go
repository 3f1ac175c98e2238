package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka audit sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink publishes audit events to a Kafka topic, keyed by network ID
// so that one network's history stays on one partition.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{writer: w, timeout: 10 * time.Second, logger: logger}
}

// Handle publishes one event. It is meant to be passed to
// Emitter.Subscribe; failures are logged and dropped.
func (k *KafkaSink) Handle(ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("kafka marshal failed", "event", ev.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(ev.NetworkID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
		Time: ev.CreatedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Warn("kafka publish failed", "event", ev.Type, "seq", ev.Seq, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
