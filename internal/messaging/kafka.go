// Package messaging wraps kafka-go with the producer and consumer shapes the
// settlement pipeline needs: a topic-bound JSON producer for the event bus
// and DLQ, and a group consumer with explicit commits for intake.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Producer publishes JSON messages to one topic, keyed for partition
// affinity so per-key ordering holds.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer builds a producer for the given topic. Writes require
// acknowledgement from all in-sync replicas.
func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
	}
	return &Producer{writer: writer, logger: logger}
}

// Publish marshals the message to JSON and writes it under the given key.
func (p *Producer) Publish(ctx context.Context, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error("failed to publish message",
			zap.String("topic", p.writer.Topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", p.writer.Topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Message is a received record with the metadata handlers need.
type Message struct {
	Key       string
	Value     []byte
	Headers   map[string][]byte
	Offset    int64
	Partition int
	Time      time.Time
}

// Handler processes one message. Returning nil commits the offset; returning
// an error leaves it uncommitted so the message is redelivered after a
// restart or rebalance.
type Handler func(ctx context.Context, msg Message) error

// Consumer reads one topic within a consumer group, committing offsets only
// after the handler succeeds (at-least-once delivery).
type Consumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

// NewConsumer builds a group consumer starting from the earliest uncommitted
// offset.
func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return &Consumer{reader: reader, logger: logger}
}

// Run consumes until the context is cancelled. Fetch errors back off and
// retry; handler errors are logged and the offset stays uncommitted.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.logger.Info("started consuming", zap.String("topic", c.reader.Config().Topic))
	for {
		fetched, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.logger.Error("failed to fetch message",
				zap.String("topic", c.reader.Config().Topic),
				zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		msg := Message{
			Key:       string(fetched.Key),
			Value:     fetched.Value,
			Headers:   make(map[string][]byte, len(fetched.Headers)),
			Offset:    fetched.Offset,
			Partition: fetched.Partition,
			Time:      fetched.Time,
		}
		for _, h := range fetched.Headers {
			msg.Headers[h.Key] = h.Value
		}

		if err := handler(ctx, msg); err != nil {
			c.logger.Error("message handler failed, offset not committed",
				zap.String("topic", c.reader.Config().Topic),
				zap.String("key", msg.Key),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		if err := c.reader.CommitMessages(ctx, fetched); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("failed to commit offset",
				zap.String("topic", c.reader.Config().Topic),
				zap.Int64("offset", fetched.Offset),
				zap.Error(err))
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
