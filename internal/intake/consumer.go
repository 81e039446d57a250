package intake

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	errs "github.com/GeroJun/Real-Time-Transaction-Settlement-System/common/errors"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/messaging"
	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/model"
)

// DeadLetter wraps an intake message that could not be admitted, preserving
// the original payload for replay after the defect is fixed.
type DeadLetter struct {
	Key       string               `json:"key"`
	Payload   []byte               `json:"payload"`
	Partition int                  `json:"partition"`
	Offset    int64                `json:"offset"`
	Reason    string               `json:"reason"`
	Problem   *errs.ProblemDetails `json:"problem,omitempty"`
	FailedAt  time.Time            `json:"failed_at"`
}

// Consumer feeds submissions from the intake topic through the gate.
// Malformed and rejected messages go to the DLQ; throttled messages are
// retried with backoff before their offset is committed.
type Consumer struct {
	consumer *messaging.Consumer
	dlq      *messaging.Producer
	gate     *Gate
	logger   *zap.Logger
}

// NewConsumer builds the intake consumer and its DLQ producer.
func NewConsumer(cfg config.KafkaConfig, gate *Gate, logger *zap.Logger) *Consumer {
	return &Consumer{
		consumer: messaging.NewConsumer(cfg.Brokers, cfg.IntakeTopic, cfg.GroupID, logger),
		dlq:      messaging.NewProducer(cfg.Brokers, cfg.DLQTopic, logger),
		gate:     gate,
		logger:   logger,
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.consumer.Run(ctx, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg messaging.Message) error {
	var sub model.Submission
	if err := json.Unmarshal(msg.Value, &sub); err != nil {
		c.logger.Warn("malformed intake message",
			zap.String("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return c.deadLetter(ctx, msg, "malformed submission: "+err.Error(), nil)
	}

	for {
		res, err := c.gate.Admit(ctx, &sub)
		if err != nil {
			// Infrastructure failure: leave the offset uncommitted so the
			// message is redelivered.
			return err
		}
		switch res.Status {
		case StatusAccepted, StatusDuplicate:
			return nil
		case StatusRejected:
			c.logger.Warn("intake message rejected",
				zap.String("transaction_id", sub.TransactionID),
				zap.String("detail", res.Problem.Detail))
			return c.deadLetter(ctx, msg, "submission rejected", res.Problem)
		case StatusThrottled:
			select {
			case <-time.After(res.RetryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg messaging.Message, reason string, problem *errs.ProblemDetails) error {
	dead := DeadLetter{
		Key:       msg.Key,
		Payload:   msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Reason:    reason,
		Problem:   problem,
		FailedAt:  time.Now().UTC(),
	}
	return c.dlq.Publish(ctx, msg.Key, dead)
}

// Close shuts down the reader and the DLQ producer.
func (c *Consumer) Close() error {
	err := c.consumer.Close()
	if dlqErr := c.dlq.Close(); err == nil {
		err = dlqErr
	}
	return err
}
