// Package outbox drains queued analysis requests to a publisher.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/metrics"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// Publisher delivers one message downstream. msgID is stable across retries.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
	Close() error
}

// Store is the outbox table
type Store interface {
	DequeueOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher polls the outbox and publishes due messages
type Dispatcher struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	pollInterval time.Duration
	batchSize    int
	retryBackoff time.Duration
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store Store, publisher Publisher, cfg config.OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		publisher:    publisher,
		logger:       logger,
		metrics:      m,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Run dispatches until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		wait := d.pollInterval
		n, err := d.DrainOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			d.logger.Warn("error dequeuing outbox", zap.Error(err))
			wait = time.Second
		case n == d.batchSize:
			// a full batch usually means more are waiting
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DrainOnce publishes one batch of due messages and returns how many were attempted
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages, err := d.store.DequeueOutbox(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.logger.Warn("error publishing outbox message",
				zap.Int64("outbox_id", msg.ID),
				zap.String("msg_id", msg.MsgID),
				zap.Int("retries", msg.Retries),
				zap.Error(err))
			d.metrics.RecordOutbox("failed")
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, d.backoff(msg.Retries)); err != nil {
				d.logger.Error("error scheduling outbox retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}

		d.metrics.RecordOutbox("published")
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("error marking outbox message published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
		}
	}
	return len(messages), nil
}

// backoff doubles per retry, capped at 64x the base
func (d *Dispatcher) backoff(retries int) time.Duration {
	if retries > 6 {
		retries = 6
	}
	return d.retryBackoff << retries
}

// Discard drops every message. It is used when no publisher is configured.
type Discard struct {
	Logger *zap.Logger
}

func (p Discard) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	if p.Logger != nil {
		p.Logger.Debug("analysis request not published", zap.String("subject", subject), zap.String("msg_id", msgID))
	}
	return nil
}

func (Discard) Close() error { return nil }
