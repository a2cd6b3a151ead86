package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/popkeyd/popkeyd/internal/config"
	"github.com/popkeyd/popkeyd/internal/database"
	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/metrics"
	"github.com/popkeyd/popkeyd/internal/model"
	"github.com/popkeyd/popkeyd/internal/service"
)

// RevokeMessage is the inbound revocation contract: one assertion ref
// per message, delivered at least once.
type RevokeMessage struct {
	AssertionRef string `json:"assertion_ref"`
}

// Revoker is the lifecycle operation the consumer drives. Implemented
// by service.LifecycleService.
type Revoker interface {
	Revoke(ctx context.Context, ref model.AssertionRef) error
}

// Publisher enqueues revocation messages.
type Publisher struct {
	rdb  *database.Redis
	name string
}

// NewPublisher creates a Publisher on the configured queue.
func NewPublisher(rdb *database.Redis, cfg config.QueueConfig) *Publisher {
	return &Publisher{rdb: rdb, name: cfg.Name}
}

// Publish enqueues a revocation for the given assertion ref.
func (p *Publisher) Publish(ctx context.Context, ref model.AssertionRef) error {
	payload, err := json.Marshal(RevokeMessage{AssertionRef: string(ref)})
	if err != nil {
		return fmt.Errorf("failed to encode revoke message: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.name, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue revoke message: %w", err)
	}
	return nil
}

// Consumer drains the revocation queue. Messages are moved into a
// per-consumer processing list while being handled, so a crash leaves
// them findable instead of lost. Transient failures push the message
// back onto the queue (redelivery); permanent failures are logged and
// dropped.
type Consumer struct {
	rdb     *database.Redis
	revoker Revoker
	cfg     config.QueueConfig
	log     *logger.Logger
}

// NewConsumer creates a new Consumer.
func NewConsumer(rdb *database.Redis, revoker Revoker, cfg config.QueueConfig, log *logger.Logger) *Consumer {
	return &Consumer{
		rdb:     rdb,
		revoker: revoker,
		cfg:     cfg,
		log:     log.WithComponent("revocation_consumer"),
	}
}

func (c *Consumer) processingList() string {
	return c.cfg.Name + ":processing:" + c.cfg.Consumer
}

// Run consumes until ctx is canceled. Producers push onto the left of
// the queue; the consumer takes from the right, so requeued transient
// failures naturally wait behind fresh messages.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Str("queue", c.cfg.Name).Msg("revocation consumer started")
	for {
		if err := ctx.Err(); err != nil {
			c.log.Info().Msg("revocation consumer stopped")
			return nil
		}

		raw, err := c.rdb.BLMove(ctx, c.cfg.Name, c.processingList(), "RIGHT", "LEFT", c.cfg.BlockTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.log.Info().Msg("revocation consumer stopped")
				return nil
			}
			c.log.Error().Err(err).Msg("failed to pop revoke message")
			time.Sleep(time.Second)
			continue
		}

		c.handle(ctx, raw)
	}
}

// handle drives one message to an ack, a redelivery, or a drop.
func (c *Consumer) handle(ctx context.Context, raw string) {
	err := c.process(ctx, raw)
	switch {
	case err == nil:
	case service.IsTransient(err):
		metrics.QueueFailures.WithLabelValues("transient").Inc()
		c.log.Warn().Err(err).Msg("transient revoke failure, requeueing")
		if pushErr := c.rdb.LPush(ctx, c.cfg.Name, raw).Err(); pushErr != nil {
			// Leave the message on the processing list for the operator.
			c.log.Error().Err(pushErr).Str("message", raw).Msg("failed to requeue revoke message")
			return
		}
	default:
		metrics.QueueFailures.WithLabelValues("permanent").Inc()
		c.log.Error().Err(err).Str("message", raw).Msg("permanent revoke failure, dropping message")
	}

	if err := c.rdb.LRem(ctx, c.processingList(), 1, raw).Err(); err != nil {
		c.log.Error().Err(err).Str("message", raw).Msg("failed to ack revoke message")
	}
}

func (c *Consumer) process(ctx context.Context, raw string) error {
	var msg RevokeMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return service.Permanent(fmt.Errorf("malformed revoke message: %w", err))
	}
	ref, err := model.ParseAssertionRef(msg.AssertionRef)
	if err != nil {
		return service.Permanent(fmt.Errorf("malformed revoke message: %w", err))
	}
	return c.revoker.Revoke(ctx, ref)
}
