package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler processes one delivered task message. A non-nil error sends the
// envelope to the dead-letter stream; the original is acknowledged either way.
type Handler func(ctx context.Context, msg TaskMessage) error

// ConsumerConfig sizes one topic consumer.
type ConsumerConfig struct {
	Topic              string
	Group              string
	Listeners          int
	WorkersPerListener int
	BlockTimeout       time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Group == "" {
		c.Group = GroupName(c.Topic)
	}
	if c.Listeners < 1 {
		c.Listeners = 1
	}
	if c.WorkersPerListener < 1 {
		c.WorkersPerListener = 1
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 10 * time.Second
	}
	return c
}

// delivery is one claimed stream entry awaiting its handler.
type delivery struct {
	id  string
	env Envelope
}

// Consumer runs N listeners over one topic's consumer group, each feeding a
// bounded queue to M workers. The bounded queue is the back-pressure point:
// when workers are saturated the listener blocks instead of pulling more.
type Consumer struct {
	broker  *Broker
	client  redis.UniversalClient
	cfg     ConsumerConfig
	handler Handler

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewConsumer creates a consumer for the topic. Start must be called.
func NewConsumer(b *Broker, cfg ConsumerConfig, handler Handler) *Consumer {
	return &Consumer{
		broker:  b,
		client:  b.client,
		cfg:     cfg.withDefaults(),
		handler: handler,
	}
}

// Start creates the consumer group if missing and spawns the listener and
// worker goroutines. Safe to call once.
func (c *Consumer) Start(ctx context.Context) error {
	if c.started {
		slog.Warn("Consumer already started, ignoring duplicate Start call", "topic", c.cfg.Topic)
		return nil
	}
	c.started = true

	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	slog.Info("Starting consumer",
		"topic", c.cfg.Topic,
		"group", c.cfg.Group,
		"listeners", c.cfg.Listeners,
		"workers_per_listener", c.cfg.WorkersPerListener)

	for i := 0; i < c.cfg.Listeners; i++ {
		consumerName := fmt.Sprintf("%s-listener-%d", c.cfg.Topic, i)
		deliveries := make(chan delivery, 2*c.cfg.WorkersPerListener)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer close(deliveries)
			c.listen(runCtx, consumerName, deliveries)
		}()

		for w := 0; w < c.cfg.WorkersPerListener; w++ {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.work(runCtx, deliveries)
			}()
		}
	}
	return nil
}

// Stop cancels all listeners and workers and waits for them. In-flight
// handlers run to completion and their acks are flushed.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	slog.Info("Stopping consumer", "topic", c.cfg.Topic)
	c.cancel()
	c.wg.Wait()
	slog.Info("Consumer stopped", "topic", c.cfg.Topic)
}

// ensureGroup creates the consumer group, tolerating a pre-existing one.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Topic, c.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.cfg.Group, err)
	}
	return nil
}

// listen reads the topic one entry at a time and feeds the bounded queue.
func (c *Consumer) listen(ctx context.Context, consumerName string, deliveries chan<- delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: consumerName,
			Streams:  []string{c.cfg.Topic, ">"},
			Count:    1,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			slog.Error("Failed to read from topic",
				"topic", c.cfg.Topic,
				"consumer", consumerName,
				"error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				d, ok := c.decode(ctx, msg)
				if !ok {
					continue
				}
				select {
				case deliveries <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// decode parses one stream entry. Malformed entries are acked and dropped so
// they do not wedge the group.
func (c *Consumer) decode(ctx context.Context, msg redis.XMessage) (delivery, bool) {
	raw, _ := msg.Values[payloadField].(string)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		slog.Error("Dropping malformed envelope",
			"topic", c.cfg.Topic,
			"message_id", msg.ID,
			"error", err)
		c.ack(msg.ID)
		return delivery{}, false
	}
	return delivery{id: msg.ID, env: env}, true
}

// work drains the bounded queue until the listener closes it.
func (c *Consumer) work(ctx context.Context, deliveries <-chan delivery) {
	for d := range deliveries {
		c.handle(ctx, d)
	}
}

// handle runs the handler, dead-letters on failure, and always acks.
func (c *Consumer) handle(ctx context.Context, d delivery) {
	defer c.ack(d.id)

	if err := c.handler(ctx, d.env.Content); err != nil {
		slog.Error("Handler failed, sending to dead-letter stream",
			"topic", c.cfg.Topic,
			"message_id", d.id,
			"task_id", d.env.Content.TaskID,
			"error", err)
		dlqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if dlqErr := c.broker.sendDeadLetter(dlqCtx, c.cfg.Topic, d.env, err); dlqErr != nil {
			slog.Error("Failed to write dead-letter envelope",
				"topic", c.cfg.Topic,
				"message_id", d.id,
				"error", dlqErr)
		}
	}
}

// ack acknowledges a delivery. It uses a background context so acks survive
// shutdown cancellation.
func (c *Consumer) ack(id string) {
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.XAck(ackCtx, c.cfg.Topic, c.cfg.Group, id).Err(); err != nil {
		slog.Error("Failed to ack message",
			"topic", c.cfg.Topic,
			"message_id", id,
			"error", err)
	}
}
