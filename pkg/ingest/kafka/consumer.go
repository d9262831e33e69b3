// Package kafka feeds ingest events from a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/ingest"
)

// ConsumerConfig holds Kafka consumer settings.
type ConsumerConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	Topic          string        `mapstructure:"topic"`
	GroupID        string        `mapstructure:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	CommitInterval time.Duration `mapstructure:"commit_interval"`
	// RetryFor bounds how long a transiently failing event is retried
	// before it is logged and skipped.
	RetryFor time.Duration `mapstructure:"retry_for"`
}

// DefaultConsumerConfig returns consumer defaults without brokers.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:    "cigraph.events",
		GroupID:  "cigraph",
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
		RetryFor: 2 * time.Minute,
	}
}

// Handler applies one decoded event.
type Handler interface {
	Handle(ctx context.Context, ev ingest.Event) error
}

// Reader is the subset of kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads JSON event envelopes and hands them to a Handler.
type Consumer struct {
	reader  Reader
	handler Handler
	config  ConsumerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer creates a consumer backed by a kafka-go reader.
func NewConsumer(config ConsumerConfig, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("%w: at least one broker is required", cmdb.ErrConfigInvalid)
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("%w: topic is required", cmdb.ErrConfigInvalid)
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("%w: group ID is required", cmdb.ErrConfigInvalid)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       config.MinBytes,
		MaxBytes:       config.MaxBytes,
		MaxWait:        config.MaxWait,
		CommitInterval: config.CommitInterval,
	})
	return NewConsumerWithReader(reader, config, handler, logger), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r Reader, config ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, handler: handler, config: config, logger: logger.With("topic", config.Topic)}
}

// Start begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("consumer is already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("Kafka consumer started", "group", c.config.GroupID)
	return nil
}

// Stop cancels the loop, waits for the in-flight event and closes the reader.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	c.logger.Info("Kafka consumer stopped")
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch message", "error", err)
			continue
		}
		if err := c.process(ctx, msg); err != nil && ctx.Err() != nil {
			// Shutting down mid-retry: leave the offset for redelivery.
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit message", "offset", msg.Offset, "error", err)
		}
	}
}

// process decodes and applies msg. Only cancellation is returned; any other
// failure is logged and the message is skipped.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var ev ingest.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Error("Dropping undecodable message", "offset", msg.Offset, "error", err)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if c.config.RetryFor > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.config.RetryFor))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.handler.Handle(ctx, ev)
		if err != nil && cmdb.IsSemantic(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case cmdb.IsSemantic(err):
		c.logger.Warn("Dropping rejected event", "kind", ev.Kind, "offset", msg.Offset, "error", err)
	case errors.Is(err, cmdb.ErrWindowNotActive):
		c.logger.Info("Skipping event outside change window", "kind", ev.Kind, "offset", msg.Offset, "reason", err)
	default:
		c.logger.Error("Event failed after retries", "kind", ev.Kind, "offset", msg.Offset, "error", err)
	}
	return nil
}
