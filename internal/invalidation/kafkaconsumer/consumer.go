// Package kafkaconsumer turns location-changed events into on-demand
// refreshes of the shared location store.
package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/AndreLimaSa/locals/internal/core/model"
	obs "github.com/AndreLimaSa/locals/internal/core/observability"
	"github.com/AndreLimaSa/locals/internal/invalidation"
	mylog "github.com/AndreLimaSa/locals/internal/logger"
)

const stream = "invalidation"

// Refresher is the part of the location store the consumer drives.
type Refresher interface {
	Invalidate()
	Refresh(ctx context.Context) ([]model.LocationRecord, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	store  Refresher
	dedupe *versionDedupe
	zlog   *zerolog.Logger
}

// New uses zl, the process logger, for structured event lines; nil discards
// them. The global zerolog level is left alone.
func New(cfg Config, zl *zerolog.Logger, logger *slog.Logger, store Refresher) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	base := zerolog.Nop()
	if zl != nil {
		base = *zl
	}
	child := base.With().Str("component", "kafka_consumer").Logger()
	return &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "kafka_consumer"),
		store:  store,
		dedupe: newVersionDedupe(cfg.DedupeSize),
		zlog:   &child,
	}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.store == nil {
		return errors.New("kafkaconsumer: missing store")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				c.zlog.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne handles a single message. Malformed and duplicate events are
// skipped so they never block the partition. A failed refresh leaves the
// store marked stale and is not retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.IncKafkaEvent(stream, "decode_error")
		mylog.FromContext(ctx, c.zlog).Error().
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.IncKafkaEvent(stream, "invalid")
		c.logger.WarnContext(ctx, "invalid invalidation event", "offset", msg.Offset, "err", err)
		return nil
	}
	if ev.Seq > 0 && !c.dedupe.shouldApply(ev.DedupeKey(), ev.Seq) {
		obs.IncKafkaEvent(stream, "duplicate")
		c.logger.DebugContext(ctx, "duplicate invalidation skipped", "key", ev.DedupeKey(), "seq", ev.Seq)
		return nil
	}

	c.store.Invalidate()
	recs, err := c.store.Refresh(ctx)
	if err != nil {
		obs.IncKafkaEvent(stream, "refresh_failed")
		c.logger.WarnContext(ctx, "refresh after invalidation failed", "op", ev.Op, "location_id", ev.LocationID, "err", err)
		return nil
	}

	obs.IncKafkaEvent(stream, "applied")
	mylog.FromContext(ctx, c.zlog).Info().
		Str("event", "invalidation").
		Str("op", ev.Op).
		Str("location_id", ev.LocationID).
		Int("records", len(recs)).
		Msg("store refreshed")
	return nil
}
