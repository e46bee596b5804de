package kafkaconsumer

import (
	"time"

	"github.com/AndreLimaSa/locals/internal/core/config"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	DedupeSize          int
}

func FromConfig(k config.KafkaCfg) Config {
	return Config{
		Brokers:          k.Brokers,
		Topic:            k.InvalidationTopic,
		GroupID:          k.InvalidationGroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		// only changes made while running matter; the store fetches on start
		InitialOffsetOldest: false,
		DedupeSize:          4096,
	}
}
