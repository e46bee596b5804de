// Package voteevents publishes vote and favorite outcomes to Kafka.
package voteevents

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"

	"github.com/AndreLimaSa/locals/internal/core/observability"
)

const stream = "votes"

type Event struct {
	LocationID string    `json:"location_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Likes      int       `json:"likes,omitempty"`
	Dislikes   int       `json:"dislikes,omitempty"`
	TS         time.Time `json:"ts"`
}

type Publisher struct {
	topic   string
	logger  *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	errDone chan struct{}

	// mu guards sends on events against Close
	mu     sync.RWMutex
	closed bool
}

func NewPublisher(brokers []string, topic string, queueSize int, logger *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	// keyed by location id so events for one record stay ordered
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("voteevents: create async producer: %w", err)
	}
	return newPublisher(prod, topic, queueSize, logger), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		logger:  logger.With("component", "voteevents"),
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Error("marshal vote event", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.LocationID),
				Value: sarama.ByteEncoder(b),
			}
			observability.IncKafkaEvent(stream, "sent")
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncKafkaEvent(stream, "error")
				p.logger.Warn("vote event producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev without blocking; a full queue drops it, as does a
// closed publisher.
func (p *Publisher) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		observability.IncKafkaEvent(stream, "dropped")
		return
	}
	select {
	case p.events <- ev:
	default:
		observability.IncKafkaEvent(stream, "dropped")
	}
}

// Close drains queued events and closes the producer. Calling it again is a no-op.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("voteevents: close producer: %w", err)
	}
	<-p.errDone
	return nil
}
