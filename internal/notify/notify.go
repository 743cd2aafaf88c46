// Package notify publishes load events so caches in front of the vector
// tile server can drop stale tiles.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/config"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
)

// Publisher never blocks the caller; Publish reports whether ev was queued.
type Publisher interface {
	Publish(ev Event) bool
	Close() error
}

type nop struct{}

func (nop) Publish(Event) bool { return true }
func (nop) Close() error       { return nil }

func Nop() Publisher { return nop{} }

// Open builds the publisher selected by cfg.Driver.
func Open(cfg config.NotifyCfg, log *slog.Logger) (Publisher, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop(), nil
	case "kafka":
		return NewKafka(cfg.Brokers, cfg.Topic, cfg.Queue, log)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

type Kafka struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
}

func NewKafka(brokers []string, topic string, queueSize int, log *slog.Logger) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("notify: create async producer: %w", err)
	}
	return newKafka(prod, topic, queueSize, log), nil
}

func newKafka(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Kafka {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Kafka{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("notify: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Layer),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("notify: producer error", "err", err)
			}
		}
	}()

	return p
}

func (p *Kafka) Publish(ev Event) bool {
	select {
	case p.events <- ev:
		return true
	default:
		// queue full, drop rather than stall the pipeline
		observability.IncNotifyDropped()
		return false
	}
}

// Close flushes queued events and closes the producer.
func (p *Kafka) Close() error {
	close(p.events)
	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("notify: close producer: %w", err)
	}
	return nil
}
