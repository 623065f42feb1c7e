package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/ridehail/internal/models"
	"github.com/segmentio/kafka-go"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, Async: true}
	return &KafkaProducer{writer: w}
}

// PublishLocation sends one driver fix keyed by driver id so fixes of a driver stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if loc.Updated.IsZero() {
		loc.Updated = time.Now()
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// Fanout publishes every fix to all publishers and joins their errors.
type Fanout []LocationPublisher

func (f Fanout) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishLocation(ctx, loc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
