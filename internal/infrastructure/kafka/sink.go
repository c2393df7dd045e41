// Package kafka implements [domain.EventSink] over a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

// Sink publishes deployment events to a Kafka topic. Messages are keyed
// by deployment id so partition ordering preserves per-deployment event
// order for consumers.
type Sink struct {
	writer *kafkago.Writer
}

func NewSink(brokers []string, topic string) *Sink {
	return &Sink{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafkago.Hash{},
		},
	}
}

func (s *Sink) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(event.DeploymentID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
