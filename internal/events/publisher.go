package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes relayed events to one topic per event type.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
}

func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topicPrefix: topicPrefix,
	}, nil
}

// Topic returns the topic an event type is published to.
func (p *KafkaPublisher) Topic(eventType string) string {
	return p.topicPrefix + strings.ReplaceAll(eventType, "_", "-")
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(msg.ID)},
		{Key: "event_type", Value: []byte(msg.Type)},
	}
	for k, v := range msg.TraceContext {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.Topic(msg.Type),
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: headers,
		Time:    msg.CreatedAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MemoryPublisher keeps relayed events in memory. Used when no broker is
// configured and in tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	failures map[string]error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{failures: map[string]error{}}
}

// FailType makes every publish of eventType return err until cleared with nil.
func (p *MemoryPublisher) FailType(eventType string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, eventType)
		return
	}
	p.failures[eventType] = err
}

func (p *MemoryPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[msg.Type]; err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	p.messages = append(p.messages, msg)
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *MemoryPublisher) Close() error { return nil }
