// Package deadletter publishes notifications for queue tasks that were
// abandoned. It is a notification channel, not durable storage.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/payhook/internal/webhook"
)

const (
	DLQType      = "webhook.dlq"
	Version      = "v1"
	DefaultTopic = "webhooks_dlq"
)

// Reasons a task is dead lettered.
const (
	ReasonExhausted = "retries_exhausted"
	ReasonRejected  = "permanent_failure"
)

type DeadLetter struct {
	Type         string            `json:"type"`     // "webhook.dlq"
	Version      string            `json:"version"`  // schema version
	At           string            `json:"at"`       // RFC3339 time the dead letter was emitted
	Reason       string            `json:"reason"`   // retries_exhausted | permanent_failure
	Attempts     int               `json:"attempts"` // handler invocations made
	LastError    string            `json:"lastError,omitempty"`
	Event        webhook.Event     `json:"event"`
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"` // OTel trace propagation headers
}

func NewDeadLetter(ev webhook.Event, attempts int, lastErr error, reason string, traceHeaders map[string]string) DeadLetter {
	dl := DeadLetter{
		Type:         DLQType,
		Version:      Version,
		At:           time.Now().UTC().Format(time.RFC3339Nano),
		Reason:       reason,
		Attempts:     attempts,
		Event:        ev,
		TraceHeaders: traceHeaders,
	}
	if lastErr != nil {
		dl.LastError = lastErr.Error()
	}
	return dl
}

// Sink receives dead letters.
type Sink interface {
	Publish(ctx context.Context, dl DeadLetter) error
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQSink publishes dead letters as JSON to an NSQ topic.
type NSQSink struct {
	producer Publisher
	topic    string
}

func NewNSQSink(p Publisher, topic string) *NSQSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &NSQSink{producer: p, topic: topic}
}

// DialNSQ creates a producer for nsqd at addr. The returned stop func
// closes the producer.
func DialNSQ(addr, topic string) (*NSQSink, func(), error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLoggerLevel(nsq.LogLevelWarning)
	return NewNSQSink(producer, topic), producer.Stop, nil
}

// Topic returns the destination topic.
func (s *NSQSink) Topic() string { return s.topic }

func (s *NSQSink) Publish(ctx context.Context, dl DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.producer.Publish(s.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", s.topic, err)
	}
	return nil
}
