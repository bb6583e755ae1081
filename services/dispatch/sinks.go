package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"btcescrow/services/webhook"
)

// WebhookSink forwards events for invoices that registered a notification URL
// to the webhook delivery queue.
type WebhookSink struct {
	queue *webhook.Queue
}

// NewWebhookSink wraps queue.
func NewWebhookSink(queue *webhook.Queue) *WebhookSink {
	return &WebhookSink{queue: queue}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(_ context.Context, evt Event) error {
	if evt.NotifyURL == "" || s.queue == nil {
		return nil
	}
	s.queue.Enqueue(evt.NotifyURL, ToWebhook(evt))
	return nil
}

// ToWebhook converts evt into the webhook body.
func ToWebhook(evt Event) webhook.Event {
	return webhook.Event{
		Sequence:   evt.Sequence,
		ID:         evt.ID,
		Type:       evt.Kind,
		InvoiceID:  evt.InvoiceID,
		From:       string(evt.From),
		To:         string(evt.To),
		Reason:     evt.Reason,
		Attributes: evt.Attributes,
		CreatedAt:  evt.At,
	}
}

// RedisPublisher is the subset of *redis.Client the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes every event as JSON on one channel per recipient so
// other processes can fan out to their own clients.
type RedisSink struct {
	client RedisPublisher
	prefix string
}

// NewRedisSink publishes on "<prefix>.<userId>".
func NewRedisSink(client RedisPublisher, prefix string) *RedisSink {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "btcescrow.events"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	for _, userID := range evt.Recipients {
		if err := s.client.Publish(ctx, s.Channel(userID), payload).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", userID, err)
		}
	}
	return nil
}

// Channel returns the channel name for userID.
func (s *RedisSink) Channel(userID string) string {
	return s.prefix + "." + userID
}
