// Package events announces committed and failed transfers on Redis pub/sub.
package events

import (
	"context"
	"time"

	"github.com/canopy-network/custodyx/pkg/redis"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

const DefaultChannel = "custodyx:transfers"

// Transfer is the payload published for every transfer reaching a final state.
type Transfer struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Amount    string    `json:"amount"`
	TxHash    string    `json:"txHash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is implemented by anything that can fan transfer outcomes out.
type Publisher interface {
	PublishTransfer(ctx context.Context, t Transfer)
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishTransfer(context.Context, Transfer) {}

// RedisPublisher writes events to one pub/sub channel. Publishing is best effort.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

func (p *RedisPublisher) PublishTransfer(ctx context.Context, t Transfer) {
	payload, err := json.Marshal(t)
	if err != nil {
		p.logger.Warn("Failed to encode transfer event", zap.String("id", t.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	p.client.Publish(ctx, p.channel, payload)
	p.client.XAdd(ctx, p.Stream(), map[string]interface{}{
		"id":      t.ID,
		"state":   t.State,
		"payload": string(payload),
	})
}

// Stream is the capped stream keeping recent events for late readers.
func (p *RedisPublisher) Stream() string {
	return p.channel + ":log"
}
