package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const redisChannel = "chat-events"

// Broker carries serialized events between gateway instances. Every
// instance, including the publisher, receives each event through its own
// subscription and delivers it to local connections.
type Broker interface {
	Publish(ctx context.Context, conversationID int64, data []byte) error
	// Subscribe blocks, invoking deliver for each event, until ctx is done.
	Subscribe(ctx context.Context, deliver func(conversationID int64, data []byte)) error
}

type envelope struct {
	ConversationID int64           `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
}

func encodeEnvelope(conversationID int64, data []byte) ([]byte, error) {
	return json.Marshal(envelope{ConversationID: conversationID, Data: data})
}

func decodeEnvelope(payload string) (int64, []byte, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return 0, nil, err
	}
	if env.ConversationID == 0 {
		return 0, nil, fmt.Errorf("envelope without conversation id")
	}
	return env.ConversationID, env.Data, nil
}

// RedisBroker fans events out across instances over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger.With("component", "redis-broker")}
}

func (b *RedisBroker) Publish(ctx context.Context, conversationID int64, data []byte) error {
	payload, err := encodeEnvelope(conversationID, data)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannel, payload).Err()
}

// Subscribe listens for messages from every instance, this one included.
func (b *RedisBroker) Subscribe(ctx context.Context, deliver func(int64, []byte)) error {
	pubsub := b.client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so early publishes are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", redisChannel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			conversationID, data, err := decodeEnvelope(msg.Payload)
			if err != nil {
				b.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			deliver(conversationID, data)
		}
	}
}
