package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/rediskeys"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

var ErrAlreadySubscribed = errors.New("credential events subscription already active")

// CredentialEventsAdapter implements domain.CredentialEventPublisher and
// domain.CredentialEventSubscriber over Redis pub/sub.
type CredentialEventsAdapter struct {
	redisClient *redis.Client
	logger      domain.Logger

	mu   sync.Mutex
	sub  *redis.PubSub
	done chan struct{}
}

// NewCredentialEventsAdapter creates a new adapter for Redis pub/sub.
func NewCredentialEventsAdapter(redisClient *redis.Client, logger domain.Logger) *CredentialEventsAdapter {
	return &CredentialEventsAdapter{
		redisClient: redisClient,
		logger:      logger,
	}
}

// PublishCredentialEvent publishes event on the channel of its session.
func (a *CredentialEventsAdapter) PublishCredentialEvent(ctx context.Context, event domain.CredentialEvent) error {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal CredentialEvent: %w", err)
	}

	channel := rediskeys.CredentialEventsChannel(event.SessionID)
	if err = a.redisClient.Publish(ctx, channel, string(payloadBytes)).Err(); err != nil {
		a.logger.Error(ctx, "Failed to publish credential event to Redis", "channel", channel, "error", err.Error())
		return fmt.Errorf("failed to publish to Redis channel '%s': %w", channel, err)
	}
	a.logger.Info(ctx, "Published credential event", "channel", channel, "origin", event.Origin, "reason", event.Reason)
	return nil
}

// SubscribeCredentialEvents subscribes to every credential event channel and calls handler for
// each message on a background goroutine. It returns once the subscription is confirmed.
func (a *CredentialEventsAdapter) SubscribeCredentialEvents(ctx context.Context, handler domain.CredentialEventHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return ErrAlreadySubscribed
	}

	pattern := rediskeys.CredentialEventsPattern()
	sub := a.redisClient.PSubscribe(ctx, pattern)
	// Receive confirms the subscription before messages are consumed from Channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		a.logger.Error(ctx, "Failed to confirm Redis PSubscribe", "pattern", pattern, "error", err.Error())
		return fmt.Errorf("failed to subscribe to pattern '%s': %w", pattern, err)
	}
	a.logger.Info(ctx, "Subscribed to credential events", "pattern", pattern)

	a.sub = sub
	done := make(chan struct{})
	a.done = done
	ch := sub.Channel()

	safego.Execute(ctx, a.logger, "CredentialEventsSubscriber", func() {
		defer close(done)
		for msg := range ch {
			var event domain.CredentialEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				a.logger.Error(ctx, "Failed to unmarshal CredentialEvent from pub/sub",
					"channel", msg.Channel,
					"error", err.Error())
				continue
			}
			if err := handler(msg.Channel, event); err != nil {
				a.logger.Error(ctx, "Error in CredentialEventHandler",
					"channel", msg.Channel,
					"origin", event.Origin,
					"error", err.Error())
			}
		}
		a.logger.Info(ctx, "Credential events subscription ended", "pattern", pattern)
	})
	return nil
}

// Close ends the subscription and waits for the receive loop to exit.
func (a *CredentialEventsAdapter) Close() error {
	a.mu.Lock()
	sub, done := a.sub, a.done
	a.sub, a.done = nil, nil
	a.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	if done != nil {
		<-done
	}
	if err != nil {
		return fmt.Errorf("error closing Redis pub/sub: %w", err)
	}
	a.logger.Info(context.Background(), "Credential events subscription closed")
	return nil
}
