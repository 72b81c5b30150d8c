package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
)

// ChangePublisher announces writes made through this instance to the other instances.
type ChangePublisher struct {
	nc             *nats.Conn
	configProvider config.Provider
	logger         domain.Logger
}

// NewChangePublisher publishes over the consumer's connection.
func NewChangePublisher(consumer *ChangeEventConsumer, cfgProvider config.Provider, logger domain.Logger) *ChangePublisher {
	return &ChangePublisher{nc: consumer.Conn(), configProvider: cfgProvider, logger: logger}
}

// PublishResourceChanged implements domain.ChangeEventPublisher.
func (p *ChangePublisher) PublishResourceChanged(ctx context.Context, event domain.ResourceChangedEvent) error {
	if event.Kind == "" {
		return errors.New("change event has no kind")
	}
	if p.nc == nil {
		return errors.New("NATS connection is not initialized")
	}
	cfg := p.configProvider.Get()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	msg := nats.NewMsg(KindSubject(cfg.NATS.SubjectPrefix, event.Kind))
	msg.Data = data
	msg.Header.Set(originHeader, cfg.Server.InstanceID)
	if reqID, ok := ctx.Value(contextkeys.RequestIDKey).(string); ok && reqID != "" {
		msg.Header.Set(requestIDHeader, reqID)
	}

	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Error(ctx, "Failed to publish change event", "subject", msg.Subject, "error", err.Error())
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}
