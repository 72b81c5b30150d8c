package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/safego"
)

const (
	requestIDHeader = "X-Request-ID"
	originHeader    = "X-Origin-Instance"
)

// ErrAlreadyStarted is returned by Start on a consumer that is already subscribed.
var ErrAlreadyStarted = errors.New("change event consumer already started")

// ChangeEventConsumer turns backend "resource changed" events into cache invalidations and
// revalidates every subscribed entry after the NATS connection comes back.
type ChangeEventConsumer struct {
	nc             *nats.Conn
	logger         domain.Logger
	configProvider config.Provider
	invalidator    domain.Invalidator
	appCtx         context.Context

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewChangeEventConsumer connects to NATS. The connection retries in the background when the
// server is not reachable yet, so a missing broker never blocks startup.
func NewChangeEventConsumer(appCtx context.Context, cfgProvider config.Provider, appLogger domain.Logger, invalidator domain.Invalidator) (*ChangeEventConsumer, func(), error) {
	cfg := cfgProvider.Get()
	natsCfg := cfg.NATS

	c := &ChangeEventConsumer{
		logger:         appLogger,
		configProvider: cfgProvider,
		invalidator:    invalidator,
		appCtx:         appCtx,
	}

	appLogger.Info(appCtx, "Attempting to connect to NATS server", "url", natsCfg.URL)
	nc, err := nats.Connect(natsCfg.URL,
		nats.Name(fmt.Sprintf("%s-%s", cfg.App.ServiceName, cfg.Server.InstanceID)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(natsCfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(natsCfg.ReconnectWaitSeconds)*time.Second),
		nats.Timeout(5*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			appLogger.Error(appCtx, "NATS error", "subscription", subject, "error", err.Error())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			appLogger.Info(appCtx, "NATS connection closed")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			appLogger.Warn(appCtx, "NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			appLogger.Info(appCtx, "NATS reconnected", "url", conn.ConnectedUrl())
			c.onReconnect()
		}),
	)
	if err != nil {
		appLogger.Error(appCtx, "Failed to connect to NATS", "url", natsCfg.URL, "error", err.Error())
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsCfg.URL, err)
	}
	c.nc = nc

	cleanup := func() {
		appLogger.Info(context.Background(), "Closing NATS connection...")
		c.Close()
	}
	return c, cleanup, nil
}

// Subject returns the wildcard subject change events are published on.
func Subject(prefix string) string {
	return fmt.Sprintf("%s.resources.*.changed", prefix)
}

// KindSubject returns the subject for changes of one kind.
func KindSubject(prefix string, kind domain.ResourceKind) string {
	return fmt.Sprintf("%s.resources.%s.changed", prefix, kind)
}

// Start subscribes to change events. Without a queue group every instance receives every
// event, which is what per-instance caches need.
func (c *ChangeEventConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return ErrAlreadyStarted
	}

	natsCfg := c.configProvider.Get().NATS
	subject := Subject(natsCfg.SubjectPrefix)

	var (
		sub *nats.Subscription
		err error
	)
	if natsCfg.QueueGroup != "" {
		sub, err = c.nc.QueueSubscribe(subject, natsCfg.QueueGroup, c.handleMessage)
	} else {
		sub, err = c.nc.Subscribe(subject, c.handleMessage)
	}
	if err != nil {
		c.logger.Error(ctx, "Failed to subscribe to change events", "subject", subject, "error", err.Error())
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.sub = sub

	c.logger.Info(ctx, "Subscribed to change events",
		"subject", subject,
		"queue_group", natsCfg.QueueGroup)
	return nil
}

// Connected reports whether the NATS connection is currently usable.
func (c *ChangeEventConsumer) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Conn returns the underlying NATS connection.
func (c *ChangeEventConsumer) Conn() *nats.Conn {
	return c.nc
}

// Close drains the subscription and the connection.
func (c *ChangeEventConsumer) Close() {
	c.mu.Lock()
	c.sub = nil
	c.mu.Unlock()

	if c.nc != nil && !c.nc.IsClosed() && !c.nc.IsDraining() {
		c.logger.Info(context.Background(), "Draining NATS connection...")
		if err := c.nc.Drain(); err != nil {
			c.logger.Error(context.Background(), "Error draining NATS connection", "error", err.Error())
		}
	}
}

func (c *ChangeEventConsumer) handleMessage(msg *nats.Msg) {
	ctx := context.Background()
	if reqID := msg.Header.Get(requestIDHeader); reqID != "" {
		ctx = context.WithValue(ctx, contextkeys.RequestIDKey, reqID)
	}
	instanceID := c.configProvider.Get().Server.InstanceID
	if origin := msg.Header.Get(originHeader); origin != "" && origin == instanceID {
		// already invalidated locally when the change was made
		return
	}

	event, err := decodeChangeEvent(msg.Subject, msg.Data)
	if err != nil {
		c.logger.Warn(ctx, "Dropping malformed change event", "subject", msg.Subject, "error", err.Error())
		metrics.IncrementChangeEvents("malformed")
		return
	}
	c.apply(ctx, event)
}

func (c *ChangeEventConsumer) apply(ctx context.Context, event domain.ResourceChangedEvent) int {
	metrics.IncrementChangeEvents(string(event.Kind))

	var marked int
	if key := event.Key(); !key.IsZero() {
		marked = c.invalidator.InvalidateKey(key)
		ctx = context.WithValue(ctx, contextkeys.ResourceKeyKey, key.String())
	} else {
		marked = c.invalidator.InvalidateKind(event.Kind)
	}
	c.logger.Debug(ctx, "Applied change event",
		"kind", string(event.Kind),
		"reason", event.Reason,
		"entries_marked", marked)
	return marked
}

func (c *ChangeEventConsumer) onReconnect() {
	if !c.configProvider.Get().Cache.RevalidateOnReconnect {
		return
	}
	safego.Execute(c.appCtx, c.logger, "NATSReconnectRevalidation", func() {
		if err := c.invalidator.RevalidateAll(c.appCtx, domain.TriggerReconnect); err != nil {
			c.logger.Warn(c.appCtx, "Revalidation after reconnect stopped early", "error", err.Error())
		}
	})
}

// decodeChangeEvent reads the payload; a missing kind is taken from the subject.
func decodeChangeEvent(subject string, data []byte) (domain.ResourceChangedEvent, error) {
	var event domain.ResourceChangedEvent
	if len(data) > 0 {
		if err := json.Unmarshal(data, &event); err != nil {
			return event, fmt.Errorf("invalid change event payload: %w", err)
		}
	}
	if event.Kind == "" {
		event.Kind = kindFromSubject(subject)
	}
	if event.Kind == "" {
		return event, errors.New("change event has no kind")
	}
	return event, nil
}

func kindFromSubject(subject string) domain.ResourceKind {
	tokens := strings.Split(subject, ".")
	n := len(tokens)
	if n < 3 || tokens[n-1] != "changed" || tokens[n-3] != "resources" {
		return ""
	}
	return domain.ResourceKind(tokens[n-2])
}
