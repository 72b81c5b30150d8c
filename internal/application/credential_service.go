package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/metrics"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/contextkeys"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/crypto"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/rediskeys"
)

var ErrCredentialInvalid = errors.New("credential is invalid")

const defaultCredentialTTL = 24 * time.Hour

// InvalidationListener is told when the session credential is dropped, locally or by another instance.
type InvalidationListener func(ctx context.Context, reason string)

// CredentialService is the authentication provider of this instance. It keeps the session
// credential in memory, loads it from the credential store once, and tells other instances
// when it is invalidated.
type CredentialService struct {
	logger         domain.Logger
	configProvider config.Provider
	store          domain.CredentialStore
	publisher      domain.CredentialEventPublisher

	mu        sync.RWMutex
	current   *domain.Credential
	loaded    bool
	listeners []InvalidationListener

	loadGroup singleflight.Group
	now       func() time.Time
}

// NewCredentialService creates a CredentialService. publisher may be nil for a single instance.
func NewCredentialService(
	logger domain.Logger,
	configProvider config.Provider,
	store domain.CredentialStore,
	publisher domain.CredentialEventPublisher,
) *CredentialService {
	if logger == nil {
		panic("logger is nil in NewCredentialService")
	}
	if configProvider == nil {
		panic("config provider is nil in NewCredentialService")
	}
	if store == nil {
		panic("credential store is nil in NewCredentialService")
	}
	return &CredentialService{
		logger:         logger,
		configProvider: configProvider,
		store:          store,
		publisher:      publisher,
		now:            time.Now,
	}
}

func (s *CredentialService) sessionID() string {
	return s.configProvider.Get().Auth.SessionID
}

func (s *CredentialService) storeKey() string {
	return rediskeys.CredentialKey(s.sessionID())
}

func (s *CredentialService) sessionContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextkeys.SessionIDKey, s.sessionID())
}

// Credential returns the session credential. The first call loads it from the store;
// concurrent first calls share one load.
func (s *CredentialService) Credential(ctx context.Context) (*domain.Credential, bool) {
	s.mu.RLock()
	cred, loaded := s.current, s.loaded
	s.mu.RUnlock()

	if !loaded {
		v, err, _ := s.loadGroup.Do(s.storeKey(), func() (interface{}, error) {
			return s.load(ctx)
		})
		if err != nil {
			s.logger.Error(s.sessionContext(ctx), "Failed to load credential from store", "error", err.Error())
			return nil, false
		}
		cred, _ = v.(*domain.Credential)
	}

	if cred == nil || cred.AccessToken == "" || cred.Expired(s.now()) {
		return nil, false
	}
	return cred, true
}

func (s *CredentialService) load(ctx context.Context) (*domain.Credential, error) {
	s.mu.RLock()
	if s.loaded {
		cred := s.current
		s.mu.RUnlock()
		return cred, nil
	}
	s.mu.RUnlock()

	cred, err := s.store.Get(ctx, s.storeKey())
	if err != nil && !errors.Is(err, domain.ErrCacheMiss) {
		return nil, err
	}
	if errors.Is(err, domain.ErrCacheMiss) {
		cred = nil
		s.logger.Debug(s.sessionContext(ctx), "No stored credential for session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// SetCredential or an invalidation may have won the race.
	if !s.loaded {
		s.current = cred
		s.loaded = true
	}
	return s.current, nil
}

// SetCredential stores cred for the session, replacing any previous one.
func (s *CredentialService) SetCredential(ctx context.Context, cred *domain.Credential) error {
	if cred == nil || cred.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", ErrCredentialInvalid)
	}
	if cred.Expired(s.now()) {
		return fmt.Errorf("%w: expired at %s", ErrCredentialInvalid, cred.ExpiresAt.Format(time.RFC3339))
	}

	ttl := s.configProvider.Get().Auth.CredentialTTL()
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	if !cred.ExpiresAt.IsZero() {
		if untilExpiry := cred.ExpiresAt.Sub(s.now()); untilExpiry < ttl {
			ttl = untilExpiry
		}
	}

	if err := s.store.Set(ctx, s.storeKey(), cred, ttl); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	s.mu.Lock()
	s.current = cred
	s.loaded = true
	s.mu.Unlock()

	s.logger.Info(s.sessionContext(ctx), "Credential stored", "ttl", ttl.String())
	return nil
}

// CredentialInvalidated is called by the fetcher when the Remote API rejects token. A rejection
// of a token that has since been replaced is ignored.
func (s *CredentialService) CredentialInvalidated(ctx context.Context, token string) {
	s.mu.RLock()
	current := s.current
	s.mu.RUnlock()
	if current == nil || crypto.Fingerprint(current.AccessToken) != crypto.Fingerprint(token) {
		s.logger.Info(s.sessionContext(ctx), "Ignoring rejection of a replaced credential",
			"rejected", crypto.Fingerprint(token))
		return
	}

	metrics.IncrementCredentialInvalidations("local")
	s.Invalidate(ctx, "unauthenticated")
}

// Invalidate drops the credential here and in the store, and tells the other instances.
func (s *CredentialService) Invalidate(ctx context.Context, reason string) {
	logCtx := s.sessionContext(ctx)
	s.clear()

	if err := s.store.Delete(ctx, s.storeKey()); err != nil {
		s.logger.Error(logCtx, "Failed to delete stored credential", "error", err.Error())
	}

	if s.publisher != nil {
		event := domain.CredentialEvent{
			SessionID: s.sessionID(),
			Origin:    s.configProvider.Get().Server.InstanceID,
			Reason:    reason,
		}
		if err := s.publisher.PublishCredentialEvent(ctx, event); err != nil {
			s.logger.Error(logCtx, "Failed to publish credential invalidation", "error", err.Error())
		}
	}

	s.logger.Warn(logCtx, "Credential invalidated", "reason", reason)
	s.notify(ctx, reason)
}

// HandleRemoteInvalidation applies a CredentialEvent received from another instance.
// It matches domain.CredentialEventHandler.
func (s *CredentialService) HandleRemoteInvalidation(channel string, event domain.CredentialEvent) error {
	ctx := context.Background()
	if event.Origin == s.configProvider.Get().Server.InstanceID {
		s.logger.Debug(ctx, "Ignoring credential event published by this instance", "channel", channel)
		return nil
	}
	if event.SessionID != s.sessionID() {
		s.logger.Debug(ctx, "Ignoring credential event for another session", "channel", channel)
		return nil
	}

	metrics.IncrementCredentialInvalidations("remote")
	s.clear()
	s.logger.Info(s.sessionContext(ctx), "Credential invalidated by another instance",
		"origin", event.Origin,
		"reason", event.Reason)
	s.notify(ctx, event.Reason)
	return nil
}

// OnInvalidated registers fn to run after every invalidation.
func (s *CredentialService) OnInvalidated(fn InvalidationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *CredentialService) clear() {
	s.mu.Lock()
	s.current = nil
	s.loaded = true
	s.mu.Unlock()
}

func (s *CredentialService) notify(ctx context.Context, reason string) {
	s.mu.RLock()
	listeners := append([]InvalidationListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, reason)
	}
}
