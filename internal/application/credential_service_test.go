package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/rediskeys"
)

type memoryCredentialStore struct {
	mu      sync.Mutex
	items   map[string]*domain.Credential
	ttls    map[string]time.Duration
	gets    atomic.Int32
	getErr  error
	getWait chan struct{}
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{
		items: make(map[string]*domain.Credential),
		ttls:  make(map[string]time.Duration),
	}
}

func (s *memoryCredentialStore) Get(ctx context.Context, key string) (*domain.Credential, error) {
	s.gets.Add(1)
	if s.getWait != nil {
		<-s.getWait
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.items[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return cred, nil
}

func (s *memoryCredentialStore) Set(ctx context.Context, key string, value *domain.Credential, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	s.ttls[key] = ttl
	return nil
}

func (s *memoryCredentialStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.CredentialEvent
}

func (p *recordingPublisher) PublishCredentialEvent(ctx context.Context, event domain.CredentialEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func newTestCredentialService(t *testing.T, store domain.CredentialStore, pub domain.CredentialEventPublisher) *CredentialService {
	t.Helper()
	return NewCredentialService(testLogger(), config.NewStaticProvider(testConfig()), store, pub)
}

func TestCredentialService_LoadsStoredCredentialOnce(t *testing.T) {
	store := newMemoryCredentialStore()
	store.items[rediskeys.CredentialKey("session-1")] = &domain.Credential{AccessToken: "stored"}
	store.getWait = make(chan struct{})
	svc := newTestCredentialService(t, store, nil)

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if cred, ok := svc.Credential(context.Background()); ok {
				results[i] = cred.AccessToken
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(store.getWait)
	wg.Wait()

	for _, token := range results {
		assert.Equal(t, "stored", token)
	}
	assert.Equal(t, int32(1), store.gets.Load())

	_, ok := svc.Credential(context.Background())
	assert.True(t, ok)
	assert.Equal(t, int32(1), store.gets.Load(), "memoised after the first load")
}

func TestCredentialService_MissingAndFailingStore(t *testing.T) {
	store := newMemoryCredentialStore()
	svc := newTestCredentialService(t, store, nil)

	_, ok := svc.Credential(context.Background())
	assert.False(t, ok)

	failing := newMemoryCredentialStore()
	failing.getErr = errors.New("redis down")
	svc = newTestCredentialService(t, failing, nil)
	_, ok = svc.Credential(context.Background())
	assert.False(t, ok)
	_, ok = svc.Credential(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int32(2), failing.gets.Load(), "a failed load is retried")
}

func TestCredentialService_SetCredential(t *testing.T) {
	store := newMemoryCredentialStore()
	svc := newTestCredentialService(t, store, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	err := svc.SetCredential(context.Background(), &domain.Credential{AccessToken: "a", ExpiresAt: now.Add(10 * time.Minute)})
	require.NoError(t, err)

	cred, ok := svc.Credential(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", cred.AccessToken)
	assert.Equal(t, 10*time.Minute, store.ttls[rediskeys.CredentialKey("session-1")], "ttl capped at expiry")

	assert.ErrorIs(t, svc.SetCredential(context.Background(), &domain.Credential{}), ErrCredentialInvalid)
	assert.ErrorIs(t, svc.SetCredential(context.Background(), &domain.Credential{AccessToken: "old", ExpiresAt: now.Add(-time.Second)}), ErrCredentialInvalid)

	now = now.Add(11 * time.Minute)
	_, ok = svc.Credential(context.Background())
	assert.False(t, ok, "expired credential is not handed out")
}

func TestCredentialService_CredentialInvalidated(t *testing.T) {
	store := newMemoryCredentialStore()
	pub := &recordingPublisher{}
	svc := newTestCredentialService(t, store, pub)
	require.NoError(t, svc.SetCredential(context.Background(), &domain.Credential{AccessToken: "a"}))

	var reasons []string
	svc.OnInvalidated(func(ctx context.Context, reason string) { reasons = append(reasons, reason) })

	svc.CredentialInvalidated(context.Background(), "a")

	_, ok := svc.Credential(context.Background())
	assert.False(t, ok)
	assert.Empty(t, store.items)
	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.CredentialEvent{SessionID: "session-1", Origin: "instance-a", Reason: "unauthenticated"}, pub.events[0])
	assert.Equal(t, []string{"unauthenticated"}, reasons)
}

func TestCredentialService_IgnoresRejectionOfReplacedToken(t *testing.T) {
	store := newMemoryCredentialStore()
	pub := &recordingPublisher{}
	svc := newTestCredentialService(t, store, pub)
	require.NoError(t, svc.SetCredential(context.Background(), &domain.Credential{AccessToken: "t1"}))
	require.NoError(t, svc.SetCredential(context.Background(), &domain.Credential{AccessToken: "t2"}))

	var notified atomic.Int32
	svc.OnInvalidated(func(context.Context, string) { notified.Add(1) })

	svc.CredentialInvalidated(context.Background(), "t1")

	cred, ok := svc.Credential(context.Background())
	require.True(t, ok)
	assert.Equal(t, "t2", cred.AccessToken)
	assert.NotEmpty(t, store.items)
	assert.Empty(t, pub.events)
	assert.Equal(t, int32(0), notified.Load())

	svc.CredentialInvalidated(context.Background(), "t2")
	_, ok = svc.Credential(context.Background())
	assert.False(t, ok)
	assert.Len(t, pub.events, 1)
	assert.Equal(t, int32(1), notified.Load())
}

func TestCredentialService_HandleRemoteInvalidation(t *testing.T) {
	store := newMemoryCredentialStore()
	svc := newTestCredentialService(t, store, nil)
	require.NoError(t, svc.SetCredential(context.Background(), &domain.Credential{AccessToken: "a"}))

	var notified atomic.Int32
	svc.OnInvalidated(func(context.Context, string) { notified.Add(1) })

	channel := rediskeys.CredentialEventsChannel("session-1")
	require.NoError(t, svc.HandleRemoteInvalidation(channel, domain.CredentialEvent{SessionID: "session-1", Origin: "instance-a"}))
	require.NoError(t, svc.HandleRemoteInvalidation(channel, domain.CredentialEvent{SessionID: "session-2", Origin: "instance-b"}))
	_, ok := svc.Credential(context.Background())
	assert.True(t, ok, "own and foreign-session events are ignored")
	assert.Equal(t, int32(0), notified.Load())

	require.NoError(t, svc.HandleRemoteInvalidation(channel, domain.CredentialEvent{SessionID: "session-1", Origin: "instance-b", Reason: "signed_out"}))
	_, ok = svc.Credential(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int32(1), notified.Load())
	assert.NotEmpty(t, store.items, "the originating instance owns the store delete")
}

func TestCredentialService_ImplementsAuthProvider(t *testing.T) {
	var _ domain.AuthProvider = (*CredentialService)(nil)
}
