package application

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/config"
	"gitlab.com/ecolearn/platform/resource-cache/internal/adapters/logger"
	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testLogger() domain.Logger {
	return logger.NewZapAdapterFromLogger(zap.NewNop())
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Cache.StaleAfterMs = 0
	cfg.Cache.EvictAfterSeconds = 60
	cfg.Cache.MaxConcurrentRevalidations = 2
	cfg.Server.InstanceID = "instance-a"
	cfg.Auth.SessionID = "session-1"
	return cfg
}

// fetchFunc is the behaviour of one fakeFetcher call.
type fetchFunc func(ctx context.Context, key domain.ResourceKey, req domain.RequestDescriptor) (json.RawMessage, error)

// fakeFetcher records calls and delegates to handler.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []domain.ResourceKey
	reqs    []domain.RequestDescriptor
	handler fetchFunc
}

func newFakeFetcher(handler fetchFunc) *fakeFetcher {
	return &fakeFetcher{handler: handler}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key domain.ResourceKey, req domain.RequestDescriptor) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.reqs = append(f.reqs, req)
	h := f.handler
	f.mu.Unlock()
	return h(ctx, key, req)
}

func (f *fakeFetcher) setHandler(h fetchFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) callsFor(key domain.ResourceKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.calls {
		if k == key {
			n++
		}
	}
	return n
}

func respond(body string) fetchFunc {
	return func(context.Context, domain.ResourceKey, domain.RequestDescriptor) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	}
}

func fail(kind domain.ErrorKind, status int, msg string) fetchFunc {
	return func(context.Context, domain.ResourceKey, domain.RequestDescriptor) (json.RawMessage, error) {
		return nil, domain.NewFetchError(kind, status, msg, nil)
	}
}

// gated blocks every call until release is closed, then answers with next.
func gated(release <-chan struct{}, next fetchFunc) fetchFunc {
	return func(ctx context.Context, key domain.ResourceKey, req domain.RequestDescriptor) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return next(ctx, key, req)
	}
}

// fakeAuth is an AuthProvider whose credential can be swapped by tests.
type fakeAuth struct {
	mu            sync.Mutex
	cred          *domain.Credential
	invalidations atomic.Int32
}

func (a *fakeAuth) Credential(context.Context) (*domain.Credential, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cred == nil {
		return nil, false
	}
	return a.cred, true
}

func (a *fakeAuth) CredentialInvalidated(context.Context, string) {
	a.invalidations.Add(1)
}

func (a *fakeAuth) setToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token == "" {
		a.cred = nil
		return
	}
	a.cred = &domain.Credential{AccessToken: token}
}

// recorder collects every snapshot a listener receives.
type recorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (r *recorder) listen(s domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Snapshot(nil), r.snaps...)
}

// latest returns the snapshot with the highest Seq.
func (r *recorder) latest() domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best domain.Snapshot
	for _, s := range r.snaps {
		if s.Seq >= best.Seq {
			best = s
		}
	}
	return best
}

func newTestCoordinator(t *testing.T, cfg *config.Config, fetcher domain.Fetcher, auth domain.AuthProvider) *Coordinator {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	c := NewCoordinator(testLogger(), config.NewStaticProvider(cfg), fetcher, DefaultRoutes(), auth)
	t.Cleanup(c.Close)
	return c
}

func receive(t *testing.T, ch <-chan domain.Snapshot) domain.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for snapshot")
		return domain.Snapshot{}
	}
}
