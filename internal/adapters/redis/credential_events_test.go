package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/rediskeys"
)

func TestCredentialEvents_PublishSubscribe(t *testing.T) {
	_, client := newTestRedis(t)
	subscriber := NewCredentialEventsAdapter(client, testLogger())
	publisher := NewCredentialEventsAdapter(client, testLogger())

	var mu sync.Mutex
	var got []domain.CredentialEvent
	var channels []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, subscriber.SubscribeCredentialEvents(ctx, func(channel string, event domain.CredentialEvent) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
		channels = append(channels, channel)
		return nil
	}))
	t.Cleanup(func() { _ = subscriber.Close() })

	event := domain.CredentialEvent{SessionID: "session-1", Origin: "instance-b", Reason: "unauthenticated"}
	require.NoError(t, publisher.PublishCredentialEvent(ctx, event))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, event, got[0])
	assert.Equal(t, rediskeys.CredentialEventsChannel("session-1"), channels[0])
}

func TestCredentialEvents_SubscribeTwiceAndClose(t *testing.T) {
	_, client := newTestRedis(t)
	a := NewCredentialEventsAdapter(client, testLogger())
	noop := func(string, domain.CredentialEvent) error { return nil }

	require.NoError(t, a.SubscribeCredentialEvents(context.Background(), noop))
	assert.ErrorIs(t, a.SubscribeCredentialEvents(context.Background(), noop), ErrAlreadySubscribed)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "closing twice is a no-op")
	require.NoError(t, a.SubscribeCredentialEvents(context.Background(), noop), "can resubscribe after close")
	require.NoError(t, a.Close())
}

func TestCredentialEvents_MalformedPayloadIsSkipped(t *testing.T) {
	_, client := newTestRedis(t)
	a := NewCredentialEventsAdapter(client, testLogger())
	received := make(chan domain.CredentialEvent, 2)
	require.NoError(t, a.SubscribeCredentialEvents(context.Background(), func(_ string, e domain.CredentialEvent) error {
		received <- e
		return nil
	}))
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, rediskeys.CredentialEventsChannel("s"), "not json").Err())
	require.NoError(t, a.PublishCredentialEvent(ctx, domain.CredentialEvent{SessionID: "s", Origin: "o"}))

	select {
	case e := <-received:
		assert.Equal(t, "o", e.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered after malformed one")
	}
}
