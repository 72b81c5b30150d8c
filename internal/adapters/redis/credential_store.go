package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gitlab.com/ecolearn/platform/resource-cache/internal/domain"
	"gitlab.com/ecolearn/platform/resource-cache/pkg/crypto"
)

// CredentialStoreAdapter implements domain.CredentialStore on Redis. Credentials are sealed
// with AES-256-GCM when an AES key is configured, so tokens never sit in Redis in clear text.
type CredentialStoreAdapter struct {
	redisClient *redis.Client
	logger      domain.Logger
	aesKeyHex   string
}

// NewCredentialStoreAdapter creates a new instance of CredentialStoreAdapter.
// An empty aesKeyHex stores plain JSON.
func NewCredentialStoreAdapter(redisClient *redis.Client, logger domain.Logger, aesKeyHex string) *CredentialStoreAdapter {
	if redisClient == nil {
		panic("redisClient cannot be nil in NewCredentialStoreAdapter")
	}
	if logger == nil {
		panic("logger cannot be nil in NewCredentialStoreAdapter")
	}
	return &CredentialStoreAdapter{
		redisClient: redisClient,
		logger:      logger,
		aesKeyHex:   aesKeyHex,
	}
}

// Get retrieves a credential. It returns domain.ErrCacheMiss when the key does not exist.
func (a *CredentialStoreAdapter) Get(ctx context.Context, key string) (*domain.Credential, error) {
	val, err := a.redisClient.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		a.logger.Debug(ctx, "Credential cache miss", "key", key)
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		a.logger.Error(ctx, "Failed to get credential from Redis", "key", key, "error", err.Error())
		return nil, fmt.Errorf("redis GET for credential key '%s' failed: %w", key, err)
	}

	payload := []byte(val)
	if a.aesKeyHex != "" {
		payload, err = crypto.DecryptAESGCM(a.aesKeyHex, val)
		if err != nil {
			a.logger.Error(ctx, "Failed to decrypt stored credential", "key", key, "error", err.Error())
			return nil, fmt.Errorf("failed to decrypt credential for key '%s': %w", key, err)
		}
	}

	var cred domain.Credential
	if err = json.Unmarshal(payload, &cred); err != nil {
		a.logger.Error(ctx, "Failed to unmarshal stored credential", "key", key, "error", err.Error())
		return nil, fmt.Errorf("failed to unmarshal credential for key '%s': %w", key, err)
	}

	a.logger.Debug(ctx, "Credential cache hit", "key", key)
	return &cred, nil
}

// Set stores a credential with the given TTL.
func (a *CredentialStoreAdapter) Set(ctx context.Context, key string, value *domain.Credential, ttl time.Duration) error {
	payloadBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal credential for key '%s': %w", key, err)
	}

	stored := string(payloadBytes)
	if a.aesKeyHex != "" {
		stored, err = crypto.EncryptAESGCM(a.aesKeyHex, payloadBytes)
		if err != nil {
			a.logger.Error(ctx, "Failed to seal credential", "key", key, "error", err.Error())
			return fmt.Errorf("failed to encrypt credential for key '%s': %w", key, err)
		}
	}

	if err = a.redisClient.Set(ctx, key, stored, ttl).Err(); err != nil {
		a.logger.Error(ctx, "Failed to set credential in Redis", "key", key, "error", err.Error())
		return fmt.Errorf("redis SET for credential key '%s' failed: %w", key, err)
	}

	a.logger.Debug(ctx, "Stored credential", "key", key, "ttl", ttl.String(), "sealed", a.aesKeyHex != "")
	return nil
}

// Delete removes a credential; deleting a missing key is not an error.
func (a *CredentialStoreAdapter) Delete(ctx context.Context, key string) error {
	if err := a.redisClient.Del(ctx, key).Err(); err != nil {
		a.logger.Error(ctx, "Failed to delete credential from Redis", "key", key, "error", err.Error())
		return fmt.Errorf("redis DEL for credential key '%s' failed: %w", key, err)
	}
	return nil
}
