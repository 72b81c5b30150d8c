package rediskeys

import (
	"fmt"

	"gitlab.com/ecolearn/platform/resource-cache/pkg/crypto"
)

const credentialEventsPrefix = "credential_events:"

// CredentialKey generates the Redis key for the stored credential of a session.
// The session id is hashed so raw identifiers never appear in Redis.
func CredentialKey(sessionID string) string {
	return fmt.Sprintf("credential:%s", crypto.Sha256Hex(sessionID))
}

// CredentialEventsChannel generates the pub/sub channel for credential invalidations of a session.
func CredentialEventsChannel(sessionID string) string {
	return credentialEventsPrefix + crypto.Sha256Hex(sessionID)
}

// CredentialEventsPattern matches every credential invalidation channel.
func CredentialEventsPattern() string {
	return credentialEventsPrefix + "*"
}
