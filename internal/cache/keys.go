package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	userKeyPrefix    = "user:%d"
	hubKeyPrefix     = "hub:%s"
	deviceKeyPrefix  = "device:%d"
	sessionKeyPrefix = "session:%s"
)

const (
	// UserTTL bounds how long a user record is cached before a fresh read.
	UserTTL = 5 * time.Minute
	// HubTTL bounds how long an approved hub record is cached.
	HubTTL = 10 * time.Minute
	// SessionTTL bounds how long a session's cached view survives; short,
	// since heartbeats and status updates invalidate it constantly.
	SessionTTL = 30 * time.Second
)

// UserKey derives the cache key for a user by ID.
func UserKey(userID uint) string {
	return fmt.Sprintf(userKeyPrefix, userID)
}

// HubKey derives the cache key for a hub by slug.
func HubKey(slug string) string {
	return fmt.Sprintf(hubKeyPrefix, slug)
}

// DeviceKey derives the cache key for a device by ID.
func DeviceKey(deviceID uint) string {
	return fmt.Sprintf(deviceKeyPrefix, deviceID)
}

// SessionKey derives the cache key for a session by ephemeral client ID.
func SessionKey(clientID string) string {
	return fmt.Sprintf(sessionKeyPrefix, clientID)
}

// Invalidate deletes a cache key if a client is configured.
func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

// InvalidateUser removes a cached user record.
func InvalidateUser(ctx context.Context, userID uint) {
	Invalidate(ctx, UserKey(userID))
}

// InvalidateHub removes a cached hub record.
func InvalidateHub(ctx context.Context, slug string) {
	Invalidate(ctx, HubKey(slug))
}

// InvalidateSession removes a cached session record.
func InvalidateSession(ctx context.Context, clientID string) {
	Invalidate(ctx, SessionKey(clientID))
}

// Aside implements the read-through cache-aside pattern: it tries to
// populate dest from the cache, and on a miss (or when Redis is
// unavailable) calls load to populate dest from the system of record,
// writing the result back to the cache with the given TTL.
func Aside(ctx context.Context, key string, dest interface{}, ttl time.Duration, load func() error) error {
	if client != nil {
		raw, err := client.Get(ctx, key).Bytes()
		if err == nil {
			if jsonErr := json.Unmarshal(raw, dest); jsonErr == nil {
				return nil
			}
		}
	}

	if err := load(); err != nil {
		return err
	}

	if client != nil {
		if raw, err := json.Marshal(dest); err == nil {
			client.Set(ctx, key, raw, ttl)
		}
	}

	return nil
}
