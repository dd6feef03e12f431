// Package testutil provides a sqlite-backed in-memory database and a set
// of realistic fixture builders for repository, state machine, and
// auth-layer tests, following the same gorm.Open(sqlite.Open(":memory:"))
// shape already used by internal/database/database_test.go.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"pulserelay/internal/database"
	"pulserelay/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDB opens a fresh in-memory sqlite database with every persistent
// model migrated, for a single test's exclusive use.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database.PersistentModels()...))
	return db
}

// UserOpt customizes a fixture user before it is persisted.
type UserOpt func(*models.User)

// WithQuietHours enables quiet hours on a fixture user with the given
// UTC minute-of-day bounds.
func WithQuietHours(startMin, endMin int) UserOpt {
	return func(u *models.User) {
		u.QuietHoursEnabled = true
		u.QuietHoursStart = startMin
		u.QuietHoursEnd = endMin
	}
}

// WithLifeOrDeathMode enables the repeating alert escalation for a
// fixture user.
func WithLifeOrDeathMode() UserOpt {
	return func(u *models.User) { u.LifeOrDeathMode = true }
}

// WithSuspended marks a fixture user suspended.
func WithSuspended() UserOpt {
	return func(u *models.User) { u.Status = models.UserStatusSuspended }
}

// NewUser persists a user with a realistic, randomized email/username
// (gofakeit, the same library the teacher's seed factories use to avoid
// hand-rolled placeholder strings) and a known raw connection token
// returned alongside the row so callers can exercise the auth path
// directly.
func NewUser(t *testing.T, db *gorm.DB, opts ...UserOpt) (*models.User, string) {
	t.Helper()

	rawToken := randomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(rawToken), bcrypt.MinCost)
	require.NoError(t, err)

	now := time.Now().UTC()
	user := &models.User{
		Email:              gofakeit.Email(),
		Username:           gofakeit.Username(),
		Status:             models.UserStatusActive,
		UserTokenHash:      string(hash),
		UserTokenHint:      rawToken,
		UserTokenCreatedAt: &now,
		AlertSound:         "default",
	}
	for _, opt := range opts {
		opt(user)
	}

	require.NoError(t, db.Create(user).Error)
	return user, rawToken
}

// HubOpt customizes a fixture hub before it is persisted.
type HubOpt func(*models.Hub)

// WithHubStatus overrides the default approved status.
func WithHubStatus(status string) HubOpt {
	return func(h *models.Hub) { h.Status = status }
}

// NewHub persists an approved hub with a known raw API key returned
// alongside the row.
func NewHub(t *testing.T, db *gorm.DB, opts ...HubOpt) (*models.Hub, string) {
	t.Helper()

	rawKey := models.HubKeyPrefix + randomToken() + randomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)

	hub := &models.Hub{
		Name:       gofakeit.Company(),
		Slug:       gofakeit.UUID(),
		OwnerEmail: gofakeit.Email(),
		KeyHint:    rawKey[len(rawKey)-4:],
		KeyLookup:  keyLookupDigest(rawKey),
		KeyHash:    string(hash),
		Status:     models.HubStatusApproved,
	}
	for _, opt := range opts {
		opt(hub)
	}

	require.NoError(t, db.Create(hub).Error)
	return hub, rawKey
}

// NewDevice persists an active device for userID on the given platform.
func NewDevice(t *testing.T, db *gorm.DB, userID uint, platform string) *models.Device {
	t.Helper()
	now := time.Now().UTC()
	device := &models.Device{
		UserID:     userID,
		PushToken:  gofakeit.UUID(),
		Platform:   platform,
		IsActive:   true,
		LastSeenAt: &now,
	}
	require.NoError(t, db.Create(device).Error)
	return device
}

// randomToken returns a short, readable fixture token. It doesn't need
// to satisfy the production alphabet invariant — tests only need it to
// be unique and bcrypt-comparable.
func randomToken() string {
	return gofakeit.LetterN(6)
}

// keyLookupDigest mirrors the unexported digest in internal/auth (sha256
// hex of the raw key) so fixture hubs can be looked up the same way
// production rows are.
func keyLookupDigest(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
