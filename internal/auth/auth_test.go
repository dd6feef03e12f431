package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pulserelay/internal/featureflags"
	"pulserelay/internal/models"
	"pulserelay/internal/repository"
	"pulserelay/internal/statemachine"
	"pulserelay/internal/testutil"
	"pulserelay/internal/watchdog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-at-least-32-bytes-long!"

func buildAuth(t *testing.T) (*Auth, repository.UserRepository, repository.HubRepository) {
	t.Helper()
	db := testutil.NewDB(t)

	users := repository.NewUserRepository(db)
	hubs := repository.NewHubRepository(db)
	sessions := repository.NewSessionRepository(db)
	logs := repository.NewSessionLogRepository(db)

	wd := watchdog.New(30*time.Second, 5*time.Second, func(watchdog.Identity) {}, func(string) {})
	sm := statemachine.New(sessions, hubs, users, logs, wd, nil, nil)

	flags := featureflags.NewManager("legacy_user_token=on")
	a := New(hubs, users, flags, sm, testJWTSecret)
	return a, users, hubs
}

func TestValidateHubKey(t *testing.T) {
	a, _, _ := buildAuth(t)
	ctx := context.Background()

	t.Run("missing prefix", func(t *testing.T) {
		_, err := a.ValidateHubKey(ctx, "not-a-hub-key")
		assert.ErrorIs(t, err, ErrInvalidHubKey)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := a.ValidateHubKey(ctx, models.HubKeyPrefix+"totally-unknown")
		assert.ErrorIs(t, err, ErrInvalidHubKey)
	})
}

func TestValidateHubKey_StatusGating(t *testing.T) {
	db := testutil.NewDB(t)
	users := repository.NewUserRepository(db)
	hubs := repository.NewHubRepository(db)
	sessions := repository.NewSessionRepository(db)
	logs := repository.NewSessionLogRepository(db)
	wd := watchdog.New(time.Second, time.Second, func(watchdog.Identity) {}, func(string) {})
	sm := statemachine.New(sessions, hubs, users, logs, wd, nil, nil)
	a := New(hubs, users, featureflags.NewManager(""), sm, testJWTSecret)
	ctx := context.Background()

	approved, rawApproved := testutil.NewHub(t, db)
	hub, err := a.ValidateHubKey(ctx, rawApproved)
	require.NoError(t, err)
	assert.Equal(t, approved.ID, hub.ID)

	suspended, rawSuspended := testutil.NewHub(t, db, testutil.WithHubStatus(models.HubStatusSuspended))
	_, err = a.ValidateHubKey(ctx, rawSuspended)
	assert.ErrorIs(t, err, ErrHubSuspended)
	_ = suspended

	pending, rawPending := testutil.NewHub(t, db, testutil.WithHubStatus(models.HubStatusPending))
	_, err = a.ValidateHubKey(ctx, rawPending)
	assert.ErrorIs(t, err, ErrHubNotApproved)
	_ = pending
}

func TestValidateUserToken(t *testing.T) {
	db := testutil.NewDB(t)
	users := repository.NewUserRepository(db)
	hubs := repository.NewHubRepository(db)
	sessions := repository.NewSessionRepository(db)
	logs := repository.NewSessionLogRepository(db)
	wd := watchdog.New(time.Second, time.Second, func(watchdog.Identity) {}, func(string) {})
	sm := statemachine.New(sessions, hubs, users, logs, wd, nil, nil)
	a := New(hubs, users, featureflags.NewManager(""), sm, testJWTSecret)
	ctx := context.Background()

	active, rawToken := testutil.NewUser(t, db)
	got, err := a.ValidateUserToken(ctx, rawToken)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)

	_, err = a.ValidateUserToken(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrInvalidUserToken)

	suspended, rawSuspendedToken := testutil.NewUser(t, db, testutil.WithSuspended())
	_, err = a.ValidateUserToken(ctx, rawSuspendedToken)
	assert.ErrorIs(t, err, ErrUserSuspended)
	_ = suspended
}

func TestValidateBearerToken(t *testing.T) {
	db := testutil.NewDB(t)
	users := repository.NewUserRepository(db)
	hubs := repository.NewHubRepository(db)
	sessions := repository.NewSessionRepository(db)
	logs := repository.NewSessionLogRepository(db)
	wd := watchdog.New(time.Second, time.Second, func(watchdog.Identity) {}, func(string) {})
	sm := statemachine.New(sessions, hubs, users, logs, wd, nil, nil)
	a := New(hubs, users, featureflags.NewManager(""), sm, testJWTSecret)
	ctx := context.Background()

	user, _ := testutil.NewUser(t, db)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": fmt.Sprintf("%d", user.ID),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	got, err := a.ValidateBearerToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = a.ValidateBearerToken(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidBearerToken)

	badSig := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": fmt.Sprintf("%d", user.ID)})
	badSigned, err := badSig.SignedString([]byte("wrong-secret-that-is-also-long-enough"))
	require.NoError(t, err)
	_, err = a.ValidateBearerToken(ctx, badSigned)
	assert.ErrorIs(t, err, ErrInvalidBearerToken)
}

// spec §4.7: regeneration must disconnect every active session for the
// user in the same logical operation as rotating their token (spec §8
// invariant 4).
func TestRegenerateUserToken_DisconnectsActiveSessions(t *testing.T) {
	db := testutil.NewDB(t)
	users := repository.NewUserRepository(db)
	hubs := repository.NewHubRepository(db)
	sessions := repository.NewSessionRepository(db)
	logs := repository.NewSessionLogRepository(db)
	wd := watchdog.New(time.Second, time.Second, func(watchdog.Identity) {}, func(string) {})
	sm := statemachine.New(sessions, hubs, users, logs, wd, nil, nil)
	a := New(hubs, users, featureflags.NewManager(""), sm, testJWTSecret)
	ctx := context.Background()

	user, oldToken := testutil.NewUser(t, db)
	hub, _ := testutil.NewHub(t, db)

	_, err := sm.CreateSession(ctx, statemachine.NewSessionParams{WSClientID: "c1", UserID: user.ID, HubID: hub.ID, GameName: "G"})
	require.NoError(t, err)

	newToken, err := a.RegenerateUserToken(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	_, err = a.ValidateUserToken(ctx, oldToken)
	assert.Error(t, err, "the old token must no longer validate")

	got, err := a.ValidateUserToken(ctx, newToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	var session models.Session
	require.NoError(t, db.Where("ws_client_id = ?", "c1").First(&session).Error)
	assert.Equal(t, models.SessionStatusDisconnected, session.Status)
	assert.Equal(t, models.DisconnectReasonTokenRevoked, session.DisconnectReason)
}

func TestValidateUserToken_LegacyFormGatedByFlag(t *testing.T) {
	db := testutil.NewDB(t)
	users := repository.NewUserRepository(db)
	hubs := repository.NewHubRepository(db)
	sessions := repository.NewSessionRepository(db)
	logs := repository.NewSessionLogRepository(db)
	wd := watchdog.New(time.Second, time.Second, func(watchdog.Identity) {}, func(string) {})
	sm := statemachine.New(sessions, hubs, users, logs, wd, nil, nil)
	ctx := context.Background()

	user, rawToken := testutil.NewUser(t, db)
	legacyToken := legacyPrefix + rawToken

	offAuth := New(hubs, users, featureflags.NewManager(""), sm, testJWTSecret)
	_, err := offAuth.ValidateUserToken(ctx, legacyToken)
	assert.ErrorIs(t, err, ErrInvalidUserToken, "legacy form must be rejected when the flag is off")

	onAuth := New(hubs, users, featureflags.NewManager("legacy_user_token=on"), sm, testJWTSecret)
	got, err := onAuth.ValidateUserToken(ctx, legacyToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}
