// Package auth validates the two credentials the router accepts over
// /ws: a hub's API key (producer handshake) and a user's short
// connection token (producer game-info binding and consumer device
// registration). It also owns token generation and regeneration (spec
// §4.7).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"pulserelay/internal/featureflags"
	"pulserelay/internal/models"
	"pulserelay/internal/repository"
	"pulserelay/internal/statemachine"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Error codes returned to the router, which maps them onto the wire
// error codes in spec §6.1 without reinterpreting them.
var (
	ErrInvalidHubKey    = errors.New("INVALID_HUB_KEY")
	ErrHubNotApproved   = errors.New("HUB_NOT_APPROVED")
	ErrHubSuspended     = errors.New("HUB_SUSPENDED")
	ErrInvalidUserToken = errors.New("INVALID_USER_TOKEN")
	ErrUserSuspended    = errors.New("USER_SUSPENDED")
	ErrInvalidBearerToken = errors.New("NOT_AUTHENTICATED")
)

// tokenAlphabet excludes visually ambiguous characters (0/O, 1/I/L) so a
// token can be read aloud or retyped without guesswork. 32 symbols lets
// 6 characters carry 30 bits of entropy.
const tokenAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz"

// tokenLength is the short connection token's character count.
const tokenLength = 6

// legacyPrefix marks the old long-form user token, kept acceptable only
// while the legacy_user_token feature flag is on. Legacy tokens carry
// their lookup hint as the first tokenLength characters after the
// prefix — the original long form had no separate hint field, so this
// is where the migration shim lives rather than in the schema.
const legacyPrefix = "legacy_"

// HubKeyPrefix mirrors models.HubKeyPrefix; re-exported so callers don't
// need to reach into models for the one auth-specific use of it.
const HubKeyPrefix = models.HubKeyPrefix

// Auth validates hub keys, user tokens, and consumer bearer tokens
// against the store.
type Auth struct {
	hubs      repository.HubRepository
	users     repository.UserRepository
	flags     *featureflags.Manager
	sm        *statemachine.StateMachine
	jwtSecret []byte
}

// New constructs an Auth validator. sm is used only by
// RegenerateUserToken, which must disconnect every active session for
// the user in the same logical operation as rotating their token.
// jwtSecret verifies consumer bearer tokens minted by the collaborator
// login endpoint (spec §6.2) the router accepts on `type:"authenticate"`.
func New(hubs repository.HubRepository, users repository.UserRepository, flags *featureflags.Manager, sm *statemachine.StateMachine, jwtSecret string) *Auth {
	return &Auth{hubs: hubs, users: users, flags: flags, sm: sm, jwtSecret: []byte(jwtSecret)}
}

// ValidateHubKey looks up and verifies a raw hub API key, rejecting hubs
// that are not approved.
func (a *Auth) ValidateHubKey(ctx context.Context, rawKey string) (*models.Hub, error) {
	if !strings.HasPrefix(rawKey, HubKeyPrefix) {
		return nil, ErrInvalidHubKey
	}

	hub, err := a.hubs.GetByKeyLookup(ctx, keyLookupDigest(rawKey))
	if err != nil {
		return nil, err
	}
	if hub == nil {
		return nil, ErrInvalidHubKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hub.KeyHash), []byte(rawKey)); err != nil {
		return nil, ErrInvalidHubKey
	}

	switch hub.Status {
	case models.HubStatusApproved:
		return hub, nil
	case models.HubStatusSuspended:
		return nil, ErrHubSuspended
	default:
		return nil, ErrHubNotApproved
	}
}

// ValidateUserToken looks up and verifies a raw user connection token,
// accepting the short form always and the legacy long form only while
// the legacy_user_token flag is enabled.
func (a *Auth) ValidateUserToken(ctx context.Context, rawToken string) (*models.User, error) {
	hint := rawToken
	if strings.HasPrefix(rawToken, legacyPrefix) {
		if a.flags == nil || !a.flags.Enabled("legacy_user_token", 0) {
			return nil, ErrInvalidUserToken
		}
		rest := strings.TrimPrefix(rawToken, legacyPrefix)
		if len(rest) < tokenLength {
			return nil, ErrInvalidUserToken
		}
		hint = rest[:tokenLength]
	} else if len(rawToken) != tokenLength {
		return nil, ErrInvalidUserToken
	}

	user, err := a.users.GetByUserTokenHint(ctx, hint)
	if err != nil {
		return nil, err
	}
	if user == nil || user.UserTokenHash == "" {
		return nil, ErrInvalidUserToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.UserTokenHash), []byte(hint)); err != nil {
		return nil, ErrInvalidUserToken
	}

	if !user.IsActive() {
		return nil, ErrUserSuspended
	}
	return user, nil
}

// ValidateBearerToken verifies a consumer's JWT bearer token (issued by
// the collaborator login endpoint, spec §6.2) and resolves it to the
// active user it names. The claim carrying the user id is "sub", the
// conventional subject claim.
func (a *Auth) ValidateBearerToken(ctx context.Context, raw string) (*models.User, error) {
	if raw == "" || len(a.jwtSecret) == 0 {
		return nil, ErrInvalidBearerToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidBearerToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidBearerToken
	}

	userID, err := subjectToUserID(claims["sub"])
	if err != nil {
		return nil, ErrInvalidBearerToken
	}

	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidBearerToken
	}
	if !user.IsActive() {
		return nil, ErrUserSuspended
	}
	return user, nil
}

func subjectToUserID(sub interface{}) (uint, error) {
	switch v := sub.(type) {
	case float64:
		return uint(v), nil
	case string:
		var id uint
		if _, err := fmt.Sscanf(v, "%d", &id); err != nil || id == 0 {
			return 0, fmt.Errorf("invalid subject")
		}
		return id, nil
	default:
		return 0, fmt.Errorf("invalid subject")
	}
}

// GenerateToken returns a fresh random token of tokenLength characters
// from tokenAlphabet.
func GenerateToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, tokenLength)
	for i, v := range b {
		out[i] = tokenAlphabet[int(v)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// RegenerateUserToken issues the user a fresh token, persists its hash
// and hint, and disconnects every session they currently have open with
// reason token-revoked — all as one logical operation, per the
// regeneration invariant in spec §4.7.
func (a *Auth) RegenerateUserToken(ctx context.Context, userID uint) (string, error) {
	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}

	raw, err := GenerateToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	user.UserTokenHash = string(hash)
	user.UserTokenHint = raw
	user.UserTokenCreatedAt = &now
	if err := a.users.Update(ctx, user); err != nil {
		return "", err
	}

	if _, err := a.sm.DisconnectAllForUser(ctx, userID, models.DisconnectReasonTokenRevoked, "User token regenerated"); err != nil {
		return "", err
	}

	return raw, nil
}

// keyLookupDigest derives the deterministic, non-reversible lookup key
// for a raw hub key. It is not a secret: KeyHash (bcrypt) is what
// actually authenticates the key, this just narrows the row scan to one
// candidate the way UserTokenHint narrows the user scan.
func keyLookupDigest(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
