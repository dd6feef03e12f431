// Package seed provides a deterministic local-development fixture: one
// approved Hub and one demo User with a known short connection token, so
// a fresh checkout can be driven manually without a registration/login
// surface (spec.md §1 Non-goals — this relay never issues those itself).
package seed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"pulserelay/internal/auth"
	"pulserelay/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DemoHubSlug and DemoUserEmail identify the fixture rows so reseeding a
// database that already has them is a no-op rather than a duplicate.
const (
	DemoHubSlug   = "demo-hub"
	DemoUserEmail = "demo@pulserelay.local"
)

// Result reports the fixture credentials a caller needs to connect a
// test producer or consumer.
type Result struct {
	HubKey    string
	UserToken string
}

// Seed creates the demo hub and user if they do not already exist. It is
// safe to call on every boot; existing rows are left untouched and their
// credentials cannot be recovered (only the hashes are stored), so Seed
// reports an empty string for whichever credential it did not mint.
func Seed(db *gorm.DB) (*Result, error) {
	res := &Result{}

	var hub models.Hub
	err := db.Where("slug = ?", DemoHubSlug).First(&hub).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		rawKey, genErr := auth.GenerateToken()
		if genErr != nil {
			return nil, fmt.Errorf("generate hub key: %w", genErr)
		}
		rawKey = auth.HubKeyPrefix + rawKey
		keyHash, hashErr := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if hashErr != nil {
			return nil, fmt.Errorf("hash hub key: %w", hashErr)
		}

		hub = models.Hub{
			Name:       "Demo Hub",
			Slug:       DemoHubSlug,
			OwnerEmail: DemoUserEmail,
			KeyHint:    rawKey[len(rawKey)-4:],
			KeyLookup:  keyLookupDigest(rawKey),
			KeyHash:    string(keyHash),
			Status:     models.HubStatusApproved,
		}
		if err := db.Create(&hub).Error; err != nil {
			return nil, fmt.Errorf("create demo hub: %w", err)
		}
		res.HubKey = rawKey
		log.Printf("seed: created demo hub %q", hub.Slug)
	case err != nil:
		return nil, fmt.Errorf("look up demo hub: %w", err)
	default:
		log.Printf("seed: demo hub %q already exists, leaving it untouched", hub.Slug)
	}

	var user models.User
	err = db.Where("email = ?", DemoUserEmail).First(&user).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		rawToken, genErr := auth.GenerateToken()
		if genErr != nil {
			return nil, fmt.Errorf("generate user token: %w", genErr)
		}
		tokenHash, hashErr := bcrypt.GenerateFromPassword([]byte(rawToken), bcrypt.DefaultCost)
		if hashErr != nil {
			return nil, fmt.Errorf("hash user token: %w", hashErr)
		}

		user = models.User{
			Email:         DemoUserEmail,
			Username:      "demo",
			Status:        models.UserStatusActive,
			UserTokenHash: string(tokenHash),
			UserTokenHint: rawToken,
			AlertSound:    "default",
		}
		if err := db.Create(&user).Error; err != nil {
			return nil, fmt.Errorf("create demo user: %w", err)
		}
		res.UserToken = rawToken
		log.Printf("seed: created demo user %q", user.Username)
	case err != nil:
		return nil, fmt.Errorf("look up demo user: %w", err)
	default:
		log.Printf("seed: demo user %q already exists, leaving it untouched", user.Username)
	}

	return res, nil
}

func keyLookupDigest(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
