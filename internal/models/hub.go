package models

import (
	"time"

	"gorm.io/gorm"
)

// Hub statuses.
const (
	HubStatusPending   = "pending"
	HubStatusApproved  = "approved"
	HubStatusRejected  = "rejected"
	HubStatusSuspended = "suspended"
)

// HubKeyPrefix is the required prefix of a raw hub API key.
const HubKeyPrefix = "hub_live_"

// Hub is a producer organization identified by an API key; only approved
// hubs may open sessions.
type Hub struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name       string `gorm:"not null" json:"name"`
	Slug       string `gorm:"uniqueIndex;not null" json:"slug"`
	OwnerEmail string `gorm:"column:owner_email;not null" json:"owner_email"`

	// KeyHint is a short, non-secret fingerprint shown in admin UIs.
	// KeyLookup is a non-reversible but deterministic digest used to find
	// the row before verifying KeyHash with bcrypt.
	KeyHint   string `gorm:"column:key_hint;not null;default:''" json:"key_hint"`
	KeyLookup string `gorm:"column:key_lookup;uniqueIndex;not null;default:''" json:"-"`
	KeyHash   string `gorm:"column:key_hash;not null;default:''" json:"-"`

	Status           string `gorm:"not null;default:pending" json:"status"`
	TotalConnections int64  `gorm:"column:total_connections;not null;default:0" json:"total_connections"`
}

// TableName returns the database table name for Hub.
func (Hub) TableName() string {
	return "hubs"
}

// IsApproved reports whether the hub may open producer sessions.
func (h *Hub) IsApproved() bool {
	return h.Status == HubStatusApproved
}
