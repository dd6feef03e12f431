package repository

import (
	"context"
	"errors"
	"time"

	"pulserelay/internal/cache"
	"pulserelay/internal/database"
	"pulserelay/internal/models"

	"gorm.io/gorm"
)

// DeviceRepository defines persistence operations for push-notification
// device registrations.
type DeviceRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Device, error)
	GetByPushToken(ctx context.Context, pushToken string) (*models.Device, error)
	ListActiveForUser(ctx context.Context, userID uint) ([]models.Device, error)
	ListActiveForUserByPlatform(ctx context.Context, userID uint, platform string) ([]models.Device, error)
	// Upsert creates or transfers ownership of a device by push token,
	// resetting its failure counter and activating it. Satisfies the
	// "token maps to at most one device" invariant.
	Upsert(ctx context.Context, userID uint, pushToken, platform string) (*models.Device, error)
	RecordSuccess(ctx context.Context, id uint) error
	RecordFailure(ctx context.Context, id uint, reason string, deactivateThreshold int) error
}

type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository returns a new DeviceRepository implementation.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

func (r *deviceRepository) GetByID(ctx context.Context, id uint) (*models.Device, error) {
	var device models.Device
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).First(&device, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Device", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &device, nil
}

func (r *deviceRepository) GetByPushToken(ctx context.Context, pushToken string) (*models.Device, error) {
	var device models.Device
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).Where("push_token = ?", pushToken).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &device, nil
}

func (r *deviceRepository) ListActiveForUser(ctx context.Context, userID uint) ([]models.Device, error) {
	var devices []models.Device
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&devices).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return devices, nil
}

func (r *deviceRepository) ListActiveForUserByPlatform(ctx context.Context, userID uint, platform string) ([]models.Device, error) {
	var devices []models.Device
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND platform = ?", userID, true, platform).
		Find(&devices).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return devices, nil
}

func (r *deviceRepository) Upsert(ctx context.Context, userID uint, pushToken, platform string) (*models.Device, error) {
	var device models.Device
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txErr := tx.Where("push_token = ?", pushToken).First(&device).Error
		switch {
		case errors.Is(txErr, gorm.ErrRecordNotFound):
			device = models.Device{
				UserID:     userID,
				PushToken:  pushToken,
				Platform:   platform,
				IsActive:   true,
				LastSeenAt: &now,
			}
			return tx.Create(&device).Error
		case txErr != nil:
			return txErr
		default:
			device.UserID = userID
			device.Platform = platform
			device.IsActive = true
			device.FailedAttempts = 0
			device.LastFailReason = ""
			device.LastSeenAt = &now
			return tx.Save(&device).Error
		}
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return &device, nil
}

func (r *deviceRepository) RecordSuccess(ctx context.Context, id uint) error {
	now := time.Now().UTC()
	if err := r.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(map[string]interface{}{
		"failed_attempts":  0,
		"last_fail_reason": "",
		"last_seen_at":     now,
	}).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// RecordFailure increments the device's consecutive-failure counter and
// deactivates it once deactivateThreshold is reached.
func (r *deviceRepository) RecordFailure(ctx context.Context, id uint, reason string, deactivateThreshold int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var device models.Device
		if err := tx.First(&device, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return models.NewInternalError(err)
		}

		device.FailedAttempts++
		device.LastFailReason = reason
		if device.FailedAttempts >= deactivateThreshold {
			device.IsActive = false
		}
		if err := tx.Save(&device).Error; err != nil {
			return models.NewInternalError(err)
		}
		return nil
	})
}
