package repository

import (
	"context"
	"errors"
	"time"

	"pulserelay/internal/database"
	"pulserelay/internal/models"

	"gorm.io/gorm"
)

// ActiveAlertRepository defines persistence operations for repeating
// life-or-death alerts. At most one unacknowledged row may exist per user.
type ActiveAlertRepository interface {
	GetByID(ctx context.Context, id uint) (*models.ActiveAlert, error)
	GetUnacknowledgedForUser(ctx context.Context, userID uint) (*models.ActiveAlert, error)
	Create(ctx context.Context, alert *models.ActiveAlert) error
	IncrementNotificationsSent(ctx context.Context, id uint) (*models.ActiveAlert, error)
	Acknowledge(ctx context.Context, id, userID uint) (*models.ActiveAlert, error)

	// ListRestorable returns unacknowledged alerts younger than maxAge,
	// for crash-recovery interval reinstallation at boot.
	ListRestorable(ctx context.Context, maxAge time.Duration) ([]models.ActiveAlert, error)

	// MarkStaleAcknowledged auto-acknowledges unacknowledged alerts older
	// than maxAge, since their window to matter has passed.
	MarkStaleAcknowledged(ctx context.Context, maxAge time.Duration) (int64, error)
}

type activeAlertRepository struct {
	db *gorm.DB
}

// NewActiveAlertRepository returns a new ActiveAlertRepository implementation.
func NewActiveAlertRepository(db *gorm.DB) ActiveAlertRepository {
	return &activeAlertRepository{db: db}
}

func (r *activeAlertRepository) GetByID(ctx context.Context, id uint) (*models.ActiveAlert, error) {
	var alert models.ActiveAlert
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).First(&alert, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("ActiveAlert", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &alert, nil
}

func (r *activeAlertRepository) GetUnacknowledgedForUser(ctx context.Context, userID uint) (*models.ActiveAlert, error) {
	var alert models.ActiveAlert
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	err := rdb.WithContext(ctx).
		Where("user_id = ? AND acknowledged = ?", userID, false).
		Order("started_at DESC").
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &alert, nil
}

func (r *activeAlertRepository) Create(ctx context.Context, alert *models.ActiveAlert) error {
	if alert.StartedAt.IsZero() {
		alert.StartedAt = time.Now().UTC()
	}
	if alert.MaxNotifications <= 0 {
		alert.MaxNotifications = models.DefaultMaxNotifications
	}
	if err := r.db.WithContext(ctx).Create(alert).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// IncrementNotificationsSent atomically bumps the counter and returns the
// refreshed row, so the alert loop can compute the next tick number
// without a separate read.
func (r *activeAlertRepository) IncrementNotificationsSent(ctx context.Context, id uint) (*models.ActiveAlert, error) {
	var alert *models.ActiveAlert
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.ActiveAlert
		if err := tx.First(&a, id).Error; err != nil {
			return err
		}
		a.NotificationsSent++
		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		alert = &a
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return alert, nil
}

func (r *activeAlertRepository) Acknowledge(ctx context.Context, id, userID uint) (*models.ActiveAlert, error) {
	var alert *models.ActiveAlert
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.ActiveAlert
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&a).Error; err != nil {
			return err
		}
		if a.Acknowledged {
			alert = &a
			return nil
		}
		now := time.Now().UTC()
		a.Acknowledged = true
		a.AcknowledgedAt = &now
		if err := tx.Save(&a).Error; err != nil {
			return err
		}
		alert = &a
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("ActiveAlert", id)
		}
		return nil, models.NewInternalError(err)
	}
	return alert, nil
}

func (r *activeAlertRepository) ListRestorable(ctx context.Context, maxAge time.Duration) ([]models.ActiveAlert, error) {
	var alerts []models.ActiveAlert
	cutoff := time.Now().UTC().Add(-maxAge)
	if err := r.db.WithContext(ctx).
		Where("acknowledged = ? AND started_at >= ?", false, cutoff).
		Find(&alerts).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return alerts, nil
}

func (r *activeAlertRepository) MarkStaleAcknowledged(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	now := time.Now().UTC()
	tx := r.db.WithContext(ctx).
		Model(&models.ActiveAlert{}).
		Where("acknowledged = ? AND started_at < ?", false, cutoff).
		Updates(map[string]interface{}{
			"acknowledged":    true,
			"acknowledged_at": now,
		})
	if tx.Error != nil {
		return 0, models.NewInternalError(tx.Error)
	}
	return tx.RowsAffected, nil
}
