package repository

import (
	"context"
	"errors"

	"pulserelay/internal/cache"
	"pulserelay/internal/database"
	"pulserelay/internal/models"

	"gorm.io/gorm"
)

// HubRepository defines persistence operations for producer organizations.
type HubRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Hub, error)
	GetBySlug(ctx context.Context, slug string) (*models.Hub, error)
	GetByKeyLookup(ctx context.Context, keyLookup string) (*models.Hub, error)
	Create(ctx context.Context, hub *models.Hub) error
	Update(ctx context.Context, hub *models.Hub) error
	IncrementTotalConnections(ctx context.Context, id uint) error
}

type hubRepository struct {
	db *gorm.DB
}

// NewHubRepository returns a new HubRepository implementation.
func NewHubRepository(db *gorm.DB) HubRepository {
	return &hubRepository{db: db}
}

func (r *hubRepository) GetByID(ctx context.Context, id uint) (*models.Hub, error) {
	var hub models.Hub
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).First(&hub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Hub", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &hub, nil
}

func (r *hubRepository) GetBySlug(ctx context.Context, slug string) (*models.Hub, error) {
	var hub models.Hub
	key := cache.HubKey(slug)

	err := cache.Aside(ctx, key, &hub, cache.HubTTL, func() error {
		rdb := database.GetReadDB()
		if rdb == nil {
			rdb = r.db
		}
		if err := rdb.WithContext(ctx).Where("slug = ?", slug).First(&hub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("Hub", slug)
			}
			return models.NewInternalError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &hub, nil
}

func (r *hubRepository) GetByKeyLookup(ctx context.Context, keyLookup string) (*models.Hub, error) {
	var hub models.Hub
	rdb := database.GetReadDB()
	if rdb == nil {
		rdb = r.db
	}
	if err := rdb.WithContext(ctx).Where("key_lookup = ?", keyLookup).First(&hub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &hub, nil
}

func (r *hubRepository) Create(ctx context.Context, hub *models.Hub) error {
	if err := r.db.WithContext(ctx).Create(hub).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.NewValidationError("hub already exists")
		}
		return models.NewInternalError(err)
	}
	return nil
}

func (r *hubRepository) Update(ctx context.Context, hub *models.Hub) error {
	if err := r.db.WithContext(ctx).Save(hub).Error; err != nil {
		return models.NewInternalError(err)
	}
	cache.InvalidateHub(ctx, hub.Slug)
	return nil
}

// IncrementTotalConnections atomically bumps the hub's lifetime connection
// counter without a read-modify-write round trip.
func (r *hubRepository) IncrementTotalConnections(ctx context.Context, id uint) error {
	if err := r.db.WithContext(ctx).
		Model(&models.Hub{}).
		Where("id = ?", id).
		UpdateColumn("total_connections", gorm.Expr("total_connections + 1")).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
