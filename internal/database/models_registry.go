package database

import "pulserelay/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Hub{},
		&models.Device{},
		&models.Session{},
		&models.ActiveAlert{},
		&models.SessionLog{},
	}
}
