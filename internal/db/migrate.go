package db

import (
	"fmt"

	"github.com/zulandar/helpdesk/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model helpdesk persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.HelpSpace{},
		&models.Reservation{},
		&models.HelpAccount{},
		&models.HelpTransaction{},
		&models.DecayRun{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
