// repository/db.go
package repository

import (
	"fmt"

	"challenge-engine/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to PostgreSQL.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table the engine owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Challenge{},
		&models.CheckIn{},
		&models.CheckInNonce{},
		&models.Fee{},
		&models.Policy{},
		&models.Player{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
