package testutil

import (
	"testing"

	"challenge-engine/models"
	"challenge-engine/repository"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB returns a migrated in-memory database private to the test.
// A single connection serialises access the way row locks would in Postgres.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("test db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// SeedPlayer stores a player with the given payment customer reference.
func SeedPlayer(t *testing.T, db *gorm.DB, externalID, customerRef string) *models.Player {
	t.Helper()
	p := &models.Player{
		ID:                 uuid.NewString(),
		ExternalUserID:     externalID,
		DisplayName:        externalID,
		PaymentCustomerRef: customerRef,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed player %s: %v", externalID, err)
	}
	return p
}

// SeedChallenge stores a challenge directly, bypassing scheduling rules.
func SeedChallenge(t *testing.T, db *gorm.DB, ch *models.Challenge) *models.Challenge {
	t.Helper()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.Status == "" {
		ch.Status = models.ChallengeStatusScheduled
	}
	if ch.VenueID == "" {
		ch.VenueID = "venue-1"
	}
	if err := db.Create(ch).Error; err != nil {
		t.Fatalf("seed challenge: %v", err)
	}
	return ch
}
