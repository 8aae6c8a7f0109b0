package db

import (
	"fmt"
	"log"
	"time"

	"otc-backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB connects to PostgreSQL and migrates the settlement registry tables
func InitDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	log.Printf("Connecting to database...")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	log.Println("✅ Database connected successfully")

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the registry schema
func Migrate(db *gorm.DB) error {
	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")

	if err := db.AutoMigrate(
		&models.Settlement{},
		&models.StepFailure{},
		&models.SyncCursor{},
	); err != nil {
		return fmt.Errorf("AutoMigrate failed: %w", err)
	}

	// The finality scan filters by status and orders by funded block.
	// AutoMigrate does not create composite indexes from separate field tags.
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_otc_settlements_status_funded_block
		ON otc_settlements (status, funded_block)`).Error; err != nil {
		log.Printf("⚠️ Failed to create status/funded_block index: %v", err)
	}

	log.Println("✅ Database schema migrated successfully")
	return nil
}
