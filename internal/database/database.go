package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Wikid82/sigforge/internal/models"
)

// Open bootstraps a SQLite database using the provided filesystem path.
// Driver errors are translated so unique violations surface as gorm.ErrDuplicatedKey.
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return db, nil
}

// Connect opens the database and applies migrations.
func Connect(dbPath string) (*gorm.DB, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Models lists every persisted record, in dependency order.
func Models() []any {
	return []any{
		&models.Source{},
		&models.SourceAtVersion{},
		&models.SourceUpdate{},
		&models.Category{},
		&models.Rule{},
		&models.Ruleset{},
		&models.RuleOverride{},
		&models.CategoryTransform{},
		&models.Threshold{},
		&models.Notification{},
		&models.NotificationProvider{},
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}
