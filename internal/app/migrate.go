package app

import (
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/migrations"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
	"github.com/eidos-exchange/eidos-archiver/pkg/migrate"
)

// AutoMigrate 应用状态库迁移
func AutoMigrate(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	migrator := migrate.NewMigrator(sqlDB, "eidos-archiver", logger.L())
	return migrator.Up(migrations.FS, ".")
}
