package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Object is the index row for one stored object. The bytes live on disk
// under objects/<Hash>; the row only records what was stored.
type Object struct {
	Hash      string `gorm:"primaryKey;size:64"`
	Name      string
	Size      int64
	MimeType  string
	CreatedAt int64
}

func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite serialises writers anyway; one connection also keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Object{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
