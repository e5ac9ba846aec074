package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	defaultMaxOpenConns = 20
	sqlitePragmas       = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
)

// OpenOptions describes the schema applied when a SQLite file is opened.
type OpenOptions struct {
	Models       []any
	Migrations   []Migration
	MaxOpenConns int
	Logger       *zap.Logger
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, opts OpenOptions) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)

	models := append([]any{&migrationRecord{}}, opts.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, opts.Logger, opts.Migrations); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if opts.Logger != nil {
		opts.Logger.Debug("database initialized", zap.String("path", path))
	}

	return db, nil
}

func withPragmas(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}
