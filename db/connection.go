package db

import (
	"database/sql"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseConnection wraps the gorm handle holding the worker journal.
type DatabaseConnection struct {
	db    *gorm.DB
	sqlDb *sql.DB
}

// Config selects the journal backend.
type Config struct {
	// Type is sqlite or postgres.
	Type string
	// DSN is the sqlite file path or the postgres connection string.
	DSN string
}

// ConfigFromViper reads the db.* keys.
func ConfigFromViper() Config {
	return Config{
		Type: viper.GetString("db.type"),
		DSN:  viper.GetString("db.dsn"),
	}
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*DatabaseConnection, error) {
	if cfg.Type == "" {
		cfg.Type = "sqlite"
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		if cfg.DSN == "" {
			cfg.DSN = "rodwarden.db"
		}
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("db.dsn is required for postgres")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}

	newLogger := logger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&WorkerRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Debug().Str("type", cfg.Type).Msg("Worker journal database ready")
	return &DatabaseConnection{
		db:    db,
		sqlDb: sqlDB,
	}, nil
}

// Close releases the underlying connection pool.
func (d *DatabaseConnection) Close() error {
	return d.sqlDb.Close()
}
