// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package connectors

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PostgresConnector hands out request-scoped gorm handles. A single pooled
// *gorm.DB sits underneath; DB(ctx) binds it to the caller's context.
type PostgresConnector interface {
	DB(ctx context.Context) *gorm.DB
	Close() error
}

// PostgresConfig carries the connection settings, decoded from the
// application config.
type PostgresConfig struct {
	Host              string `mapstructure:"host" validate:"required"`
	Port              int    `mapstructure:"port" validate:"required"`
	DBName            string `mapstructure:"db_name" validate:"required"`
	User              string `mapstructure:"user" validate:"required"`
	Password          string `mapstructure:"password"`
	SSLMode           string `mapstructure:"ssl_mode"`
	MaxOpenConnection int    `mapstructure:"max_open_connection"`
	MaxIdleConnection int    `mapstructure:"max_idle_connection"`
}

type postgresConnector struct {
	db *gorm.DB
}

// NewPostgresConnector opens the pooled connection and verifies it.
func NewPostgresConnector(cfg PostgresConfig) (PostgresConnector, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	if cfg.MaxOpenConnection > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConnection)
	}
	if cfg.MaxIdleConnection > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConnection)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &postgresConnector{db: db}, nil
}

// NewPostgresConnectorFromDB wraps an already-open gorm handle. Tests use
// this with the sqlite driver.
func NewPostgresConnectorFromDB(db *gorm.DB) PostgresConnector {
	return &postgresConnector{db: db}
}

func (c *postgresConnector) DB(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx)
}

func (c *postgresConnector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
