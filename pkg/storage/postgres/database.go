package postgres

import (
	"fmt"

	"profilefeed/config"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateDatabase connects to the maintenance database and creates cfg.DBName if it doesn't exist.
func CreateDatabase(cfg config.PostgresConfig, env string) error {
	db, err := sqlx.Connect("postgres", cfg.AdminDSN(env))
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer db.Close()

	var exists bool
	if err := db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, cfg.DBName); err != nil {
		return fmt.Errorf("check db exists failed: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(cfg.DBName)); err != nil {
		return fmt.Errorf("create db failed: %w", err)
	}
	return nil
}
