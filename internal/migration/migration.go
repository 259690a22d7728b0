package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

//go:embed migrations
var embeddedMigrations embed.FS

const (
	postgresDir  = "migrations/postgres"
	sqliteSchema = "migrations/sqlite/schema.sql"
)

// Apply brings the schema up to date for the connection's dialect.
func Apply(conn *gorm.DB) error {
	switch name := conn.Dialector.Name(); name {
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	case "sqlite":
		return ApplySQLite(conn)
	default:
		return fmt.Errorf("no migrations for dialect %q", name)
	}
}

// RunMigrations applies the versioned postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, postgresDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}

	// Closing the migrator would close the shared *sql.DB.
	return nil
}

// ApplySQLite creates the schema on a sqlite database. Every statement is
// idempotent, so it is safe on an existing file.
func ApplySQLite(conn *gorm.DB) error {
	raw, err := embeddedMigrations.ReadFile(sqliteSchema)
	if err != nil {
		return fmt.Errorf("read sqlite schema: %w", err)
	}

	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
