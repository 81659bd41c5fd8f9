package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies all pending migrations to the open connection.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", &migrateDriver{db: db})
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// migrateDriver adapts our sqlite connection to golang-migrate's database
// driver interface. The stock sqlite drivers pin specific sql packages; this
// one rides the connection the store already holds.
type migrateDriver struct {
	db     *sql.DB
	locked atomic.Bool
}

var _ database.Driver = (*migrateDriver)(nil)

func (d *migrateDriver) Open(string) (database.Driver, error) {
	return d, nil
}

// Close is a no-op: the connection belongs to the Store.
func (d *migrateDriver) Close() error {
	return nil
}

func (d *migrateDriver) Lock() error {
	if !d.locked.CompareAndSwap(false, true) {
		return database.ErrLocked
	}
	return nil
}

func (d *migrateDriver) Unlock() error {
	if !d.locked.CompareAndSwap(true, false) {
		return database.ErrNotLocked
	}
	return nil
}

func (d *migrateDriver) Run(migration io.Reader) error {
	stmts, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := d.db.Exec(string(stmts)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (d *migrateDriver) SetVersion(version int, dirty bool) error {
	if err := d.ensureVersionTable(); err != nil {
		return err
	}
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning version transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clearing schema version: %w", err)
	}
	if version >= 0 || (version == database.NilVersion && dirty) {
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, version, dirty); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("writing schema version: %w", err)
		}
	}
	return tx.Commit()
}

func (d *migrateDriver) Version() (int, bool, error) {
	if err := d.ensureVersionTable(); err != nil {
		return database.NilVersion, false, err
	}
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return database.NilVersion, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

func (d *migrateDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterating tables: %w", err)
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return fmt.Errorf("dropping table %s: %w", table, err)
		}
	}
	return nil
}

func (d *migrateDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}
	return nil
}
