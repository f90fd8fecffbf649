// Package db is the SQLite index behind the access layer's file cache.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no cache entry exists for a URL.
var ErrNotFound = errors.New("cache entry not found")

// DB wraps the SQLite connection.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp applies every pending embedded migration.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version; 0 when none is.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: db.logger}
	return m, nil
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// CacheEntry records one downloaded file.
type CacheEntry struct {
	URL       string
	Path      string
	Size      int64
	SHA256    string
	FetchedAt time.Time
}

// GetEntry returns the entry for url or ErrNotFound.
func (db *DB) GetEntry(ctx context.Context, url string) (*CacheEntry, error) {
	var (
		e       CacheEntry
		fetched int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT url, path, size, sha256, fetched_at FROM cache_entries WHERE url = ?`, url,
	).Scan(&e.URL, &e.Path, &e.Size, &e.SHA256, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	e.FetchedAt = time.Unix(0, fetched).UTC()
	return &e, nil
}

// PutEntry inserts or replaces the entry for e.URL.
func (db *DB) PutEntry(ctx context.Context, e CacheEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cache_entries (url, path, size, sha256, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			sha256 = excluded.sha256,
			fetched_at = excluded.fetched_at`,
		e.URL, e.Path, e.Size, e.SHA256, e.FetchedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes the entry for url, if any.
func (db *DB) DeleteEntry(ctx context.Context, url string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM cache_entries WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// ListEntries returns every entry, oldest first.
func (db *DB) ListEntries(ctx context.Context) ([]CacheEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT url, path, size, sha256, fetched_at FROM cache_entries ORDER BY fetched_at, url`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var (
			e       CacheEntry
			fetched int64
		)
		if err := rows.Scan(&e.URL, &e.Path, &e.Size, &e.SHA256, &fetched); err != nil {
			return nil, err
		}
		e.FetchedAt = time.Unix(0, fetched).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
