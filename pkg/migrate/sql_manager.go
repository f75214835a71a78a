package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultTable records applied versions.
const DefaultTable = "schema_migrations"

//go:embed sql/*.sql
var embedded embed.FS

var (
	migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)
	validTableName       = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Migration represents a database migration with up and down SQL scripts.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// SQLManager applies versioned SQL migrations and tracks them in a
// metadata table.
type SQLManager struct {
	db         *sql.DB
	table      string
	migrations []Migration
}

// NewSQLManager creates a manager for the migrations found in
// migrationsDir of migrationFiles. An empty table uses DefaultTable.
func NewSQLManager(db *sql.DB, migrationFiles fs.FS, migrationsDir, table string) (*SQLManager, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if migrationFiles == nil {
		return nil, fmt.Errorf("migration files filesystem is required")
	}
	if strings.TrimSpace(migrationsDir) == "" {
		return nil, fmt.Errorf("migration directory is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid migrations table name %q", table)
	}

	migrations, err := loadMigrations(migrationFiles, migrationsDir)
	if err != nil {
		return nil, err
	}

	return &SQLManager{db: db, table: table, migrations: migrations}, nil
}

// NewEmbeddedManager creates a manager for the conveyor schema shipped in
// the binary.
func NewEmbeddedManager(db *sql.DB, table string) (*SQLManager, error) {
	return NewSQLManager(db, embedded, "sql", table)
}

// Migrations lists the known migrations in version order.
func (m *SQLManager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// Operations exposes the manager to Run.
func (m *SQLManager) Operations() Operations {
	return Operations{Up: m.Up, Down: m.Down, Status: m.Status}
}

// Up applies all pending migrations in order, one transaction each.
func (m *SQLManager) Up(ctx context.Context) (int, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.appliedSet(ctx)
	if err != nil {
		return 0, err
	}

	appliedCount := 0
	for _, migration := range m.migrations {
		if _, already := applied[migration.Version]; already {
			continue
		}
		record := fmt.Sprintf(`INSERT INTO %s (version, name, applied_at) VALUES ($1, $2, NOW())`, m.table)
		if err := m.inTx(ctx, migration.UpSQL, record, migration.Version, migration.Name); err != nil {
			return appliedCount, fmt.Errorf("apply migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		appliedCount++
	}

	return appliedCount, nil
}

// Down rolls back the specified number of migrations, newest first.
func (m *SQLManager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.appliedVersionsDesc(ctx)
	if err != nil {
		return 0, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	reverted := 0
	for _, version := range applied[:steps] {
		migration, ok := m.migrationByVersion(version)
		if !ok {
			return reverted, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return reverted, fmt.Errorf("down migration missing for version %d", version)
		}
		record := fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, m.table)
		if err := m.inTx(ctx, migration.DownSQL, record, version); err != nil {
			return reverted, fmt.Errorf("rollback migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		reverted++
	}

	return reverted, nil
}

// Status reports applied versions and pending migrations.
func (m *SQLManager) Status(ctx context.Context) (*Status, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return nil, err
	}

	appliedSet, err := m.appliedSet(ctx)
	if err != nil {
		return nil, err
	}

	appliedVersions := make([]int64, 0, len(appliedSet))
	for version := range appliedSet {
		appliedVersions = append(appliedVersions, version)
	}
	sort.Slice(appliedVersions, func(i, j int) bool {
		return appliedVersions[i] < appliedVersions[j]
	})

	pending := make([]PendingMigration, 0)
	for _, migration := range m.migrations {
		if _, exists := appliedSet[migration.Version]; !exists {
			pending = append(pending, PendingMigration{Version: migration.Version, Name: migration.Name})
		}
	}

	return &Status{AppliedVersions: appliedVersions, Pending: pending}, nil
}

// inTx runs script and the bookkeeping statement atomically.
func (m *SQLManager) inTx(ctx context.Context, script, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update %s: %w", m.table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *SQLManager) ensureMetadataTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)
`, m.table)
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure %s table: %w", m.table, err)
	}
	return nil
}

func (m *SQLManager) appliedSet(ctx context.Context) (map[int64]struct{}, error) {
	versions, err := m.appliedVersions(ctx, "")
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(versions))
	for _, version := range versions {
		set[version] = struct{}{}
	}
	return set, nil
}

func (m *SQLManager) appliedVersionsDesc(ctx context.Context) ([]int64, error) {
	return m.appliedVersions(ctx, " ORDER BY version DESC")
}

func (m *SQLManager) appliedVersions(ctx context.Context, order string) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT version FROM %s%s`, m.table, order))
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

func (m *SQLManager) migrationByVersion(version int64) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.Version == version {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations(migrationFiles fs.FS, migrationsDir string) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFiles, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		matches := migrationNamePattern.FindStringSubmatch(name)
		if len(matches) != 4 {
			continue
		}

		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		payload, err := fs.ReadFile(migrationFiles, migrationsDir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", name, err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = item
		} else if item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, item.Name, matches[2])
		}
		if matches[3] == "up" {
			item.UpSQL = string(payload)
		} else {
			item.DownSQL = string(payload)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", item.Version)
		}
		migrations = append(migrations, *item)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
