package migrate

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_init.up.sql":   {Data: []byte("CREATE TABLE widgets (id INT)")},
		"migrations/001_init.down.sql": {Data: []byte("DROP TABLE widgets")},
		"migrations/002_add.up.sql":    {Data: []byte("ALTER TABLE widgets ADD COLUMN name TEXT")},
		"migrations/002_add.down.sql":  {Data: []byte("ALTER TABLE widgets DROP COLUMN name")},
	}
}

func newMockManager(t *testing.T, files fstest.MapFS) (*SQLManager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	manager, err := NewSQLManager(db, files, "migrations", "")
	if err != nil {
		t.Fatalf("NewSQLManager() error = %v", err)
	}
	return manager, mock
}

func expectMetadata(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestNewSQLManagerValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	if _, err := NewSQLManager(nil, fstest.MapFS{}, "migrations", ""); err == nil {
		t.Fatal("expected error for nil db")
	}
	if _, err := NewSQLManager(db, nil, "migrations", ""); err == nil {
		t.Fatal("expected error for nil fs")
	}
	if _, err := NewSQLManager(db, fstest.MapFS{}, " ", ""); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if _, err := NewSQLManager(db, testFS(), "migrations", "schema; DROP"); err == nil {
		t.Fatal("expected error for invalid table name")
	}
}

func TestLoadMigrationsMissingUp(t *testing.T) {
	fs := fstest.MapFS{
		"migrations/001_init.down.sql": {Data: []byte("DROP TABLE widgets")},
	}
	if _, err := loadMigrations(fs, "migrations"); err == nil {
		t.Fatal("expected error for missing up migration")
	}
}

func TestLoadMigrationsConflictingNames(t *testing.T) {
	fs := fstest.MapFS{
		"migrations/001_init.up.sql":  {Data: []byte("CREATE TABLE widgets (id INT)")},
		"migrations/001_other.up.sql": {Data: []byte("CREATE TABLE gadgets (id INT)")},
	}
	if _, err := loadMigrations(fs, "migrations"); err == nil {
		t.Fatal("expected error for two names sharing a version")
	}
}

func TestLoadMigrationsSkipsUnmatchedFiles(t *testing.T) {
	fs := fstest.MapFS{
		"migrations/abc_init.up.sql": {Data: []byte("CREATE TABLE widgets (id INT)")},
		"migrations/README.md":       {Data: []byte("notes")},
	}
	migrations, err := loadMigrations(fs, "migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Fatalf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	manager, err := NewEmbeddedManager(db, "")
	if err != nil {
		t.Fatalf("NewEmbeddedManager() error = %v", err)
	}
	migrations := manager.Migrations()
	want := []string{"jobs", "dead_letters", "metrics", "stage_configs", "queues", "scheduler_locks", "stage_recovery"}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d embedded migrations, got %d", len(want), len(migrations))
	}
	for i, migration := range migrations {
		if migration.Version != int64(i+1) || migration.Name != want[i] {
			t.Errorf("migration %d = %d_%s, want %d_%s", i, migration.Version, migration.Name, i+1, want[i])
		}
		if migration.DownSQL == "" {
			t.Errorf("migration %s has no down script", migration.Name)
		}
	}
}

func TestSQLManagerUpAppliesPending(t *testing.T) {
	manager, mock := newMockManager(t, testFS())

	expectMetadata(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE widgets ADD COLUMN name TEXT")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, name, applied_at)")).
		WithArgs(int64(2), "add").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := manager.Up(context.Background())
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 applied migration, got %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLManagerUpRollsBackOnFailure(t *testing.T) {
	manager, mock := newMockManager(t, testFS())

	expectMetadata(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE widgets")).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	applied, err := manager.Up(context.Background())
	if err == nil {
		t.Fatal("expected Up() to fail")
	}
	if applied != 0 {
		t.Fatalf("expected nothing applied, got %d", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLManagerDownRevertsNewestFirst(t *testing.T) {
	manager, mock := newMockManager(t, testFS())

	expectMetadata(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations ORDER BY version DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)).AddRow(int64(1)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE widgets DROP COLUMN name")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM schema_migrations WHERE version = $1")).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reverted, err := manager.Down(context.Background(), 1)
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if reverted != 1 {
		t.Fatalf("expected 1 reverted migration, got %d", reverted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLManagerStatus(t *testing.T) {
	manager, mock := newMockManager(t, testFS())

	expectMetadata(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))

	status, err := manager.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.AppliedVersions) != 1 || status.AppliedVersions[0] != 1 {
		t.Fatalf("unexpected applied versions %v", status.AppliedVersions)
	}
	if len(status.Pending) != 1 || status.Pending[0].Name != "add" {
		t.Fatalf("unexpected pending %v", status.Pending)
	}
}
