package migrate

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a (id text);\ncreate table b (id text);")
	if len(got) != 2 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
	if !strings.Contains(got[0], "table a") || !strings.Contains(got[1], "table b") {
		t.Fatalf("statements: %q", got)
	}
}

func TestSplitStatementsRespectsDollarQuoting(t *testing.T) {
	script := `create function bump() returns trigger as $$
begin
	new.updated_at := now();
	return new;
end;
$$ language plpgsql;
create table c (id text);`

	got := splitStatements(script)
	if len(got) != 2 {
		t.Fatalf("got %d statements: %q", len(got), got)
	}
	if !strings.Contains(got[0], "language plpgsql") {
		t.Fatalf("function body split apart: %q", got[0])
	}
}

func TestCollectSQLSortsAndFilters(t *testing.T) {
	source := fstest.MapFS{
		"sql/migrations/0002_audit.up.sql":       {Data: []byte("select 2;")},
		"sql/migrations/0001_directory.up.sql":   {Data: []byte("select 1;")},
		"sql/migrations/0001_directory.down.sql": {Data: []byte("select 0;")},
		"sql/migrations/notes.txt":               {Data: []byte("not sql")},
	}
	got, err := collectSQL(source, "sql/migrations", ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	want := []string{"0001_directory.up.sql", "0002_audit.up.sql"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCollectSQLMissingDir(t *testing.T) {
	got, err := collectSQL(fstest.MapFS{}, "sql/seeds", ".sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if got != nil {
		t.Fatalf("got %q, want nil", got)
	}
}

func TestUpAppliesPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	source := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {Data: []byte("create table x (id text);")},
	}
	m := NewManager(db, WithSource(source))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table x").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0001_init.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpSkipsAppliedMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	source := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {Data: []byte("create table x (id text);")},
	}
	m := NewManager(db, WithSource(source))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_init.up.sql"))

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
