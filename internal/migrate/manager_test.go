package migrate

import (
	"context"
	"database/sql"
	"io/fs"
	"path"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedLayout(t *testing.T) {
	ups, err := collectSQL(Embedded, migrationsDir, ".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Equal(t, "0001_identity.up.sql", ups[0].Base)

	for _, up := range ups {
		down := path.Join(migrationsDir, strings.TrimSuffix(up.Base, ".up.sql")+".down.sql")
		_, err := fs.Stat(Embedded, down)
		assert.NoError(t, err, "down migration for %s", up.Base)

		body, err := fs.ReadFile(Embedded, up.Path)
		require.NoError(t, err)
		assert.NotEmpty(t, splitStatements(string(body)), up.Base)
	}

	seeds, err := collectSQL(Embedded, seedsDir, ".sql")
	require.NoError(t, err)
	assert.NotEmpty(t, seeds)
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_users.up.sql":    {Data: []byte("create table users (id text);")},
		"sql/0001_users.down.sql":  {Data: []byte("drop table users;")},
		"sql/0002_tokens.up.sql":   {Data: []byte("create table tokens (id text);\ncreate index tokens_idx on tokens (id);")},
		"sql/0002_tokens.down.sql": {Data: []byte("drop table tokens;")},
		"seeds/0001_roles.sql":     {Data: []byte("insert into roles values ('a;b');")},
		"sql/README":               {Data: []byte("ignored")},
	}
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func expectTables(mock sqlmock.Sqlmock, seeds string) {
	mock.ExpectExec(`create table if not exists schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create table if not exists ` + seeds).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectLockedTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock`).WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesOnlyPending(t *testing.T) {
	db, mock := newMock(t)

	expectTables(mock, "schema_seeds")
	expectLockedTx(mock)
	mock.ExpectQuery(`select 1 from schema_migrations where name = \$1`).
		WithArgs("0001_users.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectCommit()

	expectLockedTx(mock)
	mock.ExpectQuery(`select 1 from schema_migrations where name = \$1`).
		WithArgs("0002_tokens.up.sql").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`create table tokens`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create index tokens_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into schema_migrations\(name\) values`).
		WithArgs("0002_tokens.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, testFS()).Up(context.Background()))
}

func TestUpFailureRollsBackBookkeeping(t *testing.T) {
	db, mock := newMock(t)

	expectTables(mock, "schema_seeds")
	expectLockedTx(mock)
	mock.ExpectQuery(`select 1 from schema_migrations`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`create table users`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := NewManager(db, testFS()).Up(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "0001_users.up.sql")
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock := newMock(t)

	expectTables(mock, "schema_seeds")
	mock.ExpectQuery(`select name from schema_migrations order by applied_at`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql").AddRow("0002_tokens.up.sql"))
	expectLockedTx(mock)
	mock.ExpectExec(`drop table tokens`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from schema_migrations where name = \$1`).
		WithArgs("0002_tokens.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, testFS()).Down(context.Background()))
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock := newMock(t)

	expectTables(mock, "schema_seeds")
	mock.ExpectQuery(`select name from schema_migrations`).WillReturnRows(sqlmock.NewRows([]string{"name"}))

	assert.ErrorIs(t, NewManager(db, testFS()).Down(context.Background()), ErrNothingApplied)
}

func TestStatusListsPending(t *testing.T) {
	db, mock := newMock(t)

	expectTables(mock, "schema_seeds")
	mock.ExpectQuery(`select name from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql"))

	st, err := NewManager(db, testFS()).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_users.up.sql"}, st.Applied)
	assert.Equal(t, []string{"0002_tokens.up.sql"}, st.Pending)
}

func TestSeedUsesCustomTable(t *testing.T) {
	db, mock := newMock(t)

	expectTables(mock, "seed_log")
	expectLockedTx(mock)
	mock.ExpectQuery(`select 1 from seed_log`).WithArgs("0001_roles.sql").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`insert into roles`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into seed_log`).WithArgs("0001_roles.sql").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, testFS(), WithSeedsTable("seed_log")).Seed(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{"quoted semicolon", "insert into t values ('a;b');\nselect 1;\n\n", []string{"insert into t values ('a;b')", "select 1"}},
		{"line comment", "-- drop; nothing\nselect 1; -- trailing;\n", []string{"select 1"}},
		{"dollar quoted", "do $$ begin perform 1; end $$;\nselect 2;", []string{"do $$ begin perform 1; end $$", "select 2"}},
		{"no terminator", "select 3", []string{"select 3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitStatements(tt.script))
		})
	}
}
