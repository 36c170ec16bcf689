package schema

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/dialect/sql"
)

func mockConn(t *testing.T, d string) (dialect.Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	conn, err := sql.OpenDB(d, db).Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		db.Close()
	})
	return conn, mock
}

func TestInspectPostgres(t *testing.T) {
	conn, mock := mockConn(t, dialect.Postgres)
	mock.ExpectQuery("SELECT table_name AS tbl, column_name AS col, data_type AS typ, is_nullable AS nullable FROM information_schema.columns WHERE table_schema = current_schema() AND table_name IN ($1, $2) ORDER BY table_name, ordinal_position").
		WithArgs("users", "posts").
		WillReturnRows(sqlmock.NewRows([]string{"tbl", "col", "typ", "nullable"}).
			AddRow("posts", "id", "bigint", "NO").
			AddRow("users", "id", "bigint", "NO").
			AddRow("users", "email", "character varying", "NO").
			AddRow("users", "bio", "text", "YES"))

	tables, err := Inspect(context.Background(), conn, dialect.Postgres, "users", "posts")
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "users", tables[0].Name)
	require.Len(t, tables[0].Columns, 3)
	assert.Equal(t, "email", tables[0].Columns[1].Name)
	assert.False(t, tables[0].Columns[1].Nullable)
	assert.True(t, tables[0].Column("BIO").Nullable)
	assert.Nil(t, tables[0].Column("missing"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInspectMySQL(t *testing.T) {
	conn, mock := mockConn(t, dialect.MySQL)
	mock.ExpectQuery("SELECT table_name AS tbl, column_name AS col, data_type AS typ, is_nullable AS nullable FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name IN (?) ORDER BY table_name, ordinal_position").
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"tbl", "col", "typ", "nullable"}).
			AddRow([]byte("users"), []byte("id"), []byte("int"), []byte("NO")))

	tables, err := Inspect(context.Background(), conn, dialect.MySQL, "users")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "id", tables[0].Columns[0].Name)
	assert.Equal(t, FamilyInt, TypeFamily(tables[0].Columns[0].Type))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInspectSQLite(t *testing.T) {
	conn, mock := mockConn(t, dialect.SQLite)
	mock.ExpectQuery(`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`).
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "notnull", "pk"}).
			AddRow("id", "INTEGER", int64(1), int64(1)).
			AddRow("name", "TEXT", int64(0), int64(0)))
	mock.ExpectQuery(`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`).
		WithArgs("ghosts").
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "notnull", "pk"}))

	tables, err := Inspect(context.Background(), conn, dialect.SQLite, "users", "ghosts")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, []string{"id"}, tables[0].PrimaryKey)
	assert.False(t, tables[0].Columns[0].Nullable)
	assert.True(t, tables[0].Columns[1].Nullable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInspectUnsupported(t *testing.T) {
	conn, _ := mockConn(t, dialect.ScyllaDB)
	_, err := Inspect(context.Background(), conn, dialect.ScyllaDB, "users")
	require.Error(t, err)
	assert.Equal(t, prism.ConfigError, prism.CodeOf(err))

	tables, err := Inspect(context.Background(), conn, dialect.ScyllaDB)
	require.NoError(t, err)
	assert.Nil(t, tables)
}

func usersModel() *Table {
	return &Table{
		Name:       "users",
		PrimaryKey: []string{"id"},
		Columns: []*Column{
			{Name: "id", Type: FamilyInt},
			{Name: "email", Type: FamilyString},
			{Name: "created_at", Type: FamilyTime},
			{Name: "active", Type: FamilyBool},
		},
	}
}

func TestValidateDrift(t *testing.T) {
	tests := []struct {
		name         string
		live         []*Table
		opts         []ValidateOption
		wantErrors   int
		wantWarnings int
		breaking     bool
	}{
		{
			name: "in sync",
			live: []*Table{{Name: "users", Columns: []*Column{
				{Name: "id", Type: "bigint"},
				{Name: "email", Type: "varchar(255)"},
				{Name: "created_at", Type: "TEXT"},
				{Name: "active", Type: "tinyint(1)"},
			}}},
		},
		{
			name:       "missing table",
			live:       nil,
			wantErrors: 1,
			breaking:   true,
		},
		{
			name: "missing column",
			live: []*Table{{Name: "USERS", Columns: []*Column{
				{Name: "id", Type: "bigint"},
				{Name: "email", Type: "text"},
				{Name: "active", Type: "boolean"},
			}}},
			wantErrors: 1,
			breaking:   true,
		},
		{
			name: "nullable and extra columns",
			live: []*Table{{Name: "users", Columns: []*Column{
				{Name: "id", Type: "bigint"},
				{Name: "email", Type: "text", Nullable: true},
				{Name: "created_at", Type: "timestamptz"},
				{Name: "active", Type: "boolean"},
				{Name: "legacy", Type: "text", Nullable: true},
			}}},
			wantWarnings: 2,
		},
		{
			name: "extra columns allowed",
			live: []*Table{{Name: "users", Columns: []*Column{
				{Name: "id", Type: "bigint"},
				{Name: "email", Type: "text"},
				{Name: "created_at", Type: "timestamptz"},
				{Name: "active", Type: "boolean"},
				{Name: "legacy", Type: "text"},
			}}},
			opts: []ValidateOption{AllowExtraColumns()},
		},
		{
			name: "type mismatch",
			live: []*Table{{Name: "users", Columns: []*Column{
				{Name: "id", Type: "uuid"},
				{Name: "email", Type: "text"},
				{Name: "created_at", Type: "timestamptz"},
				{Name: "active", Type: "boolean"},
			}}},
			wantWarnings: 1,
		},
		{
			name: "strict type mismatch",
			live: []*Table{{Name: "users", Columns: []*Column{
				{Name: "id", Type: "uuid"},
				{Name: "email", Type: "text"},
				{Name: "created_at", Type: "timestamptz"},
				{Name: "active", Type: "boolean"},
			}}},
			opts:       []ValidateOption{StrictTypes()},
			wantErrors: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ValidateDrift([]*Table{usersModel()}, tt.live, tt.opts...)
			assert.Len(t, r.Errors, tt.wantErrors, r.String())
			assert.Len(t, r.Warnings, tt.wantWarnings, r.String())
			assert.Equal(t, tt.breaking, r.HasBreakingChanges())
			if tt.wantErrors == 0 {
				assert.NoError(t, r.Err())
			} else {
				assert.Equal(t, prism.SchemaMismatch, prism.CodeOf(r.Err()))
			}
		})
	}
}

func TestValidationResultErr(t *testing.T) {
	r := ValidateDrift([]*Table{usersModel(), {Name: "posts"}}, nil)
	err := r.Err()
	require.Error(t, err)
	e, ok := prism.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "users: table does not exist (and 1 more)", e.Message)
	assert.Equal(t, "posts,users", e.Context["tables"])
	assert.NotEmpty(t, e.Suggestion)
	assert.Contains(t, r.String(), "[BREAKING]")
	assert.Equal(t, "No issues found", (&ValidationResult{}).String())
}

func TestValidateSchema(t *testing.T) {
	r := ValidateSchema([]*Table{
		usersModel(),
		usersModel(),
		{Name: "logs", Columns: []*Column{{Name: "ts"}, {Name: "ts"}}},
		{Name: "events", PrimaryKey: []string{"id"}},
	})
	require.Len(t, r.Errors, 3)
	assert.Equal(t, "duplicate table name", r.Errors[0].Message)
	assert.Equal(t, "duplicate column name", r.Errors[1].Message)
	assert.Contains(t, r.Errors[2].Message, "non-existent column")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "logs", r.Warnings[0].Table)
}

func TestTypeFamily(t *testing.T) {
	tests := map[string]string{
		"BIGINT":                      FamilyInt,
		"int unsigned":                FamilyInt,
		"varchar(255)":                FamilyString,
		"character varying":           FamilyString,
		"timestamp without time zone": FamilyTime,
		"NUMERIC(10, 2)":              FamilyDecimal,
		"jsonb":                       FamilyJSON,
		"uniqueidentifier":            FamilyUUID,
		"bytea":                       FamilyBytes,
		"tsvector":                    "",
		FamilyBool:                    FamilyBool,
	}
	for typ, want := range tests {
		assert.Equal(t, want, TypeFamily(typ), typ)
	}
}
