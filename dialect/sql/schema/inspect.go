package schema

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
)

// Column describes a table column, either as a model expects it or as the
// database reports it.
type Column struct {
	Name string
	// Type is a database type name or a type family (see TypeFamily).
	Type     string
	Nullable bool
}

// Table describes a table and its columns.
type Table struct {
	Name       string
	Columns    []*Column
	PrimaryKey []string
}

// Column returns the column named name, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// information_schema columns are aliased to keep their case stable across
// servers (MySQL reports them in upper case).
const infoSchemaColumns = "SELECT table_name AS tbl, column_name AS col, data_type AS typ, is_nullable AS nullable FROM information_schema.columns WHERE "

var currentSchema = map[string]string{
	dialect.Postgres:  "table_schema = current_schema()",
	dialect.MySQL:     "table_schema = DATABASE()",
	dialect.SQLServer: "table_schema = SCHEMA_NAME()",
}

// Inspect reads the columns of the given tables in the current schema.
// Tables that do not exist are absent from the result.
func Inspect(ctx context.Context, conn dialect.ExecQuerier, d string, tables ...string) ([]*Table, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	if d == dialect.SQLite {
		return inspectSQLite(ctx, conn, tables)
	}
	scope, ok := currentSchema[d]
	if !ok {
		return nil, prism.Errorf(prism.ConfigError, "schema inspection is not supported by dialect %q", d)
	}
	names := make([]any, len(tables))
	for i, t := range tables {
		names[i] = t
	}
	where, args, err := sql.Where(d, 0, filter.FieldIn("table_name", names...))
	if err != nil {
		return nil, err
	}
	query := infoSchemaColumns + scope + " AND " + where + " ORDER BY table_name, ordinal_position"
	var rows dialect.Rows
	if err := conn.Query(ctx, query, args, &rows); err != nil {
		return nil, err
	}
	byName := make(map[string]*Table, len(tables))
	for _, r := range rows.Records {
		name := text(r["tbl"])
		t, ok := byName[name]
		if !ok {
			t = &Table{Name: name}
			byName[name] = t
		}
		t.Columns = append(t.Columns, &Column{
			Name:     text(r["col"]),
			Type:     text(r["typ"]),
			Nullable: strings.EqualFold(text(r["nullable"]), "YES"),
		})
	}
	return ordered(tables, byName), nil
}

func inspectSQLite(ctx context.Context, conn dialect.ExecQuerier, tables []string) ([]*Table, error) {
	byName := make(map[string]*Table, len(tables))
	for _, name := range tables {
		var rows dialect.Rows
		if err := conn.Query(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, []any{name}, &rows); err != nil {
			return nil, err
		}
		if len(rows.Records) == 0 {
			continue
		}
		t := &Table{Name: name}
		for _, r := range rows.Records {
			c := &Column{
				Name:     text(r["name"]),
				Type:     text(r["type"]),
				Nullable: text(r["notnull"]) == "0",
			}
			if text(r["pk"]) != "0" {
				t.PrimaryKey = append(t.PrimaryKey, c.Name)
			}
			t.Columns = append(t.Columns, c)
		}
		byName[name] = t
	}
	return ordered(tables, byName), nil
}

func ordered(names []string, byName map[string]*Table) []*Table {
	out := make([]*Table, 0, len(byName))
	for _, n := range names {
		if t, ok := byName[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

func text(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	return fmt.Sprint(v)
}

// Type families.
const (
	FamilyInt     = "int"
	FamilyFloat   = "float"
	FamilyDecimal = "decimal"
	FamilyBool    = "bool"
	FamilyString  = "string"
	FamilyBytes   = "bytes"
	FamilyTime    = "time"
	FamilyJSON    = "json"
	FamilyUUID    = "uuid"
)

var families = map[string]string{
	"int": FamilyInt, "integer": FamilyInt, "int2": FamilyInt, "int4": FamilyInt, "int8": FamilyInt,
	"smallint": FamilyInt, "bigint": FamilyInt, "tinyint": FamilyInt, "mediumint": FamilyInt,
	"serial": FamilyInt, "bigserial": FamilyInt, "smallserial": FamilyInt,
	"float": FamilyFloat, "float4": FamilyFloat, "float8": FamilyFloat, "real": FamilyFloat,
	"double": FamilyFloat, "double precision": FamilyFloat,
	"decimal": FamilyDecimal, "numeric": FamilyDecimal, "money": FamilyDecimal,
	"bool": FamilyBool, "boolean": FamilyBool, "bit": FamilyBool,
	"string": FamilyString, "text": FamilyString, "varchar": FamilyString, "character varying": FamilyString,
	"char": FamilyString, "character": FamilyString, "nvarchar": FamilyString, "nchar": FamilyString,
	"ntext": FamilyString, "tinytext": FamilyString, "mediumtext": FamilyString, "longtext": FamilyString,
	"citext": FamilyString, "enum": FamilyString,
	"bytes": FamilyBytes, "bytea": FamilyBytes, "blob": FamilyBytes, "tinyblob": FamilyBytes,
	"mediumblob": FamilyBytes, "longblob": FamilyBytes, "binary": FamilyBytes, "varbinary": FamilyBytes,
	"image": FamilyBytes,
	"time": FamilyTime, "date": FamilyTime, "datetime": FamilyTime, "datetime2": FamilyTime,
	"smalldatetime": FamilyTime, "datetimeoffset": FamilyTime, "timestamp": FamilyTime,
	"timestamptz": FamilyTime, "timestamp with time zone": FamilyTime,
	"timestamp without time zone": FamilyTime, "time without time zone": FamilyTime,
	"json": FamilyJSON, "jsonb": FamilyJSON,
	"uuid": FamilyUUID, "uniqueidentifier": FamilyUUID,
}

var typeSize = regexp.MustCompile(`\s*\(.*\)`)

// TypeFamily returns the family of a database type name, ignoring case and
// size arguments, or "" for unknown types. Family names map to themselves.
func TypeFamily(typ string) string {
	t := strings.TrimSpace(strings.ToLower(typeSize.ReplaceAllString(typ, "")))
	t = strings.TrimSuffix(t, " unsigned")
	return families[t]
}

// compatible reports whether a live column of family got can hold values
// of family want. Text and integer storage of richer types is accepted.
func compatible(want, got string) bool {
	if want == got {
		return true
	}
	switch got {
	case FamilyString:
		return want == FamilyTime || want == FamilyJSON || want == FamilyUUID || want == FamilyDecimal
	case FamilyInt:
		return want == FamilyBool
	case FamilyBytes:
		return want == FamilyUUID || want == FamilyJSON
	case FamilyDecimal:
		return want == FamilyFloat || want == FamilyInt
	}
	return false
}
