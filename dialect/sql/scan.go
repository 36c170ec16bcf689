package sql

import (
	"database/sql"
	"strings"

	"github.com/syssam/prism/dialect"
)

// binaryTypes lists database type names whose []byte values are kept as
// bytes. Other []byte values are converted to strings.
var binaryTypes = map[string]struct{}{
	"BYTEA":      {},
	"BLOB":       {},
	"TINYBLOB":   {},
	"MEDIUMBLOB": {},
	"LONGBLOB":   {},
	"BINARY":     {},
	"VARBINARY":  {},
	"IMAGE":      {},
}

// ScanRows reads all rows into v. Column names are taken verbatim from
// the driver.
func ScanRows(rows *sql.Rows, v *dialect.Rows) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	binary := make([]bool, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, t := range types {
			_, binary[i] = binaryTypes[strings.ToUpper(t.DatabaseTypeName())]
		}
	}
	v.Columns = columns
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		rec := make(dialect.Record, len(columns))
		for i, c := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				if binary[i] {
					val = append([]byte(nil), b...)
				} else {
					val = string(b)
				}
			}
			rec[c] = val
			values[i] = nil
		}
		v.Records = append(v.Records, rec)
	}
	return rows.Err()
}
