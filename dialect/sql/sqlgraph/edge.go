package sqlgraph

import (
	"fmt"
	"math"
	"strconv"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
)

// Rel is an edge relation type.
type Rel uint8

// Relation types.
const (
	O2O Rel = iota + 1 // One-to-one / has-one
	O2M                // One-to-many / has-many
	M2O                // Many-to-one / belongs-to
	M2M                // Many-to-many
)

// String returns the relation name.
func (r Rel) String() string {
	switch r {
	case O2O:
		return "O2O"
	case O2M:
		return "O2M"
	case M2O:
		return "M2O"
	case M2M:
		return "M2M"
	default:
		return "Unknown"
	}
}

// Columns added to edge rows by the loader queries.
const (
	// ParentKey holds the parent key of a row loaded through a join table.
	ParentKey = "_parent_id"
	// RowNumber holds the per-parent position of a windowed row.
	RowNumber = "_rn"
)

// JoinTable describes the link table of a many-to-many edge.
type JoinTable struct {
	Table string
	// ParentColumn references the parent key.
	ParentColumn string
	// TargetColumn references the key of the edge table.
	TargetColumn string
}

// EdgeSpec describes how rows of an edge table are matched to parent keys.
type EdgeSpec struct {
	Rel Rel
	// Table is the edge table.
	Table string
	// Column is the column of Table compared with the parent keys: the
	// foreign key for O2O and O2M, the referenced key for M2O and M2M.
	Column string
	// Join is required for M2M edges.
	Join *JoinTable
}

func (s *EdgeSpec) validate() error {
	switch {
	case s == nil:
		return prism.New(prism.InvalidParameter, "missing edge spec")
	case s.Table == "" || s.Column == "":
		return prism.Errorf(prism.InvalidParameter, "edge spec %s requires a table and a column", s.Rel)
	case s.Rel == M2M && (s.Join == nil || s.Join.Table == "" || s.Join.ParentColumn == "" || s.Join.TargetColumn == ""):
		return prism.Errorf(prism.InvalidParameter, "M2M edge on %q requires a join table with two columns", s.Table)
	case s.Rel < O2O || s.Rel > M2M:
		return prism.Errorf(prism.InvalidParameter, "unknown edge relation %d", s.Rel)
	}
	return nil
}

// MatchColumn returns the column of the loaded rows holding the parent key.
func (s *EdgeSpec) MatchColumn() string {
	if s.Rel == M2M {
		return ParentKey
	}
	return s.Column
}

// SupportsWindow reports whether the dialect supports ROW_NUMBER() window
// functions for per-parent limits.
func SupportsWindow(d string) bool {
	switch d {
	case dialect.Postgres, dialect.MySQL, dialect.SQLite, dialect.SQLServer, dialect.DuckDB:
		return true
	}
	return false
}

// EdgeQuery loads the rows of one edge for a batch of parent keys in a
// single statement.
type EdgeQuery struct {
	Spec *EdgeSpec
	// Keys holds the distinct parent keys.
	Keys []filter.Value
	// Columns is the projection; all columns when empty.
	Columns []string
	Where   filter.Filter
	Order   filter.OrderBy
	// Limit and Offset apply per parent.
	Limit, Offset *uint64
	// MaxDepth bounds the depth of Where; the builder default when zero.
	MaxDepth int
}

// Windowed reports whether the per-parent limit is applied in SQL for
// dialect d. Limits on dialects without window functions are applied by
// the caller after bucketing.
func (q *EdgeQuery) Windowed(d string) bool {
	return (q.Limit != nil || q.Offset != nil) && SupportsWindow(d)
}

// Query returns the statement and its parameters for dialect d:
//
//	SELECT * FROM <t> WHERE <col> IN (...) [AND <where>] [ORDER BY ...]
//	SELECT t.*, j.<parent> AS _parent_id FROM <t> AS t JOIN <link> AS j ON t.<col> = j.<target> WHERE j.<parent> IN (...)
//
// With a per-parent limit, the statement is wrapped in a ROW_NUMBER()
// window partitioned by the parent key.
func (q *EdgeQuery) Query(d string) (string, []filter.Value, error) {
	if err := q.Spec.validate(); err != nil {
		return "", nil, err
	}
	if len(q.Keys) == 0 {
		return "", nil, prism.New(prism.InvalidParameter, "edge query requires at least one parent key")
	}
	b := sql.NewBuilder(d)
	b.SetMaxDepth(q.MaxDepth)
	var (
		windowed = q.Windowed(d)
		m2m      = q.Spec.Rel == M2M
		qual     string
		pTable   string
		pColumn  = q.Spec.Column
	)
	if m2m {
		qual, pTable, pColumn = "t", "j", q.Spec.Join.ParentColumn
	}
	if windowed {
		b.WriteString("SELECT * FROM (")
	}
	b.WriteString("SELECT ")
	if len(q.Columns) == 0 {
		if qual == "" && windowed {
			b.Column(q.Spec.Table, "*")
		} else {
			b.Column(qual, "*")
		}
	} else {
		for i, c := range q.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Column(qual, c)
		}
	}
	if m2m {
		b.WriteString(", ").Column(pTable, pColumn).WriteString(" AS ").Ident(ParentKey)
	}
	if windowed {
		b.WriteString(", ROW_NUMBER() OVER (PARTITION BY ").Column(pTable, pColumn).WriteString(" ORDER BY ")
		if len(q.Order) > 0 {
			b.Order(qual, q.Order)
		} else {
			b.Column(pTable, pColumn)
		}
		b.WriteString(") AS ").Ident(RowNumber)
	}
	b.WriteString(" FROM ").Ident(q.Spec.Table)
	if m2m {
		b.WriteString(" AS t JOIN ").Ident(q.Spec.Join.Table).WriteString(" AS j ON ")
		b.Column("t", q.Spec.Column).WriteString(" = ").Column("j", q.Spec.Join.TargetColumn)
	}
	b.WriteString(" WHERE ").FilterOn(pTable, filter.Pred(filter.FieldName(pColumn), filter.In, filter.List(q.Keys...)))
	if !q.Where.IsNone() {
		b.WriteString(" AND ").FilterOn(qual, q.Where)
	}
	if windowed {
		b.WriteString(") AS _w WHERE ")
		var lo uint64
		if q.Offset != nil {
			lo = *q.Offset
		}
		b.Ident(RowNumber).WriteString(" > ").WriteString(strconv.FormatUint(lo, 10))
		if q.Limit != nil {
			hi := uint64(math.MaxInt64)
			if *q.Limit < hi-lo {
				hi = lo + *q.Limit
			}
			b.WriteString(" AND ").Ident(RowNumber).WriteString(" <= ").WriteString(strconv.FormatUint(hi, 10))
		}
		b.WriteString(" ORDER BY ").Ident(RowNumber)
	} else if len(q.Order) > 0 {
		b.WriteString(" ORDER BY ").Order(qual, q.Order)
	}
	if err := b.Err(); err != nil {
		return "", nil, err
	}
	query, args := b.Query()
	return query, args, nil
}

// KeyString returns a comparable form of a key value. Integer values read
// as text by some drivers compare equal to their numeric form.
func KeyString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return KeyString(float64(v))
	case filter.Value:
		if v.Kind() == filter.KindString {
			return v.Text()
		}
		return KeyString(v.Any())
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}

// DistinctKeys returns the distinct non-null values of column, in first
// seen order.
func DistinctKeys(records []dialect.Record, column string) []filter.Value {
	seen := make(map[string]struct{}, len(records))
	keys := make([]filter.Value, 0, len(records))
	for _, r := range records {
		v, ok := r[column]
		if !ok || v == nil {
			continue
		}
		k := KeyString(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, filter.V(v))
	}
	return keys
}

// Bucket groups records by the value of column, preserving their order.
// The loader columns ParentKey and RowNumber are removed from the records.
func Bucket(records []dialect.Record, column string) map[string][]dialect.Record {
	buckets := make(map[string][]dialect.Record)
	for _, r := range records {
		k := KeyString(r[column])
		if column == ParentKey {
			delete(r, ParentKey)
		}
		delete(r, RowNumber)
		buckets[k] = append(buckets[k], r)
	}
	return buckets
}
