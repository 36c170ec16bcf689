package sql

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// DefaultMaxDepth bounds the depth of filter trees the builder lowers.
const DefaultMaxDepth = 64

// Precomputed placeholders for the positional dialects. Index 0 is unused.
var (
	pgPlaceholders = placeholderTable("$", 128)
	msPlaceholders = placeholderTable("@P", 128)
	// qmLists[n] holds "?, ?, ..." with n markers.
	qmLists = func() [33]string {
		var t [33]string
		for n := 1; n < len(t); n++ {
			t[n] = strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
		}
		return t
	}()
)

func placeholderTable(prefix string, n int) []string {
	t := make([]string, n+1)
	for i := 1; i <= n; i++ {
		t[i] = prefix + strconv.Itoa(i)
	}
	return t
}

// PostgresPlaceholder returns the i-th PostgreSQL placeholder ($i).
func PostgresPlaceholder(i int) string {
	if i > 0 && i < len(pgPlaceholders) {
		return pgPlaceholders[i]
	}
	return "$" + strconv.Itoa(i)
}

// SQLServerPlaceholder returns the i-th SQL Server placeholder (@Pi).
func SQLServerPlaceholder(i int) string {
	if i > 0 && i < len(msPlaceholders) {
		return msPlaceholders[i]
	}
	return "@P" + strconv.Itoa(i)
}

// Builder is the low-level SQL writer shared by all statement builders.
// It owns placeholder numbering, identifier quoting and the parameter
// vector. The zero value is not usable; create builders with Dialect.
type Builder struct {
	sb       *strings.Builder
	dialect  string
	args     []filter.Value
	total    int
	base     int
	maxDepth int
	errs     []error
}

// NewBuilder returns a builder for the given dialect.
func NewBuilder(d string) *Builder {
	return &Builder{sb: &strings.Builder{}, dialect: d, maxDepth: DefaultMaxDepth}
}

// Dialect returns the dialect of the builder.
func (b *Builder) Dialect() string { return b.dialect }

// SetMaxDepth sets the filter depth limit.
func (b *Builder) SetMaxDepth(n int) *Builder {
	if n > 0 {
		b.maxDepth = n
	}
	return b
}

// SetTotal sets the number of placeholders already allocated. Use it when
// the fragment is embedded after n parameters of another statement.
func (b *Builder) SetTotal(n int) {
	b.total = n
	b.base = n
}

// reset clears the written text so a statement builder can be rendered
// again with the same settings.
func (b *Builder) reset() *Builder {
	b.sb.Reset()
	b.args = nil
	b.errs = nil
	b.total = b.base
	return b
}

// Total returns the number of allocated placeholders.
func (b *Builder) Total() int { return b.total }

// WriteString writes s to the statement.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// WriteByte writes c to the statement.
func (b *Builder) WriteByte(c byte) *Builder {
	b.sb.WriteByte(c)
	return b
}

// Pad writes a single space.
func (b *Builder) Pad() *Builder { return b.WriteByte(' ') }

// Ident writes a quoted identifier.
func (b *Builder) Ident(name string) *Builder {
	return b.WriteString(b.Quote(name))
}

// Column writes a column reference, optionally qualified by table.
func (b *Builder) Column(table, column string) *Builder {
	if table != "" {
		b.Ident(table).WriteByte('.')
	}
	if column == "*" {
		return b.WriteByte('*')
	}
	return b.Ident(column)
}

// IdentList writes a comma separated list of quoted identifiers.
func (b *Builder) IdentList(names ...string) *Builder {
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(n)
	}
	return b
}

// Quote quotes name if it is a reserved word or contains characters
// outside [A-Za-z0-9_]. Quote characters inside name are doubled.
func (b *Builder) Quote(name string) string {
	return Quote(b.dialect, name)
}

// Quote quotes an identifier for dialect d when needed.
func Quote(d, name string) string {
	if !needsQuote(name) {
		return name
	}
	switch d {
	case dialect.MySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	case dialect.SQLServer:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

func needsQuote(name string) bool {
	if name == "" {
		return true
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return true
		}
	}
	return IsReserved(name)
}

// Arg allocates a placeholder for v and writes it.
func (b *Builder) Arg(v filter.Value) *Builder {
	b.args = append(b.args, v)
	return b.WriteString(b.placeholder())
}

// Args writes one placeholder per value, separated by commas.
func (b *Builder) Args(vs ...filter.Value) *Builder {
	n := len(vs)
	if n == 0 {
		return b
	}
	b.args = append(b.args, vs...)
	switch b.dialect {
	case dialect.Postgres, dialect.SQLServer, dialect.DuckDB:
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(b.placeholder())
		}
	default:
		b.total += n
		if n < len(qmLists) {
			return b.WriteString(qmLists[n])
		}
		b.WriteString(qmLists[len(qmLists)-1])
		for i := len(qmLists) - 1; i < n; i++ {
			b.WriteString(", ?")
		}
	}
	return b
}

func (b *Builder) placeholder() string {
	b.total++
	switch b.dialect {
	case dialect.Postgres, dialect.DuckDB:
		return PostgresPlaceholder(b.total)
	case dialect.SQLServer:
		return SQLServerPlaceholder(b.total)
	default:
		return "?"
	}
}

// AddError records an error. The first error is reported by Err.
func (b *Builder) AddError(err error) *Builder {
	if err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Err returns the errors recorded while building, joined.
func (b *Builder) Err() error {
	switch len(b.errs) {
	case 0:
		return nil
	case 1:
		return b.errs[0]
	}
	return errors.Join(b.errs...)
}

// String returns the statement text written so far.
func (b *Builder) String() string { return b.sb.String() }

// Query returns the statement and its parameters.
func (b *Builder) Query() (string, []filter.Value) {
	return b.sb.String(), b.args
}

// Params returns the parameters allocated so far.
func (b *Builder) Params() []filter.Value { return b.args }

// Join appends the text and parameters of another builder, renumbering
// nothing: o must have been created with SetTotal(b.Total()).
func (b *Builder) Join(o *Builder) *Builder {
	b.sb.WriteString(o.sb.String())
	b.args = append(b.args, o.args...)
	b.total = o.total
	b.errs = append(b.errs, o.errs...)
	return b
}

func invalidParam(format string, args ...any) error {
	return prism.New(prism.InvalidParameter, fmt.Sprintf(format, args...))
}
