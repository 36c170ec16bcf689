package engine

import (
	"encoding/binary"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/syssam/prism"
	"github.com/syssam/prism/cache"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/middleware"
)

// SQLLowerer lowers plans to SQL statements of one dialect. Statements of
// a cached shape are taken from the query cache; only their parameters
// are collected again.
type SQLLowerer struct {
	dialect  string
	queries  *cache.QueryCache
	maxDepth int
}

// NewSQLLowerer returns a lowerer for dialect d. A nil queries disables
// statement caching.
func NewSQLLowerer(d string, queries *cache.QueryCache, maxDepth int) *SQLLowerer {
	if maxDepth <= 0 {
		maxDepth = sqlb.DefaultMaxDepth
	}
	return &SQLLowerer{dialect: d, queries: queries, maxDepth: maxDepth}
}

// Lower implements Lowerer.
func (l *SQLLowerer) Lower(p *Plan) (*Statement, error) {
	if p.Model == nil {
		return nil, prism.New(prism.InvalidParameter, "plan has no model")
	}
	switch p.Op {
	case OpFind:
		return l.find(p)
	case OpCount:
		return l.count(p)
	case OpAggregate:
		return l.aggregate(p)
	case OpCreate, OpCreateMany:
		return l.insert(p)
	case OpUpdate, OpUpdateMany:
		return l.update(p)
	case OpUpsert:
		return l.upsert(p)
	case OpDelete, OpDeleteMany:
		return l.delete(p)
	}
	return nil, prism.Errorf(prism.Internal, "unknown plan operation %d", p.Op)
}

// cached returns the statement text stored under key, or builds and
// stores it. args are the parameters a stored text expects.
func (l *SQLLowerer) cached(key string, where filter.Filter, args []filter.Value, build func() (string, []filter.Value, error)) (string, []filter.Value, error) {
	if l.queries == nil || key == "" || where.Err() != nil || where.Depth() > l.maxDepth {
		return build()
	}
	if e, ok := l.queries.Get(key); ok && e.Arity == len(args) {
		return e.SQL, args, nil
	}
	text, built, err := build()
	if err != nil {
		return "", nil, err
	}
	l.queries.Put(key, cache.Entry{SQL: text, Arity: len(built)})
	return text, built, nil
}

func (l *SQLLowerer) find(p *Plan) (*Statement, error) {
	where := filter.Normalize(p.Where)
	limit := p.Limit
	if p.Unique {
		one := uint64(1)
		limit = &one
	}
	var key string
	switch {
	case p.Identity:
	case l.byID(p, where):
		key = cache.SelectByIDKey(p.Model.Table)
	default:
		key = cache.FindKey(p.Model.Table, l.shape(p, where, limit))
	}
	text, args, err := l.cached(key, where, where.Params(), func() (string, []filter.Value, error) {
		s := sqlb.Dialect(l.dialect).Select(p.Columns...).From(p.Model.Table).SetMaxDepth(l.maxDepth)
		for _, j := range p.Joins {
			s.Join(sqlb.LeftJoin, j.Table, j.Name, p.Model.Table, j.Local, j.Remote)
			for _, c := range j.Columns {
				s.AppendExpr(sqlb.Quote(l.dialect, j.Name) + "." + sqlb.Quote(l.dialect, c) +
					" AS " + sqlb.Quote(l.dialect, j.Name+"__"+c))
			}
		}
		s.Where(where).OrderBy(p.Order...)
		if p.Identity {
			if err := l.identity(s, p); err != nil {
				return "", nil, err
			}
		}
		if limit != nil {
			s.Limit(*limit)
		}
		if p.Offset != nil {
			s.Offset(*p.Offset)
		}
		if p.ForUpdate {
			s.ForUpdate()
		}
		text, args := s.Query()
		return text, args, s.Err()
	})
	if err != nil {
		return nil, err
	}
	return &Statement{Text: text, Args: args, Type: middleware.TypeSelect, Rows: true}, nil
}

// identity restricts a find to the row inserted last on the connection.
func (l *SQLLowerer) identity(s *sqlb.Selector, p *Plan) error {
	pk := p.Model.PrimaryColumns()
	if len(pk) != 1 {
		return prism.Errorf(prism.InvalidParameter, "model %s has no single column primary key to read back", p.Model.Name)
	}
	var fn string
	switch l.dialect {
	case dialect.MySQL:
		fn = "LAST_INSERT_ID()"
	case dialect.SQLServer:
		fn = "SCOPE_IDENTITY()"
	case dialect.SQLite:
		fn = "last_insert_rowid()"
	default:
		return prism.Errorf(prism.InvalidParameter, "%s has no last insert identity", l.dialect)
	}
	s.WhereFunc(func(b *sqlb.Builder) {
		b.Ident(pk[0]).WriteString(" = " + fn)
	})
	return nil
}

// byID reports whether p is a plain lookup by a single column primary key.
func (l *SQLLowerer) byID(p *Plan, where filter.Filter) bool {
	pk := p.Model.PrimaryColumns()
	return p.Unique && len(pk) == 1 && len(p.Columns) == 0 && len(p.Joins) == 0 &&
		len(p.Order) == 0 && p.Offset == nil && !p.ForUpdate &&
		where.Node() == filter.NodeLeaf && where.Op() == filter.Eq &&
		string(where.Field()) == pk[0] && where.Value().Kind() != filter.KindList
}

// shape hashes everything but the parameter values of a find.
func (l *SQLLowerer) shape(p *Plan, where filter.Filter, limit *uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], valueShape(where))
	h.Write(buf[:])
	h.Write([]byte(strings.Join(p.Columns, ",")))
	h.Write([]byte{0})
	h.Write([]byte(p.Order.String()))
	h.Write([]byte{0})
	for _, n := range []*uint64{limit, p.Offset} {
		if n == nil {
			h.Write([]byte{'-'})
			continue
		}
		h.Write(strconv.AppendUint(buf[:0], *n, 10))
		h.Write([]byte{0})
	}
	for _, j := range p.Joins {
		h.Write([]byte(j.Name + "|" + j.Table + "|" + j.Local + "|" + j.Remote + "|" + strings.Join(j.Columns, ",")))
		h.Write([]byte{0})
	}
	if p.ForUpdate {
		h.Write([]byte("for update"))
	}
	return h.Sum64()
}

// valueShape extends the filter shape with the kinds of the leaf values,
// which select between SQL texts and validation errors.
func valueShape(f filter.Filter) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], f.ShapeHash())
	h.Write(buf[:])
	f.Walk(func(n filter.Filter) {
		if n.Node() == filter.NodeLeaf {
			h.Write([]byte{byte(n.Value().Kind())})
		}
	})
	return h.Sum64()
}

func (l *SQLLowerer) count(p *Plan) (*Statement, error) {
	where := filter.Normalize(p.Where)
	key := cache.CountKey(p.Model.Table, valueShape(where))
	text, args, err := l.cached(key, where, where.Params(), func() (string, []filter.Value, error) {
		s := sqlb.Dialect(l.dialect).Select().
			AppendExpr(sqlb.Aggregate(l.dialect, sqlb.AggCount, "*")).
			From(p.Model.Table).
			SetMaxDepth(l.maxDepth).
			Where(where)
		text, args := s.Query()
		return text, args, s.Err()
	})
	if err != nil {
		return nil, err
	}
	return &Statement{Text: text, Args: args, Type: middleware.TypeCount, Rows: true}, nil
}

func (l *SQLLowerer) aggregate(p *Plan) (*Statement, error) {
	if len(p.Aggregates) == 0 {
		return nil, prism.Errorf(prism.InvalidParameter, "aggregate on %s selects nothing", p.Model.Name)
	}
	s := sqlb.Dialect(l.dialect).Select().From(p.Model.Table).SetMaxDepth(l.maxDepth).Where(p.Where)
	for _, a := range p.Aggregates {
		switch a.Fn {
		case sqlb.AggCount, sqlb.AggSum, sqlb.AggAvg, sqlb.AggMin, sqlb.AggMax:
		default:
			return nil, prism.Errorf(prism.InvalidParameter, "unknown aggregate function %q", a.Fn)
		}
		s.AppendExpr(sqlb.Aggregate(l.dialect, a.Fn, a.Column))
	}
	text, args := s.Query()
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &Statement{Text: text, Args: args, Type: middleware.TypeCount, Rows: true}, nil
}

// returning reports whether writes of p come back as rows.
func (l *SQLLowerer) returning(p *Plan) bool {
	return p.Returning && sqlb.SupportsReturning(l.dialect)
}

func (l *SQLLowerer) insert(p *Plan) (*Statement, error) {
	if len(p.Rows) == 0 {
		return nil, prism.Errorf(prism.InvalidParameter, "insert into %s has no rows", p.Model.Table)
	}
	build := func() (string, []filter.Value, error) {
		i := sqlb.Dialect(l.dialect).Insert(p.Model.Table).Columns(p.InsertColumns...)
		for _, row := range p.Rows {
			i.Values(row...)
		}
		if l.returning(p) {
			i.Returning("*")
		}
		text, args := i.Query()
		if err := i.Err(); err != nil {
			return "", nil, err
		}
		if l.scopeIdentity(p) {
			pk := p.Model.PrimaryColumns()[0]
			text += "; SELECT * FROM " + sqlb.Quote(l.dialect, p.Model.Table) +
				" WHERE " + sqlb.Quote(l.dialect, pk) + " = SCOPE_IDENTITY()"
		}
		return text, args, nil
	}
	var (
		text string
		args []filter.Value
		err  error
	)
	if len(p.Rows) == 1 {
		key := cache.InsertKey(p.Model.Table, len(p.InsertColumns)) + ":" + strings.Join(p.InsertColumns, ",")
		if p.Returning {
			key += ":returning"
		}
		text, args, err = l.cached(key, filter.None(), p.Rows[0], build)
	} else {
		text, args, err = build()
	}
	if err != nil {
		return nil, err
	}
	return &Statement{
		Text: text,
		Args: args,
		Type: middleware.TypeInsert,
		Rows: l.returning(p) || l.scopeIdentity(p),
	}, nil
}

// scopeIdentity reports whether a SQL Server insert reads its row back in
// the same batch. SCOPE_IDENTITY is only meaningful for a single row
// whose key the database generated.
func (l *SQLLowerer) scopeIdentity(p *Plan) bool {
	if l.dialect != dialect.SQLServer || !p.Returning || len(p.Rows) != 1 {
		return false
	}
	pk := p.Model.PrimaryColumns()
	if len(pk) != 1 {
		return false
	}
	for _, c := range p.InsertColumns {
		if c == pk[0] {
			return false
		}
	}
	return true
}

func (l *SQLLowerer) update(p *Plan) (*Statement, error) {
	u := sqlb.Dialect(l.dialect).Update(p.Model.Table)
	for _, a := range p.Set {
		u.Set(a.Column, a.Value)
	}
	if u.Empty() {
		return nil, prism.Errorf(prism.InvalidParameter, "update of %s sets no columns", p.Model.Table)
	}
	u.Where(p.Where)
	if l.returning(p) {
		u.Returning("*")
	}
	text, args := u.Query()
	if err := u.Err(); err != nil {
		return nil, err
	}
	return &Statement{Text: text, Args: args, Type: middleware.TypeUpdate, Rows: l.returning(p)}, nil
}

func (l *SQLLowerer) upsert(p *Plan) (*Statement, error) {
	if len(p.Rows) != 1 {
		return nil, prism.Errorf(prism.InvalidParameter, "upsert of %s requires exactly one row", p.Model.Table)
	}
	u := sqlb.Dialect(l.dialect).Upsert(p.Model.Table).
		OnConflict(p.Conflict...).
		Insert(p.InsertColumns, p.Rows[0])
	for _, a := range p.Set {
		u.Update(a.Column, a.Value)
	}
	rows := l.returning(p) || (p.Returning && l.dialect == dialect.SQLServer)
	if rows {
		u.Returning("*")
	}
	text, args := u.Query()
	if err := u.Err(); err != nil {
		return nil, err
	}
	return &Statement{Text: text, Args: args, Type: middleware.TypeInsert, Rows: rows}, nil
}

func (l *SQLLowerer) delete(p *Plan) (*Statement, error) {
	where := filter.Normalize(p.Where)
	key := cache.DeleteKey(p.Model.Table, valueShape(where))
	text, args, err := l.cached(key, where, where.Params(), func() (string, []filter.Value, error) {
		d := sqlb.Dialect(l.dialect).Delete(p.Model.Table).Where(where)
		text, args := d.Query()
		return text, args, d.Err()
	})
	if err != nil {
		return nil, err
	}
	return &Statement{Text: text, Args: args, Type: middleware.TypeDelete}, nil
}
