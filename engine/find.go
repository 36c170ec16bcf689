package engine

import (
	"context"
	"slices"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/schema"
)

// FindQuery is the builder of find_many, find_unique and find_first.
type FindQuery struct {
	m         *Model
	op        string
	unique    bool
	where     filter.Filter
	order     filter.OrderBy
	page      filter.Pagination
	fields    []string
	include   []*Include
	tenant    string
	forUpdate bool
}

// FindMany returns a query reading every matching record.
func (m *Model) FindMany() *FindQuery {
	return &FindQuery{m: m, op: "find_many"}
}

// FindUnique returns a query reading the record matching where, which
// should select at most one record.
func (m *Model) FindUnique(where filter.Filter) *FindQuery {
	return &FindQuery{m: m, op: "find_unique", unique: true, where: where}
}

// FindFirst returns a query reading the first matching record.
func (m *Model) FindFirst() *FindQuery {
	return &FindQuery{m: m, op: "find_first", unique: true}
}

// Where ANDs fs into the filter.
func (q *FindQuery) Where(fs ...filter.Filter) *FindQuery {
	q.where = filter.And(append([]filter.Filter{q.where}, fs...)...)
	return q
}

// OrderBy appends order terms.
func (q *FindQuery) OrderBy(terms ...filter.Order) *FindQuery {
	q.order = append(q.order, terms...)
	return q
}

// Skip skips the first n records.
func (q *FindQuery) Skip(n uint64) *FindQuery {
	q.page.Skip = &n
	return q
}

// Take reads at most n records.
func (q *FindQuery) Take(n uint64) *FindQuery {
	q.page.Take = &n
	return q
}

// Cursor reads the records after or before the cursor.
func (q *FindQuery) Cursor(c *filter.Cursor) *FindQuery {
	q.page.Cursor = c
	return q
}

// Paginate replaces skip, take and cursor.
func (q *FindQuery) Paginate(p filter.Pagination) *FindQuery {
	q.page = p
	return q
}

// Select restricts the read fields.
func (q *FindQuery) Select(fields ...string) *FindQuery {
	q.fields = append(q.fields, fields...)
	return q
}

// Include loads relations with the records.
func (q *FindQuery) Include(incs ...*Include) *FindQuery {
	q.include = append(q.include, incs...)
	return q
}

// Tenant runs the query for the tenant id, overriding the tenant of the
// context.
func (q *FindQuery) Tenant(id string) *FindQuery {
	q.tenant = id
	return q
}

// ForUpdate locks the read rows until the end of the transaction.
func (q *FindQuery) ForUpdate() *FindQuery {
	q.forUpdate = true
	return q
}

// Exec returns the matching records.
func (q *FindQuery) Exec(ctx context.Context) ([]dialect.Record, error) {
	return q.exec(ctx, q.page)
}

// ExecOne returns the matching record, or a RecordNotFound error.
func (q *FindQuery) ExecOne(ctx context.Context) (dialect.Record, error) {
	rec, err := q.ExecOptional(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, prism.ErrRecordNotFound.
			With("model", q.m.Name()).
			With("operation", q.op).
			WithSuggestion("use ExecOptional when the record may not exist")
	}
	return rec, nil
}

// ExecOptional returns the first matching record, or nil.
func (q *FindQuery) ExecOptional(ctx context.Context) (dialect.Record, error) {
	page := q.page
	if !q.unique {
		one := uint64(1)
		page.Take = &one
	}
	recs, err := q.exec(ctx, page)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Page is one page of a cursor pagination.
type Page struct {
	Records []dialect.Record
	HasNext bool
	// Next continues the pagination; nil when HasNext is false.
	Next *filter.Cursor
}

// Page reads one page of take records in query order. The cursor
// follows that order: the Next cursor of a page ordered by a descending
// field continues with the smaller values. Records of a Before cursor
// are returned in query order too.
func (q *FindQuery) Page(ctx context.Context) (*Page, error) {
	if q.m.err != nil {
		return nil, q.m.err
	}
	if q.page.Take == nil {
		return nil, prism.New(prism.InvalidParameter, "page requires take")
	}
	take := *q.page.Take
	m := q.m.m
	field, dir := "", filter.After
	switch {
	case q.page.Cursor != nil:
		field, dir = string(q.page.Cursor.Field), q.page.Cursor.Direction
	case len(q.order) > 0:
		field = string(q.order[0].Field)
	case len(m.PrimaryKey) == 1:
		field = m.PrimaryKey[0]
	default:
		return nil, prism.Errorf(prism.InvalidParameter, "model %s has a composite key; cursors on composite keys are not supported", m.Name).
			WithSuggestion("order by a unique single field")
	}
	order := q.order
	if len(order) == 0 {
		order = filter.OrderBy{filter.OrderAsc(field)}
	}
	sub := *q
	if c := q.page.Cursor; c != nil {
		sub.where = filter.And(q.where, c.PredicateIn(order.DirectionOf(c.Field)))
	}
	if dir == filter.Before {
		order = reverse(order)
	}
	sub.order = order
	more := take + 1
	page := q.page
	page.Take = &more
	page.Cursor = nil
	recs, err := sub.exec(ctx, page)
	if err != nil {
		return nil, err
	}
	p := &Page{HasNext: uint64(len(recs)) > take}
	if p.HasNext {
		recs = recs[:take]
	}
	if dir == filter.Before {
		slices.Reverse(recs)
	}
	p.Records = recs
	if p.HasNext && len(recs) > 0 {
		col := m.Column(field)
		if dir == filter.Before {
			p.Next = filter.CursorBefore(field, recs[0][col])
		} else {
			p.Next = filter.CursorAfter(field, recs[len(recs)-1][col])
		}
	}
	return p, nil
}

func reverse(order filter.OrderBy) filter.OrderBy {
	out := make(filter.OrderBy, len(order))
	for i, o := range order {
		out[i] = o.Reverse()
	}
	return out
}

// plan returns the find plan of the query.
func (q *FindQuery) plan(page filter.Pagination) (*Plan, error) {
	m := q.m.m
	if q.unique && q.op == "find_unique" && q.where.IsNone() {
		return nil, prism.Errorf(prism.InvalidParameter, "find_unique on %s requires a filter", m.Name)
	}
	where := q.where
	if c := page.Cursor; c != nil {
		where = filter.And(where, c.PredicateIn(q.order.DirectionOf(c.Field)))
	}
	return &Plan{
		Op:        OpFind,
		Model:     m,
		Where:     resolve(m, where),
		Order:     resolveOrder(m, q.order),
		Limit:     page.Take,
		Offset:    page.Skip,
		Columns:   resolveFields(m, q.fields),
		Unique:    q.unique,
		ForUpdate: q.forUpdate,
	}, nil
}

func (q *FindQuery) exec(ctx context.Context, page filter.Pagination) ([]dialect.Record, error) {
	if q.m.err != nil {
		return nil, q.m.err
	}
	c, m := q.m.c, q.m.m
	p, err := q.plan(page)
	if err != nil {
		return nil, err
	}
	joins, rest, err := c.joins(m, q.include)
	if err != nil {
		return nil, err
	}
	if len(joins) > 0 {
		p.Joins = joins
		if len(p.Columns) == 0 {
			p.Columns = m.Columns()
		}
	}
	st, err := c.lower(p)
	if err != nil {
		return nil, err
	}
	s := c.session(m.Name, q.tenant)
	recs, err := s.records(ctx, st, q.op)
	s.close()
	if err != nil {
		return nil, err
	}
	l := &loader{c: c, tenant: q.tenant}
	if len(joins) > 0 {
		if err := l.split(ctx, m, recs, joins, q.include); err != nil {
			return nil, err
		}
	}
	if err := l.load(ctx, m, recs, rest); err != nil {
		return nil, err
	}
	return recs, nil
}

// joins returns the join clauses of the includes loaded by the Join
// strategy and the includes left to the loader.
func (c *Client) joins(m *schema.Model, incs []*Include) ([]Join, []*Include, error) {
	if !dialectJoins(c.dialect) {
		return nil, incs, nil
	}
	var (
		joins []Join
		rest  []*Include
	)
	for _, inc := range incs {
		if inc.strategyOr(c.strategy) != LoadJoin {
			rest = append(rest, inc)
			continue
		}
		rel, target, err := c.relation(m, inc.relation)
		if err != nil {
			return nil, nil, err
		}
		if !joinable(rel, target, inc) {
			c.log.Debug("prism: include falls back to a separate query",
				"model", m.Name, "relation", rel.Name)
			rest = append(rest, inc)
			continue
		}
		joins = append(joins, Join{
			Name:    rel.Name,
			Table:   rel.Table,
			Local:   rel.LocalFields[0],
			Remote:  rel.ReferencedFields[0],
			Columns: target.Columns(),
		})
	}
	return joins, rest, nil
}

// joinable reports whether the include reads at most one row per parent
// without own filtering, so it can be joined into the parent query.
func joinable(rel *schema.Relation, target *schema.Model, inc *Include) bool {
	return (rel.Kind == schema.ManyToOne || rel.Kind == schema.OneToOne) &&
		!rel.Composite() && len(target.Columns()) > 0 &&
		inc.where.IsNone() && len(inc.order) == 0 && inc.page.IsZero() && len(inc.fields) == 0
}

func dialectJoins(d string) bool {
	return dialect.IsSQL(d) && d != dialect.ScyllaDB
}
