package engine

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/syssam/prism"
	"github.com/syssam/prism/contrib/dataloader"
	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/dialect/sql/sqlgraph"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/schema"
)

// LoadStrategy selects how included relations are read.
type LoadStrategy uint8

// Load strategies.
const (
	// LoadSeparate reads each relation with one batched query.
	LoadSeparate LoadStrategy = iota
	// LoadJoin joins to-one relations into the parent query. Other
	// relations fall back to LoadSeparate.
	LoadJoin
	// LoadLazy stores a *Lazy under the relation name, read on first
	// access.
	LoadLazy
)

func (s LoadStrategy) String() string {
	switch s {
	case LoadJoin:
		return "join"
	case LoadLazy:
		return "lazy"
	}
	return "separate"
}

// Include requests a relation to be loaded with its parent records.
type Include struct {
	relation string
	where    filter.Filter
	order    filter.OrderBy
	page     filter.Pagination
	fields   []string
	strategy LoadStrategy
	explicit bool
	nested   []*Include
}

// With returns an include of the named relation.
func With(relation string, nested ...*Include) *Include {
	return &Include{relation: relation, nested: nested}
}

// Where filters the related records.
func (i *Include) Where(fs ...filter.Filter) *Include {
	i.where = filter.And(append([]filter.Filter{i.where}, fs...)...)
	return i
}

// OrderBy orders the related records of each parent.
func (i *Include) OrderBy(terms ...filter.Order) *Include {
	i.order = append(i.order, terms...)
	return i
}

// Skip skips the first n related records of each parent.
func (i *Include) Skip(n uint64) *Include {
	i.page.Skip = &n
	return i
}

// Take reads at most n related records per parent.
func (i *Include) Take(n uint64) *Include {
	i.page.Take = &n
	return i
}

// Select restricts the read fields of the related records.
func (i *Include) Select(fields ...string) *Include {
	i.fields = append(i.fields, fields...)
	return i
}

// Using overrides the load strategy of the client.
func (i *Include) Using(s LoadStrategy) *Include {
	i.strategy, i.explicit = s, true
	return i
}

// Include loads relations of the related records.
func (i *Include) Include(nested ...*Include) *Include {
	i.nested = append(i.nested, nested...)
	return i
}

func (i *Include) strategyOr(def LoadStrategy) LoadStrategy {
	if i.explicit {
		return i.strategy
	}
	return def
}

// relation returns the named relation of m and its target model.
func (c *Client) relation(m *schema.Model, name string) (*schema.Relation, *schema.Model, error) {
	rel, err := c.registry.Relation(m.Name, name)
	if err != nil {
		return nil, nil, err
	}
	target, err := c.registry.Model(rel.Model)
	if err != nil {
		return nil, nil, err
	}
	return rel, target, nil
}

// edge is one include being loaded for a batch of parents.
type edge struct {
	inc    *Include
	rel    *schema.Relation
	target *schema.Model
	spec   *sqlgraph.EdgeSpec
	// parent is the parent column holding the key.
	parent string
	many   bool
	// trim applies the per-parent page in memory.
	trim     bool
	children map[string][]dialect.Record
}

// loader reads included relations.
type loader struct {
	c      *Client
	tenant string
}

func (l *loader) edge(m *schema.Model, inc *Include) (*edge, error) {
	rel, target, err := l.c.relation(m, inc.relation)
	if err != nil {
		return nil, err
	}
	if rel.Composite() || len(rel.LocalFields) != 1 || len(rel.ReferencedFields) != 1 {
		return nil, prism.Errorf(prism.InvalidParameter, "relation %s.%s has a composite key; composite relation keys are not supported", m.Name, rel.Name)
	}
	e := &edge{
		inc:    inc,
		rel:    rel,
		target: target,
		parent: rel.LocalFields[0],
		many:   rel.Kind == schema.OneToMany || rel.Kind == schema.ManyToMany,
		spec:   &sqlgraph.EdgeSpec{Table: rel.Table, Column: rel.ReferencedFields[0]},
	}
	switch rel.Kind {
	case schema.OneToOne:
		e.spec.Rel = sqlgraph.O2O
	case schema.OneToMany:
		e.spec.Rel = sqlgraph.O2M
	case schema.ManyToOne:
		e.spec.Rel = sqlgraph.M2O
	case schema.ManyToMany:
		j := rel.JoinTable
		if j == nil {
			return nil, prism.Errorf(prism.InvalidParameter, "relation %s.%s has no join table", m.Name, rel.Name)
		}
		e.spec.Rel = sqlgraph.M2M
		e.spec.Join = &sqlgraph.JoinTable{Table: j.Table, ParentColumn: j.LocalColumn, TargetColumn: j.RelatedColumn}
	}
	return e, nil
}

// load reads the includes of recs and stores them in the records under
// the relation names. Relations are read concurrently, one query each,
// except inside a transaction whose connection serializes them.
func (l *loader) load(ctx context.Context, m *schema.Model, recs []dialect.Record, incs []*Include) error {
	if len(recs) == 0 || len(incs) == 0 {
		return nil
	}
	edges := make([]*edge, len(incs))
	for i, inc := range incs {
		e, err := l.edge(m, inc)
		if err != nil {
			return err
		}
		edges[i] = e
	}
	g, gctx := errgroup.WithContext(ctx)
	if l.c.tx != nil {
		g.SetLimit(1)
	}
	for _, e := range edges {
		if e.inc.strategyOr(l.c.strategy) == LoadLazy {
			continue
		}
		g.Go(func() error {
			rows, err := l.fetch(gctx, e, recs)
			if err != nil {
				return err
			}
			e.children = sqlgraph.Bucket(rows, e.spec.MatchColumn())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, e := range edges {
		if e.inc.strategyOr(l.c.strategy) == LoadLazy {
			l.lazy(e, recs)
			continue
		}
		for _, r := range recs {
			e.assign(r, e.children[sqlgraph.KeyString(r[e.parent])])
		}
	}
	return nil
}

// fetch reads the related rows of every parent with one query, then the
// nested includes of those rows.
func (l *loader) fetch(ctx context.Context, e *edge, parents []dialect.Record) ([]dialect.Record, error) {
	keys := sqlgraph.DistinctKeys(parents, e.parent)
	if len(keys) == 0 {
		return nil, nil
	}
	st, err := l.statement(e, keys)
	if err != nil {
		return nil, err
	}
	s := l.c.session(e.target.Name, l.tenant)
	rows, err := s.records(ctx, st, "include:"+e.rel.Name)
	s.close()
	if err != nil {
		return nil, err
	}
	if err := l.load(ctx, e.target, rows, e.inc.nested); err != nil {
		return nil, err
	}
	return rows, nil
}

func (l *loader) statement(e *edge, keys []filter.Value) (*Statement, error) {
	d, inc := l.c.dialect, e.inc
	where := resolve(e.target, inc.where)
	order := resolveOrder(e.target, inc.order)
	cols := resolveFields(e.target, inc.fields)
	if len(cols) > 0 && e.spec.Rel != sqlgraph.M2M && !slices.Contains(cols, e.spec.Column) {
		cols = append(cols, e.spec.Column)
	}
	if !dialectJoins(d) {
		if e.spec.Rel == sqlgraph.M2M {
			return nil, prism.Errorf(prism.InvalidParameter, "many-to-many relation %s is not supported by %s", e.rel.Name, d)
		}
		e.trim = !inc.page.IsZero()
		return l.c.lower(&Plan{
			Op:      OpFind,
			Model:   e.target,
			Where:   filter.And(filter.Pred(filter.FieldName(e.spec.Column), filter.In, filter.List(keys...)), where),
			Order:   order,
			Columns: cols,
		})
	}
	q := &sqlgraph.EdgeQuery{
		Spec:     e.spec,
		Keys:     keys,
		Columns:  cols,
		Where:    where,
		Order:    order,
		Limit:    inc.page.Take,
		Offset:   inc.page.Skip,
		MaxDepth: l.c.maxDepth,
	}
	if (q.Limit != nil || q.Offset != nil) && !q.Windowed(d) {
		l.c.log.Warn("prism: per-parent take without window functions; reading all related rows",
			"relation", e.rel.Name, "dialect", d)
		q.Limit, q.Offset = nil, nil
		e.trim = true
	}
	text, args, err := q.Query(d)
	if err != nil {
		return nil, err
	}
	return &Statement{Text: text, Args: args, Type: OpFind.QueryType(), Rows: true}, nil
}

// assign stores the related records of one parent.
func (e *edge) assign(r dialect.Record, kids []dialect.Record) {
	if e.trim {
		kids = window(kids, e.inc.page)
	}
	switch {
	case e.many && kids == nil:
		r[e.rel.Name] = []dialect.Record{}
	case e.many:
		r[e.rel.Name] = kids
	case len(kids) > 0:
		r[e.rel.Name] = kids[0]
	default:
		r[e.rel.Name] = nil
	}
}

// window applies a page to the records of one parent.
func window(recs []dialect.Record, p filter.Pagination) []dialect.Record {
	if p.Skip != nil {
		if *p.Skip >= uint64(len(recs)) {
			return nil
		}
		recs = recs[*p.Skip:]
	}
	if p.Take != nil && *p.Take < uint64(len(recs)) {
		recs = recs[:*p.Take]
	}
	return recs
}

// Lazy is a relation read on first access. The lazy relations of the
// records of one query share a single batched read.
type Lazy struct {
	loader *dataloader.Loader[string, dialect.Record]
	edge   *edge
	key    string
}

// Many reports whether the relation holds a list of records.
func (z *Lazy) Many() bool { return z.edge.many }

// Records returns the related records.
func (z *Lazy) Records(ctx context.Context) ([]dialect.Record, error) {
	if z.key == "" {
		return nil, nil
	}
	kids, err := z.loader.Load(ctx, z.key)
	if err != nil {
		return nil, err
	}
	if z.edge.trim {
		kids = window(kids, z.edge.inc.page)
	}
	return kids, nil
}

// Record returns the first related record, or nil.
func (z *Lazy) Record(ctx context.Context) (dialect.Record, error) {
	kids, err := z.Records(ctx)
	if err != nil || len(kids) == 0 {
		return nil, err
	}
	return kids[0], nil
}

// lazy stores a *Lazy in every record. The first access reads the
// relation for all of them.
func (l *loader) lazy(e *edge, recs []dialect.Record) {
	keys := make([]string, 0, len(recs))
	for _, r := range recs {
		if k := sqlgraph.KeyString(r[e.parent]); k != "" {
			keys = append(keys, k)
		}
	}
	batch := dataloader.NewLoader(keys, func(ctx context.Context, keys []string) ([][]dialect.Record, error) {
		rows, err := l.fetch(ctx, e, recs)
		if err != nil {
			return nil, err
		}
		return dataloader.OrderGroupsByKeys(keys, sqlgraph.Bucket(rows, e.spec.MatchColumn())), nil
	})
	for _, r := range recs {
		r[e.rel.Name] = &Lazy{loader: batch, edge: e, key: sqlgraph.KeyString(r[e.parent])}
	}
}

// split moves the joined columns of each record into a nested record
// under the relation name, then loads the nested includes of the joined
// relations.
func (l *loader) split(ctx context.Context, m *schema.Model, recs []dialect.Record, joins []Join, incs []*Include) error {
	for _, j := range joins {
		var children []dialect.Record
		for _, r := range recs {
			child := make(dialect.Record, len(j.Columns))
			present := false
			for _, c := range j.Columns {
				k := j.Name + "__" + c
				v := r[k]
				delete(r, k)
				child[c] = v
				present = present || v != nil
			}
			if !present {
				r[j.Name] = nil
				continue
			}
			r[j.Name] = child
			children = append(children, child)
		}
		for _, inc := range incs {
			if inc.relation != j.Name || len(inc.nested) == 0 {
				continue
			}
			_, target, err := l.c.relation(m, j.Name)
			if err != nil {
				return err
			}
			if err := l.load(ctx, target, children, inc.nested); err != nil {
				return err
			}
		}
	}
	return nil
}
