package engine

import (
	"context"
	"slices"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/schema"
)

// CreateQuery inserts one record.
type CreateQuery struct {
	m      *Model
	data   Data
	tenant string
}

// Create returns a query inserting data.
func (m *Model) Create(data Data) *CreateQuery {
	return &CreateQuery{m: m, data: data}
}

// Tenant runs the query for the tenant id.
func (q *CreateQuery) Tenant(id string) *CreateQuery {
	q.tenant = id
	return q
}

// Exec inserts the record and returns it as stored.
func (q *CreateQuery) Exec(ctx context.Context) (dialect.Record, error) {
	if q.m.err != nil {
		return nil, q.m.err
	}
	c, m := q.m.c, q.m.m
	cols, vals := q.m.columns(q.data)
	st, err := c.lower(&Plan{
		Op:            OpCreate,
		Model:         m,
		InsertColumns: cols,
		Rows:          [][]filter.Value{vals},
		Returning:     true,
	})
	if err != nil {
		return nil, err
	}
	s := c.session(m.Name, q.tenant)
	defer s.close()
	resp, err := s.run(ctx, st, "create")
	if err != nil {
		return nil, err
	}
	if st.Rows && resp.Len() > 0 {
		return resp.Rows.Records[0], nil
	}
	return q.readBack(ctx, s, cols, vals, resp.Result)
}

// readBack returns the inserted row on backends without RETURNING: by the
// primary key when it was given, by the last insert identity otherwise.
// Backends without SQL get the written values back.
func (q *CreateQuery) readBack(ctx context.Context, s *session, cols []string, vals []filter.Value, res dialect.Result) (dialect.Record, error) {
	c, m := q.m.c, q.m.m
	written := make(dialect.Record, len(cols))
	for i, col := range cols {
		written[col] = vals[i].Any()
	}
	pk := m.PrimaryColumns()
	if !dialect.IsSQL(c.dialect) || len(pk) != 1 {
		return written, nil
	}
	p := &Plan{Op: OpFind, Model: m, Unique: true}
	if i := slices.Index(cols, pk[0]); i >= 0 {
		p.Where = filter.Pred(filter.FieldName(pk[0]), filter.Eq, vals[i])
	} else {
		switch c.dialect {
		case dialect.MySQL, dialect.SQLite:
			p.Identity = true
		default:
			if res.LastInsertID == 0 {
				return written, nil
			}
			p.Where = filter.Pred(filter.FieldName(pk[0]), filter.Eq, filter.Int(res.LastInsertID))
		}
	}
	st, err := c.lower(p)
	if err != nil {
		return nil, err
	}
	recs, err := s.records(ctx, st, "create")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return written, nil
	}
	return recs[0], nil
}

// CreateManyQuery inserts records in batches.
type CreateManyQuery struct {
	m      *Model
	rows   []Data
	tenant string
}

// CreateMany returns a query inserting rows. Every row must set the same
// fields.
func (m *Model) CreateMany(rows ...Data) *CreateManyQuery {
	return &CreateManyQuery{m: m, rows: rows}
}

// Tenant runs the query for the tenant id.
func (q *CreateManyQuery) Tenant(id string) *CreateManyQuery {
	q.tenant = id
	return q
}

// Exec inserts the rows and returns the number of inserted rows. Rows are
// sent in chunks that fit the parameter limit of the backend; several
// chunks are inserted in one transaction.
func (q *CreateManyQuery) Exec(ctx context.Context) (int64, error) {
	if q.m.err != nil {
		return 0, q.m.err
	}
	if len(q.rows) == 0 {
		return 0, nil
	}
	c, m := q.m.c, q.m.m
	cols, _ := q.m.columns(q.rows[0])
	rows := make([][]filter.Value, len(q.rows))
	for i, data := range q.rows {
		rc, vals := q.m.columns(data)
		if !slices.Equal(rc, cols) {
			return 0, prism.Errorf(prism.InvalidParameter, "create_many row %d of %s sets different fields than row 0", i, m.Name).
				WithSuggestion("set the same fields in every row")
		}
		rows[i] = vals
	}
	size := len(rows)
	if len(cols) > 0 {
		size = max(1, paramLimit(c.dialect)/len(cols))
	}
	chunks := slices.Collect(slices.Chunk(rows, size))
	insert := func(ctx context.Context, c *Client) (int64, error) {
		s := c.session(m.Name, q.tenant)
		defer s.close()
		var n int64
		for _, chunk := range chunks {
			st, err := c.lower(&Plan{Op: OpCreateMany, Model: m, InsertColumns: cols, Rows: chunk})
			if err != nil {
				return n, err
			}
			resp, err := s.run(ctx, st, "create_many")
			if err != nil {
				return n, err
			}
			n += resp.Result.RowsAffected
		}
		return n, nil
	}
	if len(chunks) == 1 || c.tx != nil {
		return insert(ctx, c)
	}
	var n int64
	err := c.WithTx(ctx, TxConfig{}, func(tx *Tx) error {
		var err error
		n, err = insert(ctx, tx.Client())
		return err
	})
	return n, err
}

// UpdateQuery updates records.
type UpdateQuery struct {
	m      *Model
	op     string
	where  filter.Filter
	data   Data
	tenant string
}

// Update returns a query updating the record matching where.
func (m *Model) Update(where filter.Filter, data Data) *UpdateQuery {
	return &UpdateQuery{m: m, op: "update", where: where, data: data}
}

// UpdateManyQuery updates every matching record.
type UpdateManyQuery struct {
	m      *Model
	where  filter.Filter
	data   Data
	tenant string
}

// UpdateMany returns a query updating every record matching where.
func (m *Model) UpdateMany(where filter.Filter, data Data) *UpdateManyQuery {
	return &UpdateManyQuery{m: m, where: where, data: data}
}

// Tenant runs the query for the tenant id.
func (q *UpdateManyQuery) Tenant(id string) *UpdateManyQuery {
	q.tenant = id
	return q
}

// Tenant runs the query for the tenant id.
func (q *UpdateQuery) Tenant(id string) *UpdateQuery {
	q.tenant = id
	return q
}

// Exec updates one record and returns it as stored. It fails with
// RecordNotFound when no record matches. When where does not pin the
// primary key, the key of the first matching record is read first, so
// exactly one record is updated on every backend.
func (q *UpdateQuery) Exec(ctx context.Context) (dialect.Record, error) {
	if q.m.err != nil {
		return nil, q.m.err
	}
	c, m := q.m.c, q.m.m
	s := c.session(m.Name, q.tenant)
	defer s.close()
	where := resolve(m, q.where)
	set := q.m.assignments(q.data)
	if !dialect.IsSQL(c.dialect) {
		return q.updateDocument(ctx, s, where, set)
	}
	if len(set) == 0 {
		return nil, prism.Errorf(prism.InvalidParameter, "update of %s sets no columns", m.Table)
	}
	byKey := where
	if !pinsKey(m, where) {
		pk := m.PrimaryColumns()
		st, err := c.lower(&Plan{Op: OpFind, Model: m, Where: where, Columns: pk, Unique: true})
		if err != nil {
			return nil, err
		}
		keys, err := s.records(ctx, st, q.op)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, q.notFound()
		}
		if byKey, err = pkFilter(m, keys[0]); err != nil {
			return nil, err
		}
	}
	returning := sqlb.SupportsReturning(c.dialect)
	st, err := c.lower(&Plan{Op: OpUpdate, Model: m, Where: byKey, Set: set, Returning: returning})
	if err != nil {
		return nil, err
	}
	if !returning {
		if _, err := s.run(ctx, st, q.op); err != nil {
			return nil, err
		}
		return q.readBack(ctx, s, byKey)
	}
	recs, err := s.records(ctx, st, q.op)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, q.notFound()
	}
	return recs[0], nil
}

// pinsKey reports whether where is a conjunction of equalities covering
// every primary key column of m.
func pinsKey(m *schema.Model, where filter.Filter) bool {
	pk := m.PrimaryColumns()
	cols, _, err := equalities(where)
	if err != nil || len(pk) == 0 {
		return false
	}
	for _, col := range pk {
		if !slices.Contains(cols, col) {
			return false
		}
	}
	return true
}

func (q *UpdateQuery) updateDocument(ctx context.Context, s *session, where filter.Filter, set []Assignment) (dialect.Record, error) {
	st, err := q.m.c.lower(&Plan{Op: OpUpdate, Model: q.m.m, Where: where, Set: set, Unique: true})
	if err != nil {
		return nil, err
	}
	resp, err := s.run(ctx, st, q.op)
	if err != nil {
		return nil, err
	}
	if resp.Result.RowsAffected == 0 {
		return nil, q.notFound()
	}
	return q.readBack(ctx, s, where)
}

func (q *UpdateQuery) readBack(ctx context.Context, s *session, where filter.Filter) (dialect.Record, error) {
	st, err := q.m.c.lower(&Plan{Op: OpFind, Model: q.m.m, Where: where, Unique: true})
	if err != nil {
		return nil, err
	}
	recs, err := s.records(ctx, st, q.op)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, q.notFound()
	}
	return recs[0], nil
}

func (q *UpdateQuery) notFound() error {
	return prism.ErrRecordNotFound.
		With("model", q.m.Name()).
		With("operation", q.op).
		WithSuggestion("use UpdateMany when no record may match")
}

// Exec updates the matching records and returns their number.
func (q *UpdateManyQuery) Exec(ctx context.Context) (int64, error) {
	if q.m.err != nil {
		return 0, q.m.err
	}
	c, m := q.m.c, q.m.m
	st, err := c.lower(&Plan{Op: OpUpdateMany, Model: m, Where: resolve(m, q.where), Set: q.m.assignments(q.data)})
	if err != nil {
		return 0, err
	}
	s := c.session(m.Name, q.tenant)
	defer s.close()
	resp, err := s.run(ctx, st, "update_many")
	if err != nil {
		return 0, err
	}
	return resp.Result.RowsAffected, nil
}

// UpsertQuery inserts a record or updates the existing one.
type UpsertQuery struct {
	m      *Model
	where  filter.Filter
	create Data
	update Data
	tenant string
}

// Upsert returns a query updating the record matching where with update,
// or inserting create when none matches. where must compare unique fields
// for equality; they form the conflict target.
func (m *Model) Upsert(where filter.Filter, create, update Data) *UpsertQuery {
	return &UpsertQuery{m: m, where: where, create: create, update: update}
}

// Tenant runs the query for the tenant id.
func (q *UpsertQuery) Tenant(id string) *UpsertQuery {
	q.tenant = id
	return q
}

// Exec runs the upsert and returns the stored record.
func (q *UpsertQuery) Exec(ctx context.Context) (dialect.Record, error) {
	if q.m.err != nil {
		return nil, q.m.err
	}
	c, m := q.m.c, q.m.m
	where := resolve(m, q.where)
	conflict, keys, err := equalities(where)
	if err != nil {
		return nil, err
	}
	cols, vals := q.m.columns(q.create)
	for i, col := range conflict {
		if !slices.Contains(cols, col) {
			cols = append(cols, col)
			vals = append(vals, keys[i])
		}
	}
	st, err := c.lower(&Plan{
		Op:            OpUpsert,
		Model:         m,
		InsertColumns: cols,
		Rows:          [][]filter.Value{vals},
		Set:           q.m.assignments(q.update),
		Conflict:      conflict,
		Where:         where,
		Returning:     true,
	})
	if err != nil {
		return nil, err
	}
	s := c.session(m.Name, q.tenant)
	defer s.close()
	resp, err := s.run(ctx, st, "upsert")
	if err != nil {
		return nil, err
	}
	if st.Rows && resp.Len() > 0 {
		return resp.Rows.Records[0], nil
	}
	// DO NOTHING returns no row on conflict; read the stored one.
	st, err = c.lower(&Plan{Op: OpFind, Model: m, Where: where, Unique: true})
	if err != nil {
		return nil, err
	}
	recs, err := s.records(ctx, st, "upsert")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, prism.ErrRecordNotFound.With("model", m.Name).With("operation", "upsert")
	}
	return recs[0], nil
}

// equalities returns the columns and values of a conjunction of
// equality predicates.
func equalities(f filter.Filter) ([]string, []filter.Value, error) {
	f = filter.Normalize(f)
	var leaves []filter.Filter
	switch f.Node() {
	case filter.NodeLeaf:
		leaves = []filter.Filter{f}
	case filter.NodeAnd:
		leaves = f.Children()
	}
	if len(leaves) == 0 {
		return nil, nil, prism.New(prism.InvalidParameter, "upsert requires a filter comparing unique fields for equality")
	}
	cols := make([]string, len(leaves))
	vals := make([]filter.Value, len(leaves))
	for i, l := range leaves {
		if l.Node() != filter.NodeLeaf || l.Op() != filter.Eq {
			return nil, nil, prism.Errorf(prism.InvalidParameter, "upsert filter %s is not a conjunction of equalities", f)
		}
		cols[i], vals[i] = string(l.Field()), l.Value()
	}
	return cols, vals, nil
}

// DeleteQuery deletes records.
type DeleteQuery struct {
	m      *Model
	op     string
	where  filter.Filter
	tenant string
}

// Delete returns a query deleting the record matching where. Its Exec
// fails with RecordNotFound when nothing was deleted.
func (m *Model) Delete(where filter.Filter) *DeleteQuery {
	return &DeleteQuery{m: m, op: "delete", where: where}
}

// DeleteMany returns a query deleting every record matching where.
func (m *Model) DeleteMany(where filter.Filter) *DeleteQuery {
	return &DeleteQuery{m: m, op: "delete_many", where: where}
}

// Tenant runs the query for the tenant id.
func (q *DeleteQuery) Tenant(id string) *DeleteQuery {
	q.tenant = id
	return q
}

// Exec deletes the matching records and returns their number.
func (q *DeleteQuery) Exec(ctx context.Context) (int64, error) {
	if q.m.err != nil {
		return 0, q.m.err
	}
	c, m := q.m.c, q.m.m
	op := OpDeleteMany
	if q.op == "delete" {
		op = OpDelete
	}
	st, err := c.lower(&Plan{Op: op, Model: m, Where: resolve(m, q.where)})
	if err != nil {
		return 0, err
	}
	s := c.session(m.Name, q.tenant)
	defer s.close()
	resp, err := s.run(ctx, st, q.op)
	if err != nil {
		return 0, err
	}
	n := resp.Result.RowsAffected
	if op == OpDelete && n == 0 {
		return 0, prism.ErrRecordNotFound.
			With("model", m.Name).
			With("operation", q.op).
			WithSuggestion("use DeleteMany when no record may match")
	}
	return n, nil
}
