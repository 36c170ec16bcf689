package mongo

import (
	"encoding/json"
	"regexp"

	"github.com/syssam/prism"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/engine"
	"github.com/syssam/prism/filter"
)

// Command operations.
const (
	OpFind      = "find"
	OpCount     = "count"
	OpAggregate = "aggregate"
	OpInsert    = "insert"
	OpUpdate    = "update"
	OpUpsert    = "upsert"
	OpDelete    = "delete"
)

// Command is the statement text of the MongoDB backend, sent as JSON.
// Values are never inlined: a filter holds {"$param": n} or, for the
// primary key, {"$key": n} in place of the n-th statement argument.
type Command struct {
	Op         string `json:"op"`
	Collection string `json:"collection"`
	// Key is the primary key column, stored as _id.
	Key     string         `json:"key,omitempty"`
	Filter  map[string]any `json:"filter,omitempty"`
	Sort    []Sort         `json:"sort,omitempty"`
	Limit   *uint64        `json:"limit,omitempty"`
	Skip    *uint64        `json:"skip,omitempty"`
	Project bool           `json:"project,omitempty"`
	// Columns are the columns of the returned records.
	Columns   []string      `json:"columns,omitempty"`
	Documents [][]Field     `json:"documents,omitempty"`
	Set       []Field       `json:"set,omitempty"`
	Multi     bool          `json:"multi,omitempty"`
	Group     []Accumulator `json:"group,omitempty"`
}

// Field assigns the argument Param to Column.
type Field struct {
	Column string `json:"column"`
	Param  int    `json:"param"`
}

// Sort is one sort key.
type Sort struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Accumulator is a $group accumulator stored under Alias.
type Accumulator struct {
	Alias  string `json:"alias"`
	Fn     string `json:"fn"`
	Column string `json:"column,omitempty"`
}

// Lowerer lowers plans to commands.
type Lowerer struct {
	maxDepth int
}

// NewLowerer returns a lowerer rejecting filters deeper than maxDepth.
func NewLowerer(maxDepth int) *Lowerer {
	if maxDepth <= 0 {
		maxDepth = sqlb.DefaultMaxDepth
	}
	return &Lowerer{maxDepth: maxDepth}
}

// Lower implements engine.Lowerer.
func (l *Lowerer) Lower(p *engine.Plan) (*engine.Statement, error) {
	if p.Model == nil {
		return nil, prism.New(prism.InvalidParameter, "plan has no model")
	}
	if len(p.Joins) > 0 {
		return nil, prism.Errorf(prism.InvalidParameter, "mongodb reads relations of %s with separate queries, not joins", p.Model.Name)
	}
	if p.ForUpdate {
		return nil, prism.New(prism.InvalidParameter, "mongodb has no row locks").
			WithSuggestion("run the read and the write in one transaction")
	}
	if p.Identity {
		return nil, prism.New(prism.InvalidParameter, "mongodb has no last insert identity")
	}
	b := &builder{cmd: &Command{Collection: p.Model.Table}}
	if pk := p.Model.PrimaryColumns(); len(pk) == 1 {
		b.cmd.Key = pk[0]
	}
	if err := l.lower(b, p); err != nil {
		return nil, err
	}
	text, err := json.Marshal(b.cmd)
	if err != nil {
		return nil, prism.Wrap(prism.Internal, err, "encode mongodb command")
	}
	st := &engine.Statement{Text: string(text), Args: b.args, Type: p.Op.QueryType()}
	switch b.cmd.Op {
	case OpFind, OpCount, OpAggregate, OpUpsert:
		st.Rows = true
	case OpInsert:
		st.Rows = p.Returning && p.Op == engine.OpCreate
	}
	return st, nil
}

func (l *Lowerer) lower(b *builder, p *engine.Plan) error {
	cmd := b.cmd
	switch p.Op {
	case engine.OpFind:
		cmd.Op = OpFind
		cmd.Limit, cmd.Skip = p.Limit, p.Offset
		if p.Unique {
			one := uint64(1)
			cmd.Limit = &one
		}
		cmd.Columns = p.Columns
		cmd.Project = len(p.Columns) > 0
		if len(cmd.Columns) == 0 {
			cmd.Columns = p.Model.Columns()
		}
		for _, o := range p.Order {
			cmd.Sort = append(cmd.Sort, Sort{Column: b.column(string(o.Field)), Desc: o.Direction == filter.Desc})
		}
		return b.where(p.Where, l.maxDepth)
	case engine.OpCount:
		cmd.Op = OpCount
		return b.where(p.Where, l.maxDepth)
	case engine.OpAggregate:
		if len(p.Aggregates) == 0 {
			return prism.Errorf(prism.InvalidParameter, "aggregate on %s selects nothing", p.Model.Name)
		}
		cmd.Op = OpAggregate
		for _, a := range p.Aggregates {
			cmd.Group = append(cmd.Group, Accumulator{
				Alias:  sqlb.AggregateAlias(a.Fn, a.Column),
				Fn:     a.Fn,
				Column: a.Column,
			})
		}
		return b.where(p.Where, l.maxDepth)
	case engine.OpCreate, engine.OpCreateMany:
		cmd.Op = OpInsert
		for _, row := range p.Rows {
			cmd.Documents = append(cmd.Documents, b.fields(p.InsertColumns, row))
		}
		cmd.Columns = append(cmd.Columns, p.InsertColumns...)
		return nil
	case engine.OpUpdate, engine.OpUpdateMany:
		cmd.Op = OpUpdate
		cmd.Multi = p.Op == engine.OpUpdateMany
		b.assign(p.Set)
		return b.where(p.Where, l.maxDepth)
	case engine.OpUpsert:
		cmd.Op = OpUpsert
		cmd.Columns = p.Model.Columns()
		b.assign(p.Set)
		if len(p.Rows) == 1 {
			cmd.Documents = [][]Field{b.fields(p.InsertColumns, p.Rows[0])}
		}
		return b.where(p.Where, l.maxDepth)
	case engine.OpDelete, engine.OpDeleteMany:
		cmd.Op = OpDelete
		cmd.Multi = p.Op == engine.OpDeleteMany
		return b.where(p.Where, l.maxDepth)
	}
	return prism.Errorf(prism.Internal, "unknown plan operation %d", p.Op)
}

// builder collects the arguments of one command.
type builder struct {
	cmd  *Command
	args []filter.Value
}

func (b *builder) param(v filter.Value, key bool) map[string]any {
	b.args = append(b.args, v)
	if key {
		return map[string]any{"$key": len(b.args) - 1}
	}
	return map[string]any{"$param": len(b.args) - 1}
}

func (b *builder) column(c string) string {
	if c == b.cmd.Key {
		return "_id"
	}
	return c
}

func (b *builder) fields(cols []string, vals []filter.Value) []Field {
	fs := make([]Field, len(cols))
	for i, c := range cols {
		b.args = append(b.args, vals[i])
		fs[i] = Field{Column: c, Param: len(b.args) - 1}
	}
	return fs
}

func (b *builder) assign(set []engine.Assignment) {
	for _, a := range set {
		b.args = append(b.args, a.Value)
		b.cmd.Set = append(b.cmd.Set, Field{Column: a.Column, Param: len(b.args) - 1})
	}
}

func (b *builder) where(f filter.Filter, maxDepth int) error {
	if d := f.Depth(); d > maxDepth {
		return prism.Errorf(prism.QueryTooComplex, "filter depth %d exceeds limit %d", d, maxDepth)
	}
	if err := f.Err(); err != nil {
		return prism.Wrap(prism.TypeConversion, err, "filter value")
	}
	doc, err := b.filter(filter.Normalize(f))
	if err != nil {
		return err
	}
	if len(doc) > 0 {
		b.cmd.Filter = doc
	}
	return nil
}

var comparisons = map[filter.Op]string{
	filter.Eq:    "$eq",
	filter.Ne:    "$ne",
	filter.Gt:    "$gt",
	filter.Gte:   "$gte",
	filter.Lt:    "$lt",
	filter.Lte:   "$lte",
	filter.In:    "$in",
	filter.NotIn: "$nin",
}

func (b *builder) filter(f filter.Filter) (map[string]any, error) {
	switch f.Node() {
	case filter.NodeNone, filter.NodeTrue:
		return map[string]any{}, nil
	case filter.NodeFalse:
		return map[string]any{"_id": map[string]any{"$exists": false}}, nil
	case filter.NodeAnd, filter.NodeOr, filter.NodeNot:
		children := make([]any, 0, len(f.Children()))
		for _, c := range f.Children() {
			doc, err := b.filter(c)
			if err != nil {
				return nil, err
			}
			children = append(children, doc)
		}
		op := map[filter.Node]string{filter.NodeAnd: "$and", filter.NodeOr: "$or", filter.NodeNot: "$nor"}[f.Node()]
		return map[string]any{op: children}, nil
	}
	col := string(f.Field())
	field, key := b.column(col), col == b.cmd.Key
	switch op := f.Op(); op {
	case filter.IsNull:
		return map[string]any{field: map[string]any{"$eq": nil}}, nil
	case filter.IsNotNull:
		return map[string]any{field: map[string]any{"$ne": nil}}, nil
	case filter.Contains, filter.StartsWith, filter.EndsWith:
		v := f.Value()
		if v.Kind() != filter.KindString {
			return nil, prism.Errorf(prism.InvalidParameter, "%s on %s needs a string value", op, col)
		}
		pattern := regexp.QuoteMeta(v.Text())
		switch op {
		case filter.StartsWith:
			pattern = "^" + pattern
		case filter.EndsWith:
			pattern += "$"
		}
		return map[string]any{field: map[string]any{"$regex": b.param(filter.String(pattern), false)}}, nil
	default:
		name, ok := comparisons[op]
		if !ok {
			return nil, prism.Errorf(prism.InvalidParameter, "unsupported operator %s", op)
		}
		return map[string]any{field: map[string]any{name: b.param(f.Value(), key)}}, nil
	}
}
