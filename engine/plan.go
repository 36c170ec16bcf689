package engine

import (
	"sync"

	"github.com/syssam/prism/filter"
	"github.com/syssam/prism/middleware"
	"github.com/syssam/prism/schema"
)

// Op is the kind of a planned statement.
type Op uint8

// Planned operations.
const (
	OpFind Op = iota
	OpCount
	OpAggregate
	OpCreate
	OpCreateMany
	OpUpdate
	OpUpdateMany
	OpUpsert
	OpDelete
	OpDeleteMany
)

var opNames = [...]string{
	OpFind:       "find",
	OpCount:      "count",
	OpAggregate:  "aggregate",
	OpCreate:     "create",
	OpCreateMany: "create_many",
	OpUpdate:     "update",
	OpUpdateMany: "update_many",
	OpUpsert:     "upsert",
	OpDelete:     "delete",
	OpDeleteMany: "delete_many",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// QueryType returns the middleware classification of statements of o.
func (o Op) QueryType() middleware.QueryType {
	switch o {
	case OpCount, OpAggregate:
		return middleware.TypeCount
	case OpCreate, OpCreateMany, OpUpsert:
		return middleware.TypeInsert
	case OpUpdate, OpUpdateMany:
		return middleware.TypeUpdate
	case OpDelete, OpDeleteMany:
		return middleware.TypeDelete
	}
	return middleware.TypeSelect
}

// Aggregate is an aggregate function applied to a column. An empty
// column counts rows.
type Aggregate struct {
	Fn     string
	Column string
}

// Join adds the row of a to-one relation to a find. The columns of the
// related row are returned as <Name>__<column>.
type Join struct {
	Name    string
	Table   string
	Local   string
	Remote  string
	Columns []string
}

// Assignment sets a column in an update or upsert.
type Assignment struct {
	Column string
	Value  filter.Value
}

// Plan is a backend independent description of one statement. Field
// names are already resolved to columns.
type Plan struct {
	Op    Op
	Model *schema.Model
	Where filter.Filter
	Order filter.OrderBy
	// Limit and Offset bound a find.
	Limit, Offset *uint64
	// Columns is the projection; all columns when empty.
	Columns []string
	Joins   []Join
	// Unique limits a find to one row.
	Unique bool
	// Identity selects the row inserted last on the connection.
	Identity  bool
	ForUpdate bool
	// InsertColumns and Rows hold the inserted values, in column order.
	InsertColumns []string
	Rows          [][]filter.Value
	// Set holds the assignments of updates and of the update branch of
	// upserts.
	Set []Assignment
	// Conflict holds the conflict target of an upsert.
	Conflict   []string
	Aggregates []Aggregate
	// Returning asks for the written rows.
	Returning bool
}

// Statement is a lowered plan.
type Statement struct {
	Text string
	Args []filter.Value
	Type middleware.QueryType
	// Rows is set when the statement returns rows.
	Rows bool
}

// Lowerer turns plans into statements of one backend.
type Lowerer interface {
	Lower(*Plan) (*Statement, error)
}

// LowererFunc adapts a function to a Lowerer.
type LowererFunc func(*Plan) (*Statement, error)

// Lower calls f(p).
func (f LowererFunc) Lower(p *Plan) (*Statement, error) { return f(p) }

var (
	lowerersMu sync.RWMutex
	lowerers   = make(map[string]Lowerer)
)

// RegisterLowerer installs the lowerer of a backend that does not speak
// SQL. It is called from the init function of the driver package.
func RegisterLowerer(dialect string, l Lowerer) {
	lowerersMu.Lock()
	defer lowerersMu.Unlock()
	lowerers[dialect] = l
}

func registeredLowerer(dialect string) (Lowerer, bool) {
	lowerersMu.RLock()
	defer lowerersMu.RUnlock()
	l, ok := lowerers[dialect]
	return l, ok
}
