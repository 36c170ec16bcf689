package middleware

import (
	"time"

	"github.com/google/uuid"

	"github.com/syssam/prism/dialect"
	"github.com/syssam/prism/filter"
)

// QueryType classifies a statement.
type QueryType uint8

// Query types.
const (
	TypeSelect QueryType = iota
	TypeInsert
	TypeUpdate
	TypeDelete
	TypeCount
	TypeRaw
	TypeTxBegin
	TypeTxCommit
	TypeTxRollback
)

var typeNames = [...]string{
	TypeSelect:     "select",
	TypeInsert:     "insert",
	TypeUpdate:     "update",
	TypeDelete:     "delete",
	TypeCount:      "count",
	TypeRaw:        "raw",
	TypeTxBegin:    "tx_begin",
	TypeTxCommit:   "tx_commit",
	TypeTxRollback: "tx_rollback",
}

func (t QueryType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// IsRead reports whether statements of type t only read.
func (t QueryType) IsRead() bool {
	return t == TypeSelect || t == TypeCount
}

// IsWrite reports whether statements of type t modify rows.
func (t QueryType) IsWrite() bool {
	return t == TypeInsert || t == TypeUpdate || t == TypeDelete
}

// Phase is the position of a QueryContext in its execution.
type Phase uint8

// Execution phases.
const (
	PhaseBefore Phase = iota
	PhaseDuring
	PhaseAfterOK
	PhaseAfterErr
)

func (p Phase) String() string {
	switch p {
	case PhaseDuring:
		return "during"
	case PhaseAfterOK:
		return "after_ok"
	case PhaseAfterErr:
		return "after_err"
	}
	return "before"
}

// Meta describes the origin of a statement.
type Meta struct {
	Model     string
	Operation string
	RequestID string
	UserID    string
	TenantID  string
	// Schema overrides the connection schema for this statement.
	Schema string
	// Database routes the statement to a per-database pool.
	Database string
	// SessionVars are set on the connection before the statement runs.
	SessionVars map[string]string
	Tags       []string
	Attributes map[string]string
	// InTx is set when the statement runs inside a transaction.
	InTx bool
}

// Attr returns the attribute key, or "".
func (m *Meta) Attr(key string) string {
	return m.Attributes[key]
}

// SetAttr sets the attribute key.
func (m *Meta) SetAttr(key, value string) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}
	m.Attributes[key] = value
}

// QueryContext carries one statement through the chain. Middleware may
// modify it in place.
type QueryContext struct {
	SQL  string
	Args []filter.Value
	Type QueryType
	// Rows is set when the statement returns rows, as reads and writes
	// with RETURNING do.
	Rows      bool
	Meta      Meta
	StartedAt time.Time
	Phase     Phase

	skip   bool
	cached *Response
}

// NewQueryContext returns a context for the statement with a fresh
// request id.
func NewQueryContext(typ QueryType, sql string, args []filter.Value) *QueryContext {
	return &QueryContext{
		SQL:       sql,
		Args:      args,
		Type:      typ,
		Rows:      typ.IsRead(),
		Meta:      Meta{RequestID: uuid.NewString()},
		StartedAt: time.Now(),
	}
}

// SkipWithResponse answers the statement with r. Inner wrappers and the
// driver are not run.
func (q *QueryContext) SkipWithResponse(r *Response) {
	q.skip = true
	q.cached = r
}

// Skipped reports whether the statement was answered by a wrapper.
func (q *QueryContext) Skipped() bool { return q.skip }

// CachedResponse returns the response given to SkipWithResponse.
func (q *QueryContext) CachedResponse() *Response { return q.cached }

// Elapsed returns the time since the statement started.
func (q *QueryContext) Elapsed() time.Duration { return time.Since(q.StartedAt) }

// Response is the outcome of a statement.
type Response struct {
	// Rows is set for statements that return rows.
	Rows   *dialect.Rows
	Result dialect.Result
	// FromCache is set when a wrapper answered from a cache.
	FromCache bool
	Elapsed   time.Duration
}

// Len returns the number of rows in the response.
func (r *Response) Len() int {
	if r == nil || r.Rows == nil {
		return 0
	}
	return r.Rows.Len()
}
