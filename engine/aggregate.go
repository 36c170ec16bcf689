package engine

import (
	"context"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
)

// CountQuery counts records.
type CountQuery struct {
	m      *Model
	where  filter.Filter
	tenant string
}

// Count returns a query counting the records.
func (m *Model) Count() *CountQuery {
	return &CountQuery{m: m}
}

// Where ANDs fs into the filter.
func (q *CountQuery) Where(fs ...filter.Filter) *CountQuery {
	q.where = filter.And(append([]filter.Filter{q.where}, fs...)...)
	return q
}

// Tenant runs the query for the tenant id.
func (q *CountQuery) Tenant(id string) *CountQuery {
	q.tenant = id
	return q
}

// Exec returns the number of matching records.
func (q *CountQuery) Exec(ctx context.Context) (int64, error) {
	if q.m.err != nil {
		return 0, q.m.err
	}
	c, m := q.m.c, q.m.m
	st, err := c.lower(&Plan{Op: OpCount, Model: m, Where: resolve(m, q.where)})
	if err != nil {
		return 0, err
	}
	s := c.session(m.Name, q.tenant)
	defer s.close()
	recs, err := s.records(ctx, st, "count")
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return toInt64(recs[0][sqlb.AggregateAlias(sqlb.AggCount, "*")])
}

// AggregateQuery computes aggregates over records.
type AggregateQuery struct {
	m      *Model
	where  filter.Filter
	aggs   []Aggregate
	tenant string
}

// Aggregate returns a query computing aggregates of the records.
func (m *Model) Aggregate() *AggregateQuery {
	return &AggregateQuery{m: m}
}

// Where ANDs fs into the filter.
func (q *AggregateQuery) Where(fs ...filter.Filter) *AggregateQuery {
	q.where = filter.And(append([]filter.Filter{q.where}, fs...)...)
	return q
}

// Count counts the records, under _count.
func (q *AggregateQuery) Count() *AggregateQuery { return q.add(sqlb.AggCount, "") }

// Sum sums the field, under _sum_<column>.
func (q *AggregateQuery) Sum(field string) *AggregateQuery { return q.add(sqlb.AggSum, field) }

// Avg averages the field, under _avg_<column>.
func (q *AggregateQuery) Avg(field string) *AggregateQuery { return q.add(sqlb.AggAvg, field) }

// Min reads the least value of the field, under _min_<column>.
func (q *AggregateQuery) Min(field string) *AggregateQuery { return q.add(sqlb.AggMin, field) }

// Max reads the greatest value of the field, under _max_<column>.
func (q *AggregateQuery) Max(field string) *AggregateQuery { return q.add(sqlb.AggMax, field) }

func (q *AggregateQuery) add(fn, field string) *AggregateQuery {
	q.aggs = append(q.aggs, Aggregate{Fn: fn, Column: field})
	return q
}

// Tenant runs the query for the tenant id.
func (q *AggregateQuery) Tenant(id string) *AggregateQuery {
	q.tenant = id
	return q
}

// Exec returns the aggregates keyed by their result column.
func (q *AggregateQuery) Exec(ctx context.Context) (dialect.Record, error) {
	if q.m.err != nil {
		return nil, q.m.err
	}
	c, m := q.m.c, q.m.m
	aggs := make([]Aggregate, len(q.aggs))
	for i, a := range q.aggs {
		aggs[i] = a
		if a.Column != "" {
			aggs[i].Column = m.Column(a.Column)
		}
	}
	st, err := c.lower(&Plan{Op: OpAggregate, Model: m, Where: resolve(m, q.where), Aggregates: aggs})
	if err != nil {
		return nil, err
	}
	s := c.session(m.Name, q.tenant)
	defer s.close()
	recs, err := s.records(ctx, st, "aggregate")
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return dialect.Record{}, nil
	}
	return recs[0], nil
}

// toInt64 converts a count read from any driver.
func toInt64(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	n, err := asInt(v)
	if err != nil {
		return 0, prism.Wrap(prism.TypeConversion, err, "count")
	}
	return n, nil
}
