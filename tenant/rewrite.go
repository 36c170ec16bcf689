package tenant

import (
	"slices"
	"strconv"
	"strings"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
	sqlb "github.com/syssam/prism/dialect/sql"
	"github.com/syssam/prism/filter"
)

// Rewriter scopes SQL statements to a tenant by injecting an equality
// predicate on the tenant column. Rewriting is idempotent: a statement
// already scoped to the same tenant is returned unchanged.
type Rewriter struct {
	// Column is the tenant column. Default is "tenant_id".
	Column  string
	Dialect string
	// Parameterized binds the tenant id as a parameter instead of a
	// literal. It applies to the $k and @Pk dialects only.
	Parameterized bool
	// AutoInsert appends the tenant column to INSERT statements that do
	// not set it. Otherwise such statements are rejected.
	AutoInsert bool
	// Scoped reports whether a table is tenant scoped. Nil scopes every
	// table.
	Scoped func(table string) bool
}

// Rewrite returns sql scoped to tenant, and args extended with the tenant
// parameter when one was added. Statements other than SELECT, INSERT,
// UPDATE and DELETE are returned unchanged.
//
//	SELECT * FROM users WHERE active = true
//	SELECT * FROM users WHERE tenant_id = 't42' AND active = true
//
// Every scoped table of a SELECT is constrained: the tables of its FROM
// list in WHERE, tables joined with ON in their join condition, and
// derived tables inside their own statement. The column is qualified by
// the table alias when the statement reads more than one table. At most
// one parameter is added.
func (r *Rewriter) Rewrite(sql string, args []filter.Value, tenant string) (string, []filter.Value, error) {
	sc := &scope{r: r, tenant: tenant, args: args}
	out, err := sc.statement(sql)
	if err != nil {
		return "", nil, err
	}
	return out, sc.args, nil
}

// scope is the state of one rewrite.
type scope struct {
	r      *Rewriter
	tenant string
	args   []filter.Value
	// val is the bound tenant value, once one is needed.
	val string
}

// value returns the text binding the tenant, binding it on first use.
func (s *scope) value() string {
	if s.val == "" {
		s.val, s.args = s.r.value(s.args, s.tenant)
	}
	return s.val
}

func (s *scope) statement(sql string) (string, error) {
	body := strings.TrimRight(sql, " \t\r\n;")
	suffix := sql[len(body):]
	toks := lex(body)
	if len(toks) == 0 || toks[0].kind != tokWord {
		return sql, nil
	}
	var (
		out string
		err error
	)
	switch toks[0].upper {
	case "SELECT":
		out, err = s.selectStmt(body, toks)
	case "UPDATE", "DELETE":
		out, err = s.writeStmt(body, toks)
	case "INSERT":
		out, err = s.insertStmt(body, toks)
	case "WITH":
		return "", prism.New(prism.InvalidParameter, "tenant: statements with a WITH clause cannot be scoped").
			WithSuggestion("run the statement with tenant bypass or inline the common table expression")
	default:
		return sql, nil
	}
	if err != nil {
		return "", err
	}
	return out + suffix, nil
}

func (r *Rewriter) column() string {
	if r.Column == "" {
		return DefaultColumn
	}
	return r.Column
}

func (r *Rewriter) scoped(table string) bool {
	return table != "" && (r.Scoped == nil || r.Scoped(table))
}

// params reports whether the tenant id is bound as a parameter.
func (r *Rewriter) params() bool {
	return r.Parameterized && (r.Dialect == dialect.Postgres || r.Dialect == dialect.SQLServer)
}

func (r *Rewriter) placeholder(i int) string {
	if r.Dialect == dialect.SQLServer {
		return sqlb.SQLServerPlaceholder(i)
	}
	return sqlb.PostgresPlaceholder(i)
}

func (r *Rewriter) literal(tenant string) string {
	v := strings.ReplaceAll(tenant, "'", "''")
	if r.Dialect == dialect.MySQL {
		v = strings.ReplaceAll(v, `\`, `\\`)
	}
	return "'" + v + "'"
}

// value returns the text binding tenant, and args extended when the id
// is bound as a parameter.
func (r *Rewriter) value(args []filter.Value, tenant string) (string, []filter.Value) {
	if !r.params() {
		return r.literal(tenant), args
	}
	args = append(slices.Clip(args), filter.String(tenant))
	return r.placeholder(len(args)), args
}

// qualified returns the tenant column of the table referenced as ref.
func (r *Rewriter) qualified(ref string) string {
	col := sqlb.Quote(r.Dialect, r.column())
	if ref == "" {
		return col
	}
	return ref + "." + col
}

// edit replaces sql[pos:end] with text.
type edit struct {
	pos, end int
	text     string
}

func apply(sql string, edits []edit) string {
	if len(edits) == 0 {
		return sql
	}
	slices.SortFunc(edits, func(a, b edit) int { return a.pos - b.pos })
	var b strings.Builder
	last := 0
	for _, e := range edits {
		b.WriteString(sql[last:e.pos])
		b.WriteString(e.text)
		last = e.end
	}
	b.WriteString(sql[last:])
	return b.String()
}

func (s *scope) selectStmt(sql string, toks []token) (string, error) {
	from := find(toks, 1, "FROM")
	if from < 0 {
		return sql, nil
	}
	refs, err := fromClause(sql, toks, from+1)
	if err != nil {
		return "", err
	}
	var (
		edits []edit
		cols  []string
		joins []tableRef
	)
	for _, ref := range refs {
		switch {
		case ref.open >= 0:
			inner := sql[toks[ref.open].end:toks[ref.close].pos]
			out, err := s.statement(inner)
			if err != nil {
				return "", err
			}
			if out != inner {
				edits = append(edits, edit{toks[ref.open].end, toks[ref.close].pos, out})
			}
		case !s.r.scoped(ref.name):
		case ref.on >= 0:
			joins = append(joins, ref)
		default:
			q := ""
			if len(refs) > 1 {
				q = ref.ref
			}
			cols = append(cols, s.r.qualified(q))
		}
	}
	if len(cols) == 0 && len(joins) == 0 {
		return apply(sql, edits), nil
	}
	for _, w := range []string{"UNION", "INTERSECT", "EXCEPT"} {
		if find(toks, 1, w) >= 0 {
			return "", prism.Errorf(prism.InvalidParameter, "tenant: compound %s statements cannot be scoped", w)
		}
	}
	for _, ref := range joins {
		cond := strings.TrimSpace(sql[toks[ref.on].end:ref.onEnd])
		col := s.r.qualified(ref.ref)
		if s.scopedTo(cond, []string{col}) {
			continue
		}
		if ref.onOr {
			cond = "(" + cond + ")"
		}
		edits = append(edits, edit{toks[ref.on].end, ref.onEnd, " " + col + " = " + s.value() + " AND " + cond})
	}
	if len(cols) > 0 {
		if e, ok := s.whereEdit(sql, toks, from, cols); ok {
			edits = append(edits, e)
		}
	}
	return apply(sql, edits), nil
}

func (s *scope) writeStmt(sql string, toks []token) (string, error) {
	var table string
	if toks[0].upper == "DELETE" {
		if from := find(toks, 1, "FROM"); from >= 0 {
			table, _ = tableAt(sql, toks, from+1)
		} else {
			table, _ = tableAt(sql, toks, 1)
		}
	} else {
		i := 1
		if i < len(toks) && toks[i].upper == "ONLY" {
			i++
		}
		table, _ = tableAt(sql, toks, i)
	}
	if !s.r.scoped(table) {
		return sql, nil
	}
	if e, ok := s.whereEdit(sql, toks, 1, []string{s.r.qualified("")}); ok {
		return apply(sql, []edit{e}), nil
	}
	return sql, nil
}

// whereEdit returns the edit constraining cols to the tenant in the
// WHERE clause following toks[from], or false when the clause already
// starts with those predicates.
func (s *scope) whereEdit(sql string, toks []token, from int, cols []string) (edit, bool) {
	where := find(toks, from, "WHERE")
	if where < 0 {
		pred := s.predicate(cols)
		for i := from; i < len(toks); i++ {
			if clauseStart(toks, i) {
				pos := toks[i].pos
				return edit{len(strings.TrimRight(sql[:pos], " \t\r\n")), pos, " WHERE " + pred + " "}, true
			}
		}
		return edit{len(sql), len(sql), " WHERE " + pred}, true
	}
	end, hasOr := len(sql), false
	for i := where + 1; i < len(toks); i++ {
		if clauseStart(toks, i) {
			end = toks[i].pos
			break
		}
		if toks[i].depth == 0 && toks[i].upper == "OR" {
			hasOr = true
		}
	}
	cond := strings.TrimSpace(sql[toks[where].end:end])
	if s.scopedTo(cond, cols) {
		return edit{}, false
	}
	if hasOr {
		cond = "(" + cond + ")"
	}
	text := " " + s.predicate(cols) + " AND " + cond
	if end < len(sql) {
		text += " "
	}
	return edit{toks[where].end, end, text}, true
}

// predicate returns the conjunction binding every column of cols to the
// tenant.
func (s *scope) predicate(cols []string) string {
	v := s.value()
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = col + " = " + v
	}
	return strings.Join(parts, " AND ")
}

// scopedTo reports whether cond already starts with the tenant
// predicates of cols, in order.
func (s *scope) scopedTo(cond string, cols []string) bool {
	for i, col := range cols {
		if i > 0 {
			if !strings.HasPrefix(strings.ToUpper(cond), " AND ") {
				return false
			}
			cond = cond[len(" AND "):]
		}
		rest, ok := s.boundTo(cond, col)
		if !ok {
			return false
		}
		cond = rest
	}
	return true
}

// boundTo matches "col = <tenant>" at the start of cond and returns the
// remainder, which is empty or starts with " AND ".
func (s *scope) boundTo(cond, col string) (string, bool) {
	prefix := col + " = "
	if !strings.HasPrefix(cond, prefix) {
		return "", false
	}
	rest := cond[len(prefix):]
	if lit := s.r.literal(s.tenant); strings.HasPrefix(rest, lit) {
		rest = rest[len(lit):]
		return rest, terminated(rest)
	}
	toks := lex(rest)
	if len(toks) == 0 || toks[0].kind != tokParam {
		return "", false
	}
	v, ok := paramValue(rest[toks[0].pos:toks[0].end], s.args, 0)
	rest = rest[toks[0].end:]
	return rest, ok && matches(v, s.tenant) && terminated(rest)
}

// terminated reports whether s ends the predicate.
func terminated(s string) bool {
	return s == "" || strings.HasPrefix(strings.ToUpper(s), " AND ")
}

// paramValue returns the argument bound to placeholder ph. Anonymous
// placeholders resolve by their ordinal.
func paramValue(ph string, args []filter.Value, ordinal int) (filter.Value, bool) {
	i := ordinal
	switch {
	case strings.HasPrefix(ph, "$"):
		n, err := strconv.Atoi(ph[1:])
		if err != nil {
			return filter.Value{}, false
		}
		i = n - 1
	case strings.HasPrefix(ph, "@P"):
		n, err := strconv.Atoi(ph[2:])
		if err != nil {
			return filter.Value{}, false
		}
		i = n - 1
	}
	if i < 0 || i >= len(args) {
		return filter.Value{}, false
	}
	return args[i], true
}

func matches(v filter.Value, tenant string) bool {
	switch v.Kind() {
	case filter.KindString:
		return v.Text() == tenant
	case filter.KindInt:
		return strconv.FormatInt(v.AsInt(), 10) == tenant
	}
	return false
}

type tuple struct {
	// values holds the token index ranges [start, end) of each value.
	values [][2]int
	// close is the index of the closing parenthesis.
	close int
}

func (s *scope) insertStmt(sql string, toks []token) (string, error) {
	r := s.r
	into := find(toks, 1, "INTO")
	if into < 0 {
		return sql, nil
	}
	table, i := tableAt(sql, toks, into+1)
	if !r.scoped(table) {
		return sql, nil
	}
	if i >= len(toks) || toks[i].kind != tokOpen {
		return "", prism.Errorf(prism.InvalidParameter, "tenant: INSERT into %s must list its columns", table)
	}
	colIdx, colClose, ncol := -1, -1, 0
	for j := i + 1; j < len(toks); j++ {
		t := toks[j]
		if t.kind == tokClose && t.depth == 0 {
			colClose = j
			break
		}
		if t.kind == tokWord || t.kind == tokQuotedIdent {
			if strings.EqualFold(unquoteIdent(sql[t.pos:t.end]), r.column()) {
				colIdx = ncol
			}
			ncol++
		}
	}
	if colClose < 0 || colClose+1 >= len(toks) || toks[colClose+1].upper != "VALUES" {
		return "", prism.Errorf(prism.InvalidParameter, "tenant: only INSERT ... VALUES into %s can be scoped", table)
	}
	tuples := parseTuples(toks, colClose+2)
	if len(tuples) == 0 {
		return "", prism.Errorf(prism.InvalidParameter, "tenant: INSERT into %s has no VALUES", table)
	}
	if colIdx >= 0 {
		for _, tp := range tuples {
			if err := s.checkValue(sql, toks, tp, colIdx, table); err != nil {
				return "", err
			}
		}
		return sql, nil
	}
	if !r.AutoInsert {
		return "", prism.Errorf(prism.InvalidParameter, "tenant: INSERT into %s does not set %s", table, r.column()).
			WithSuggestion("set the tenant column or enable auto insert")
	}
	val := s.value()
	var b strings.Builder
	last := 0
	insert := func(pos int, text string) {
		b.WriteString(sql[last:pos])
		b.WriteString(text)
		last = pos
	}
	insert(toks[colClose].pos, ", "+sqlb.Quote(r.Dialect, r.column()))
	for _, tp := range tuples {
		insert(toks[tp.close].pos, ", "+val)
	}
	b.WriteString(sql[last:])
	return b.String(), nil
}

// parseTuples parses the parenthesized value lists starting at toks[i].
func parseTuples(toks []token, i int) []tuple {
	var tuples []tuple
	for i < len(toks) && toks[i].kind == tokOpen && toks[i].depth == 0 {
		var (
			tp    tuple
			start = i + 1
		)
		j := start
		for ; j < len(toks); j++ {
			t := toks[j]
			if t.kind == tokComma && t.depth == 1 {
				tp.values = append(tp.values, [2]int{start, j})
				start = j + 1
			}
			if t.kind == tokClose && t.depth == 0 {
				tp.values = append(tp.values, [2]int{start, j})
				tp.close = j
				break
			}
		}
		if j == len(toks) {
			return tuples
		}
		tuples = append(tuples, tp)
		i = j + 1
		if i < len(toks) && toks[i].kind == tokComma && toks[i].depth == 0 {
			i++
			continue
		}
		break
	}
	return tuples
}

func (s *scope) checkValue(sql string, toks []token, tp tuple, col int, table string) error {
	r, tenant := s.r, s.tenant
	if col >= len(tp.values) {
		return prism.Errorf(prism.InvalidParameter, "tenant: INSERT into %s has fewer values than columns", table)
	}
	span := tp.values[col]
	if span[1]-span[0] != 1 {
		return prism.Errorf(prism.InvalidParameter, "tenant: %s of INSERT into %s must be a literal or parameter", r.column(), table)
	}
	t := toks[span[0]]
	var ok bool
	switch t.kind {
	case tokString:
		ok = unquoteString(sql[t.pos:t.end]) == tenant
	case tokWord:
		ok = sql[t.pos:t.end] == tenant
	case tokParam:
		ordinal := 0
		for _, p := range toks[:span[0]] {
			if p.kind == tokParam {
				ordinal++
			}
		}
		var v filter.Value
		v, ok = paramValue(sql[t.pos:t.end], s.args, ordinal)
		ok = ok && matches(v, tenant)
	default:
		return prism.Errorf(prism.InvalidParameter, "tenant: %s of INSERT into %s must be a literal or parameter", r.column(), table)
	}
	if !ok {
		return prism.Errorf(prism.InvalidParameter, "tenant: INSERT into %s sets %s to another tenant", table, r.column()).
			With("tenant_id", tenant)
	}
	return nil
}
