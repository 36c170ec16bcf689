package sql

import "strings"

// reserved holds keywords that must be quoted when used as identifiers in
// any supported dialect. Common non-reserved column names (status, name,
// type, value, count) are intentionally absent.
var reserved = func() map[string]struct{} {
	words := []string{
		"add", "all", "alter", "analyze", "and", "any", "array", "as", "asc",
		"asymmetric", "authorization", "begin", "between", "both", "by",
		"case", "cast", "check", "collate", "column", "commit", "constraint",
		"create", "cross", "current_date", "current_role", "current_time",
		"current_timestamp", "current_user", "database", "databases", "default",
		"deferrable", "delete", "desc", "distinct", "do", "drop", "else", "end",
		"except", "exec", "execute", "exists", "false", "fetch", "for", "foreign",
		"from", "full", "grant", "group", "having", "if", "ilike", "in", "index",
		"initially", "inner", "insert", "intersect", "interval", "into", "is",
		"join", "key", "lateral", "leading", "left", "like", "limit",
		"localtime", "localtimestamp", "match", "merge", "natural", "not",
		"null", "offset", "on", "only", "or", "order", "outer", "over",
		"partition", "placing", "primary", "procedure", "range", "references",
		"regexp", "rename", "returning", "revoke", "right", "rollback", "row",
		"rows", "schema", "select", "session_user", "set", "some", "symmetric",
		"table", "then", "to", "top", "trailing", "transaction", "trigger",
		"true", "union", "unique", "update", "use", "user", "using", "values",
		"view", "when", "where", "window", "with",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// IsReserved reports whether name is a reserved keyword, case-insensitively.
func IsReserved(name string) bool {
	_, ok := reserved[strings.ToLower(name)]
	return ok
}
