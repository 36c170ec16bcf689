package sql

import "strings"

// PostgresToSQLServer rewrites PostgreSQL positional placeholders ($1,
// $2, ...) into SQL Server ones (@P1, @P2, ...). Placeholders inside
// string literals, quoted identifiers and comments are left untouched.
// It is the only placeholder conversion the engine offers.
func PostgresToSQLServer(query string) string {
	if !strings.Contains(query, "$") {
		return query
	}
	var (
		b strings.Builder
		n = len(query)
	)
	b.Grow(n + 8)
	for i := 0; i < n; i++ {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '[':
			end := skipQuoted(query, i)
			b.WriteString(query[i:end])
			i = end - 1
		case c == '-' && i+1 < n && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = n - i
			}
			b.WriteString(query[i : i+end])
			i += end - 1
		case c == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				b.WriteString(query[i:])
				return b.String()
			}
			b.WriteString(query[i : i+2+end+2])
			i += 2 + end + 1
		case c == '$' && i+1 < n && isDigit(query[i+1]):
			j := i + 1
			for j < n && isDigit(query[j]) {
				j++
			}
			b.WriteString("@P")
			b.WriteString(query[i+1 : j])
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// skipQuoted returns the index just past the quoted section starting at
// i. Doubled closing quotes are treated as escapes.
func skipQuoted(s string, i int) int {
	closer := s[i]
	if closer == '[' {
		closer = ']'
	}
	for j := i + 1; j < len(s); j++ {
		if s[j] != closer {
			continue
		}
		if j+1 < len(s) && s[j+1] == closer {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
