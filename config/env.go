package config

import (
	"os"
	"strings"

	"github.com/syssam/prism"
)

// LookupFunc returns the value of an environment variable and whether it
// is set.
type LookupFunc func(name string) (string, bool)

// Expand replaces environment references in s:
//
//	${VAR}          value of VAR, empty when unset
//	${VAR:-word}    value of VAR, or word when VAR is unset or empty
//	${VAR:?msg}     value of VAR, or an error with msg when unset or empty
//	${VAR:+word}    word when VAR is set and not empty, else empty
//	$VAR            as ${VAR}
//
// Words are expanded too. "$$" is a literal dollar sign.
func Expand(s string, lookup LookupFunc) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if !strings.Contains(s, "$") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch next := s[i+1]; {
		case next == '$':
			b.WriteByte('$')
			i++
		case next == '{':
			end := closing(s, i+2)
			if end < 0 {
				return "", prism.Errorf(prism.ConfigError, "unterminated variable reference in %q", s)
			}
			v, err := expandBraced(s[i+2:end], lookup)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
			i = end
		case isNameStart(next):
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			v, _ := lookup(s[i+1 : j])
			b.WriteString(v)
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// closing returns the index of the brace closing the reference opened
// before start, or -1.
func closing(s string, start int) int {
	depth := 1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func expandBraced(expr string, lookup LookupFunc) (string, error) {
	name, op, word := expr, "", ""
	if i := strings.Index(expr, ":"); i >= 0 && i+1 < len(expr) {
		name, op, word = expr[:i], expr[i:i+2], expr[i+2:]
	}
	if !validName(name) {
		return "", prism.Errorf(prism.ConfigError, "invalid variable reference ${%s}", expr)
	}
	v, ok := lookup(name)
	set := ok && v != ""
	switch op {
	case "":
		return v, nil
	case ":-":
		if set {
			return v, nil
		}
		return Expand(word, lookup)
	case ":+":
		if set {
			return Expand(word, lookup)
		}
		return "", nil
	case ":?":
		if set {
			return v, nil
		}
		msg, err := Expand(word, lookup)
		if err != nil {
			return "", err
		}
		if msg == "" {
			msg = "not set"
		}
		return "", prism.Errorf(prism.ConfigError, "environment variable %s: %s", name, msg).With("variable", name)
	}
	return "", prism.Errorf(prism.ConfigError, "invalid variable reference ${%s}", expr)
}

func validName(s string) bool {
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return false
		}
	}
	return true
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
