package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrWriteQuery is returned by SQLRunner implementations for anything but a single read-only
// statement.
var ErrWriteQuery = errors.New("only a single read-only statement is accepted")

var readVerbs = map[string]bool{"SELECT": true, "WITH": true, "EXPLAIN": true, "VALUES": true}

var writeWords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "UPSERT": true, "MERGE": true,
	"CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true, "ATTACH": true, "DETACH": true,
	"VACUUM": true, "REINDEX": true, "PRAGMA": true, "GRANT": true, "REVOKE": true, "COPY": true,
	"CALL": true, "DO": true, "LOCK": true, "SET": true,
}

// CheckReadOnly accepts one SELECT, WITH, EXPLAIN or VALUES statement that names no writing
// keyword outside string literals. The backends also run it in a read-only session.
func CheckReadOnly(query string) error {
	words, statements := sqlWords(query)
	if len(words) == 0 {
		return fmt.Errorf("empty query: %w", ErrWriteQuery)
	}
	if statements > 1 {
		return fmt.Errorf("%d statements: %w", statements, ErrWriteQuery)
	}
	if !readVerbs[words[0]] {
		return fmt.Errorf("%s statement: %w", words[0], ErrWriteQuery)
	}
	for _, w := range words[1:] {
		if writeWords[w] {
			return fmt.Errorf("query contains %s: %w", w, ErrWriteQuery)
		}
	}
	return nil
}

// sqlWords upper-cases the bare words of query, skipping string literals, quoted identifiers and
// comments, and counts the statements separated by semicolons.
func sqlWords(query string) ([]string, int) {
	var words []string
	var cur strings.Builder
	statements, pending := 0, false
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToUpper(cur.String()))
			cur.Reset()
			pending = true
		}
	}

	rs := []rune(query)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\'' || r == '"' || r == '`':
			flush()
			pending = true
			for i++; i < len(rs) && rs[i] != r; i++ {
			}
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			flush()
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			flush()
			for i += 2; i+1 < len(rs) && !(rs[i] == '*' && rs[i+1] == '/'); i++ {
			}
			i++
		case r == ';':
			flush()
			if pending {
				statements++
				pending = false
			}
		case unicode.IsLetter(r) || r == '_':
			cur.WriteRune(r)
		case unicode.IsDigit(r) && cur.Len() > 0:
			cur.WriteRune(r)
		default:
			flush()
			if !unicode.IsSpace(r) {
				pending = true
			}
		}
	}
	flush()
	if pending {
		statements++
	}
	return words, statements
}

// PositionalArgs orders params keyed "1".."n" into driver arguments. Every key must be a
// position and none may be skipped.
func PositionalArgs(params map[string]any) ([]any, error) {
	args := make([]any, len(params))
	seen := make([]bool, len(params))
	for key, val := range params {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("parameter %q is not a position", key)
		}
		if n < 1 || n > len(params) {
			return nil, fmt.Errorf("parameter %d out of range: %d parameters given, positions must run from 1 without gaps", n, len(params))
		}
		args[n-1], seen[n-1] = val, true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("parameter %d is missing", i+1)
		}
	}
	return args, nil
}
