package main

import (
	"errors"
	"strings"
)

var (
	errEmptyStatement     = errors.New("sql must contain a statement")
	errMultipleStatements = errors.New("only one SQL statement is allowed per query")
	errUnterminated       = errors.New("unterminated quoted identifier, string or comment")
)

// singleStatement returns sql with its trailing semicolons and whitespace removed, or an
// error when sql holds anything but one statement. Quoted strings, quoted identifiers,
// dollar-quoted bodies and comments are skipped so a semicolon inside them does not count.
func singleStatement(sql string) (string, error) {
	end := -1 // index of the first top-level semicolon
	for i := 0; i < len(sql); {
		c := sql[i]
		if end >= 0 && !isSpace(c) && c != ';' && !startsComment(sql[i:]) {
			return "", errMultipleStatements
		}

		switch {
		case c == '\'' || c == '"' || c == '`':
			j := skipQuoted(sql, i+1, c)
			if j < 0 {
				return "", errUnterminated
			}
			i = j
			continue
		case c == '[':
			j := strings.IndexByte(sql[i+1:], ']')
			if j < 0 {
				return "", errUnterminated
			}
			i += j + 2
			continue
		case c == '-' && strings.HasPrefix(sql[i:], "--"):
			j := strings.IndexByte(sql[i:], '\n')
			if j < 0 {
				i = len(sql)
			} else {
				i += j + 1
			}
			continue
		case c == '/' && strings.HasPrefix(sql[i:], "/*"):
			j := strings.Index(sql[i+2:], "*/")
			if j < 0 {
				return "", errUnterminated
			}
			i += j + 4
			continue
		case c == '$':
			if tag, ok := dollarTag(sql[i:]); ok {
				j := strings.Index(sql[i+len(tag):], tag)
				if j < 0 {
					return "", errUnterminated
				}
				i += len(tag) + j + len(tag)
				continue
			}
		case c == ';':
			if end < 0 {
				end = i
			}
		}
		i++
	}

	stmt := sql
	if end >= 0 {
		stmt = sql[:end]
	}
	stmt = strings.TrimSpace(stmt)
	if stmt == "" || onlyComments(stmt) {
		return "", errEmptyStatement
	}
	return stmt, nil
}

// skipQuoted returns the index just past the closing quote, treating a doubled quote as an
// escaped one. It returns -1 when the quote is never closed.
func skipQuoted(sql string, i int, quote byte) int {
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return -1
}

// dollarTag matches a postgres dollar-quote opener such as $$ or $body$ at the start of s.
// Positional parameters like $1 are not tags.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 1:
		default:
			return "", false
		}
	}
	return "", false
}

func startsComment(s string) bool {
	return strings.HasPrefix(s, "--") || strings.HasPrefix(s, "/*")
}

func onlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}
