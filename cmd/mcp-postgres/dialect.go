package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the engine-specific SQL the operations need.
type Dialect interface {
	Name() string
	DriverName() string
	// ListTablesQuery returns one table name per row for the default schema.
	ListTablesQuery() string
	// ColumnsQuery returns column_name, data_type, is_nullable, column_default ordered by position.
	// It takes the table name as its only argument.
	ColumnsQuery() string
	// BeginReadOnly opens the read-only transaction used by the query operation. The returned
	// restore func must run after the transaction has been rolled back.
	BeginReadOnly(ctx context.Context, conn *sql.Conn) (*sql.Tx, func(), error)
}

// dialectFor picks a dialect from the shape of the connection string.
func dialectFor(dsn string) (Dialect, string, error) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return postgresDialect{}, dsn, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return sqliteDialect{}, readOnlyURI(dsn[len("sqlite://"):]), nil
	case strings.HasPrefix(lower, "sqlite:"):
		return sqliteDialect{}, readOnlyURI(dsn[len("sqlite:"):]), nil
	case lower == ":memory:":
		return sqliteDialect{}, dsn, nil
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return sqliteDialect{}, readOnlyURI(dsn), nil
	case strings.Contains(dsn, "="):
		// libpq key=value form, e.g. "host=localhost dbname=app"
		return postgresDialect{}, dsn, nil
	}
	return nil, "", fmt.Errorf("unrecognized connection string; expected postgres://..., key=value pairs, or a sqlite file")
}

var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// readOnlyURI turns a sqlite path or file: URI into a URI opened with mode=ro, so the
// engine refuses writes no matter what the statement does to the connection.
func readOnlyURI(dsn string) string {
	path, query := dsn, ""
	if strings.HasPrefix(strings.ToLower(dsn), "file:") {
		path = dsn[len("file:"):]
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path, query = path[:i], path[i+1:]
		}
	} else {
		path = uriPathEscaper.Replace(path)
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		params = url.Values{}
	}
	params.Set("mode", "ro")
	return "file:" + path + "?" + params.Encode()
}

var (
	urlPasswordRe    = regexp.MustCompile(`^((?i:postgres(?:ql)?)://[^:/@]+:)([^@]+)(@.+)$`)
	keyValPasswordRe = regexp.MustCompile(`(password\s*=\s*)('[^']*'|\S+)`)
)

// maskDSN hides the password in a connection string so it can be logged.
func maskDSN(dsn string) string {
	if urlPasswordRe.MatchString(dsn) {
		return urlPasswordRe.ReplaceAllString(dsn, "${1}****${3}")
	}
	return keyValPasswordRe.ReplaceAllString(dsn, "${1}****")
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "postgres" }

func (postgresDialect) ListTablesQuery() string {
	return `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		ORDER BY table_name
	`
}

func (postgresDialect) ColumnsQuery() string {
	return `
		SELECT
			column_name,
			data_type,
			is_nullable = 'YES',
			column_default
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position
	`
}

func (postgresDialect) BeginReadOnly(ctx context.Context, conn *sql.Conn) (*sql.Tx, func(), error) {
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}

	// Timestamps come back in UTC regardless of the role's default
	if _, err := tx.ExecContext(ctx, "SET LOCAL TIME ZONE 'UTC'"); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("failed to set timezone to UTC: %w", err)
	}

	return tx, func() {}, nil
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) ListTablesQuery() string {
	return `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`
}

func (sqliteDialect) ColumnsQuery() string {
	return `
		SELECT
			name,
			type,
			"notnull" = 0 AND pk = 0,
			dflt_value
		FROM pragma_table_info(?)
		ORDER BY cid
	`
}

// BeginReadOnly turns on query_only for the leased connection, since sqlite ignores the
// read-only transaction flag. The pool is also opened with mode=ro, which a statement cannot
// switch off the way it can the pragma.
func (sqliteDialect) BeginReadOnly(ctx context.Context, conn *sql.Conn) (*sql.Tx, func(), error) {
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, nil, fmt.Errorf("failed to enable query_only: %w", err)
	}
	restore := func() {
		_, _ = conn.ExecContext(context.Background(), "PRAGMA query_only = OFF")
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		restore()
		return nil, nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	return tx, restore, nil
}
