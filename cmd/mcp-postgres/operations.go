package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Operation names as seen by the peer.
const (
	opQuery         = "query"
	opListTables    = "list_tables"
	opDescribeTable = "describe_table"
)

type queryArgs struct {
	SQL string `json:"sql"`
}

type describeTableArgs struct {
	TableName string `json:"tableName"`
}

type listTablesArgs struct{}

// ColumnInfo is one row of describe_table output.
type ColumnInfo struct {
	ColumnName    string  `json:"column_name"`
	DataType      string  `json:"data_type"`
	IsNullable    bool    `json:"is_nullable"`
	ColumnDefault *string `json:"column_default"`
}

// newDefaultRegistry registers the three built-in operations.
func newDefaultRegistry() *Registry {
	r := NewRegistry()

	Register(r, mcp.NewTool(opQuery,
		mcp.WithDescription("Run one read-only SQL statement; multiple statements are rejected. It executes inside a read-only transaction that is always rolled back, so it cannot change data. Returns the result rows as an array of objects keyed by column name."),
		mcp.WithString("sql",
			mcp.Required(),
			mcp.Description("SQL statement to execute"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	), runReadOnlyQuery)

	Register(r, mcp.NewTool(opListTables,
		mcp.WithDescription("List the tables in the default schema, ordered by name."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	), listTables)

	Register(r, mcp.NewTool(opDescribeTable,
		mcp.WithDescription("Describe the columns of a table: name, data type, nullability and default value, in column order."),
		mcp.WithString("tableName",
			mcp.Required(),
			mcp.Description("Name of the table to describe"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	), describeTable)

	return r
}

// runReadOnlyQuery executes a single statement in a read-only transaction and always rolls
// back. The statement is prepared so the driver cannot run more than one command.
func runReadOnlyQuery(ctx context.Context, conn *PooledConn, args queryArgs) (interface{}, error) {
	query, err := singleStatement(args.SQL)
	if err != nil {
		return nil, validationError(opQuery, err.Error())
	}

	dialect := conn.pool.Dialect()

	tx, restore, err := dialect.BeginReadOnly(ctx, conn.Conn)
	if err != nil {
		return nil, err
	}
	defer restore()
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			conn.pool.log.Warn("rollback failed", "error", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// listTables returns the table names of the default schema.
func listTables(ctx context.Context, conn *PooledConn, _ listTablesArgs) (interface{}, error) {
	rows, err := conn.QueryContext(ctx, conn.pool.Dialect().ListTablesQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	tables := make([]string, 0)
	seen := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		tables = append(tables, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}

	return tables, nil
}

// describeTable returns one ColumnInfo per column, or a sentence when the table has none.
func describeTable(ctx context.Context, conn *PooledConn, args describeTableArgs) (interface{}, error) {
	rows, err := conn.QueryContext(ctx, conn.pool.Dialect().ColumnsQuery(), args.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	columns := make([]ColumnInfo, 0)
	for rows.Next() {
		var col ColumnInfo
		var dataType, defaultValue sql.NullString
		if err := rows.Scan(&col.ColumnName, &dataType, &col.IsNullable, &defaultValue); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		col.DataType = dataType.String
		if defaultValue.Valid {
			def := defaultValue.String
			col.ColumnDefault = &def
		}
		columns = append(columns, col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}

	if len(columns) == 0 {
		return fmt.Sprintf("Table %q was not found or has no columns.", args.TableName), nil
	}

	return columns, nil
}
