// Package testutil provides an in-memory stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StubConn records statements and keeps rows per table. Transactions snapshot
// the tables on begin and restore them on rollback.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailExec   bool
	FailBegin  bool
	RowsErr    error
	FailTables map[string]bool
	FailCommit bool
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &stubTx{conn: c, saved: cloneTables(c.Tables)}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	if c.Tables == nil {
		c.Tables = make(map[string][]map[string]any)
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "TRUNCATE TABLE"):
		c.Tables = make(map[string][]map[string]any)
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO"):
		table, cols, err := parseInsert(query)
		if err != nil {
			return nil, err
		}
		if c.FailTables != nil && c.FailTables[table] {
			return nil, fmt.Errorf("exec fail for %s", table)
		}
		if len(cols) != len(args) {
			return nil, fmt.Errorf("column/arg mismatch for %s", table)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = args[i].Value
		}
		primary := cols[0]
		upsert := strings.Contains(upper, "ON CONFLICT")
		var filtered []map[string]any
		for _, existing := range c.Tables[table] {
			if existing[primary] == row[primary] {
				if !upsert {
					return nil, fmt.Errorf("duplicate key value violates unique constraint on %s", table)
				}
				continue
			}
			filtered = append(filtered, existing)
		}
		c.Tables[table] = append(filtered, row)
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(upper, "DELETE FROM"):
		table, col, err := parseDelete(query)
		if err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("missing args for delete %s", table)
		}
		target := args[0].Value
		var filtered []map[string]any
		for _, row := range c.Tables[table] {
			if row[col] == target {
				continue
			}
			filtered = append(filtered, row)
		}
		c.Tables[table] = filtered
		return driver.RowsAffected(1), nil
	}
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext. A single `WHERE col = $1`
// equality predicate is honoured; integer literals select as constants.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Tables == nil {
		c.Tables = make(map[string][]map[string]any)
	}
	sel, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[sel.table] {
		return nil, fmt.Errorf("query fail for %s", sel.table)
	}
	var target any
	if sel.where != "" {
		if len(args) == 0 {
			return nil, fmt.Errorf("missing args for select %s", sel.table)
		}
		target = args[0].Value
	}
	values := make([][]driver.Value, 0, len(c.Tables[sel.table]))
	for _, row := range c.Tables[sel.table] {
		if sel.where != "" && row[sel.where] != target {
			continue
		}
		vals := make([]driver.Value, len(sel.cols))
		for i, col := range sel.cols {
			if n, err := strconv.ParseInt(col, 10, 64); err == nil {
				vals[i] = n
				continue
			}
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{
		cols: sel.cols,
		rows: values,
		err:  c.RowsErr,
	}, nil
}

type stubTx struct {
	conn  *StubConn
	saved map[string][]map[string]any
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		t.restore()
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error {
	t.restore()
	return nil
}

func (t *stubTx) restore() {
	t.conn.mu.Lock()
	t.conn.Tables = t.saved
	t.conn.mu.Unlock()
}

func cloneTables(tables map[string][]map[string]any) map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(tables))
	for name, rows := range tables {
		copied := make([]map[string]any, len(rows))
		for i, row := range rows {
			copied[i] = maps.Clone(row)
		}
		out[name] = copied
	}
	return out
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitColumns(rest[open+1 : closeIdx])
	return table, cols, nil
}

func parseDelete(query string) (string, string, error) {
	lower := strings.ToLower(query)
	prefix := "delete from "
	whereToken := " where "
	if !strings.HasPrefix(lower, prefix) {
		return "", "", fmt.Errorf("cannot parse delete: %s", query)
	}
	rest := strings.TrimSpace(query[len(prefix):])
	whereIdx := strings.Index(strings.ToLower(rest), whereToken)
	if whereIdx == -1 {
		return "", "", fmt.Errorf("cannot parse delete: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:whereIdx]))
	col, err := parsePredicate(rest[whereIdx+len(whereToken):])
	if err != nil {
		return "", "", fmt.Errorf("cannot parse delete predicate: %s", query)
	}
	return table, col, nil
}

type selectQuery struct {
	table string
	cols  []string
	where string
}

func parseSelect(query string) (selectQuery, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	selectPrefix := "select "
	fromToken := " from "
	if !strings.HasPrefix(lower, selectPrefix) {
		return selectQuery{}, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, fromToken)
	if fromIdx == -1 {
		return selectQuery{}, fmt.Errorf("cannot parse select: %s", query)
	}
	rest := strings.Fields(lower[fromIdx+len(fromToken):])
	if len(rest) == 0 {
		return selectQuery{}, fmt.Errorf("cannot parse select: %s", query)
	}
	sel := selectQuery{table: rest[0], cols: splitColumns(lower[len(selectPrefix):fromIdx])}
	if whereIdx := strings.Index(lower, " where "); whereIdx != -1 {
		clause := lower[whereIdx+len(" where "):]
		if orderIdx := strings.Index(clause, " order by "); orderIdx != -1 {
			clause = clause[:orderIdx]
		}
		col, err := parsePredicate(clause)
		if err != nil {
			return selectQuery{}, fmt.Errorf("cannot parse select predicate: %s", query)
		}
		sel.where = col
	}
	return sel, nil
}

func parsePredicate(where string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(where), "=", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("unsupported predicate %q", where)
	}
	return strings.ToLower(strings.TrimSpace(parts[0])), nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
