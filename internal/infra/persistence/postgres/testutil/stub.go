// Package testutil provides a normalized stub database for postgres store tests.
// It understands the narrow SQL dialect the store emits: single-table INSERT,
// SELECT and UPDATE statements with equality predicates.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// StubConn records normalized statements for the postgres store during tests.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailPing   bool
	FailBegin  bool
	FailCommit bool
	// Inject, when set, is consulted before every statement; a non-nil
	// result is returned as the driver error.
	Inject func(query string) error

	snapshot map[string][]map[string]any
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

// Statements returns a copy of the recorded statements.
func (c *StubConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Execs...)
}

// Rows returns a copy of the rows stored for table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneRows(c.Tables[table])
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
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Table state is snapshotted so a
// rollback restores it.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = cloneTables(c.Tables)
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	query = normalize(query)
	c.Execs = append(c.Execs, query)
	if c.Inject != nil {
		if err := c.Inject(query); err != nil {
			return nil, err
		}
	}
	upper := strings.ToUpper(query)
	switch {
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.insert(query, args)
	case strings.HasPrefix(upper, "UPDATE "):
		updated, _, err := c.update(query, args)
		if err != nil {
			return nil, err
		}
		return driver.RowsAffected(len(updated)), nil
	}
	return driver.RowsAffected(0), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	query = normalize(query)
	c.Execs = append(c.Execs, query)
	if c.Inject != nil {
		if err := c.Inject(query); err != nil {
			return nil, err
		}
	}
	if strings.HasPrefix(strings.ToUpper(query), "UPDATE ") {
		updated, cols, err := c.update(query, args)
		if err != nil {
			return nil, err
		}
		return project(updated, cols), nil
	}
	sel, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	var matched []map[string]any
	for _, row := range c.Tables[sel.table] {
		if sel.where.matches(row, args) {
			matched = append(matched, row)
		}
	}
	if len(sel.orderBy) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, col := range sel.orderBy {
				if cmp := compare(matched[i][col], matched[j][col]); cmp != 0 {
					return cmp < 0
				}
			}
			return false
		})
	}
	return project(matched, sel.cols), nil
}

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	primary := cols[0]
	upper := strings.ToUpper(query)
	for i, existing := range c.Tables[table] {
		if !equal(existing[primary], row[primary]) {
			continue
		}
		switch {
		case strings.Contains(upper, "DO NOTHING"):
			return driver.RowsAffected(0), nil
		case strings.Contains(upper, "DO UPDATE"):
			c.Tables[table][i] = row
			return driver.RowsAffected(1), nil
		default:
			return nil, &pgconn.PgError{Code: "23505", Message: fmt.Sprintf("duplicate key value violates unique constraint %q", table+"_pkey")}
		}
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) update(query string, args []driver.NamedValue) ([]map[string]any, []string, error) {
	upd, err := parseUpdate(query)
	if err != nil {
		return nil, nil, err
	}
	var out []map[string]any
	for _, row := range c.Tables[upd.table] {
		if !upd.where.matches(row, args) {
			continue
		}
		for _, set := range upd.sets {
			value, err := set.eval(row, args)
			if err != nil {
				return nil, nil, err
			}
			row[set.col] = value
		}
		out = append(out, row)
	}
	return out, upd.returning, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		t.conn.Tables = t.conn.snapshot
		return fmt.Errorf("commit fail")
	}
	t.conn.snapshot = nil
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.snapshot != nil {
		t.conn.Tables = t.conn.snapshot
		t.conn.snapshot = nil
	}
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func project(rows []map[string]any, cols []string) *stubRows {
	values := make([][]driver.Value, 0, len(rows))
	for _, row := range rows {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: cols, rows: values}
}

// predicate is a single "col = operand" equality; an empty column matches all rows.
type predicate struct {
	col     string
	operand string
}

func (p predicate) matches(row map[string]any, args []driver.NamedValue) bool {
	if p.col == "" {
		return true
	}
	want, err := operandValue(p.operand, args)
	if err != nil {
		return false
	}
	return equal(row[p.col], want)
}

type assignment struct {
	col  string
	expr string
}

func (a assignment) eval(row map[string]any, args []driver.NamedValue) (any, error) {
	if strings.HasPrefix(a.expr, a.col+" + ") {
		delta, err := strconv.ParseInt(strings.TrimPrefix(a.expr, a.col+" + "), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse increment %q", a.expr)
		}
		current, _ := row[a.col].(int64)
		return current + delta, nil
	}
	return operandValue(a.expr, args)
}

func operandValue(operand string, args []driver.NamedValue) (any, error) {
	operand = strings.TrimSpace(operand)
	if idx := strings.Index(operand, "::"); idx >= 0 {
		operand = operand[:idx]
	}
	if strings.HasPrefix(operand, "$") {
		n, err := strconv.Atoi(operand[1:])
		if err != nil || n < 1 || n > len(args) {
			return nil, fmt.Errorf("bad placeholder %q", operand)
		}
		return args[n-1].Value, nil
	}
	if n, err := strconv.ParseInt(operand, 10, 64); err == nil {
		return n, nil
	}
	return strings.Trim(operand, "'"), nil
}

type selectStmt struct {
	table   string
	cols    []string
	where   predicate
	orderBy []string
}

type updateStmt struct {
	table     string
	sets      []assignment
	where     predicate
	returning []string
}

func normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
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

func parseSelect(query string) (selectStmt, error) {
	lower := strings.ToLower(query)
	if !strings.HasPrefix(lower, "select ") {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	stmt := selectStmt{cols: splitColumns(query[len("select "):fromIdx])}
	rest := strings.TrimSpace(lower[fromIdx+len(" from "):])
	rest = strings.TrimSuffix(rest, " for update")
	if idx := strings.Index(rest, " order by "); idx >= 0 {
		stmt.orderBy = splitColumns(rest[idx+len(" order by "):])
		rest = rest[:idx]
	}
	if idx := strings.Index(rest, " where "); idx >= 0 {
		where, err := parsePredicate(rest[idx+len(" where "):])
		if err != nil {
			return selectStmt{}, err
		}
		stmt.where = where
		rest = rest[:idx]
	}
	stmt.table = strings.TrimSpace(rest)
	if stmt.table == "" {
		return selectStmt{}, fmt.Errorf("cannot parse select: %s", query)
	}
	return stmt, nil
}

func parseUpdate(query string) (updateStmt, error) {
	lower := strings.ToLower(query)
	setIdx := strings.Index(lower, " set ")
	whereIdx := strings.Index(lower, " where ")
	if setIdx == -1 || whereIdx == -1 || whereIdx < setIdx {
		return updateStmt{}, fmt.Errorf("cannot parse update: %s", query)
	}
	stmt := updateStmt{table: strings.TrimSpace(lower[len("update "):setIdx])}
	for _, part := range strings.Split(lower[setIdx+len(" set "):whereIdx], ",") {
		col, expr, ok := strings.Cut(part, "=")
		if !ok {
			return updateStmt{}, fmt.Errorf("cannot parse assignment %q", part)
		}
		stmt.sets = append(stmt.sets, assignment{col: strings.TrimSpace(col), expr: strings.TrimSpace(expr)})
	}
	where := lower[whereIdx+len(" where "):]
	if idx := strings.Index(where, " returning "); idx >= 0 {
		stmt.returning = splitColumns(where[idx+len(" returning "):])
		where = where[:idx]
	}
	pred, err := parsePredicate(where)
	if err != nil {
		return updateStmt{}, err
	}
	stmt.where = pred
	return stmt, nil
}

func parsePredicate(raw string) (predicate, error) {
	col, operand, ok := strings.Cut(raw, "=")
	if !ok {
		return predicate{}, fmt.Errorf("cannot parse predicate %q", raw)
	}
	return predicate{col: strings.TrimSpace(col), operand: strings.TrimSpace(operand)}, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}

func equal(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cloneRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

func cloneTables(tables map[string][]map[string]any) map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(tables))
	for name, rows := range tables {
		out[name] = cloneRows(rows)
	}
	return out
}
