package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
)

// 按顺序回放预期操作的 database/sql 驱动，SQL 比较时忽略空白差异。

type opKind int

const (
	kindExec opKind = iota
	kindQuery
	kindBegin
	kindCommit
	kindRollback
)

func (k opKind) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[k]
}

type expectedOp struct {
	kind   opKind
	query  string
	result fakeResult
	rows   fakeRows
	err    error
	// args 非空时校验参数个数。
	args int
}

type fakeResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type fakeRows struct {
	columns []string
	values  [][]driver.Value
}

type scriptDriver struct {
	ops []expectedOp
	pos int32
}

var scriptSeq atomic.Int32

func newScriptDB(t *testing.T, ops ...expectedOp) (*sql.DB, *scriptDriver) {
	t.Helper()
	drv := &scriptDriver{ops: ops}
	name := fmt.Sprintf("script-mysql-%d", scriptSeq.Add(1))
	sql.Register(name, drv)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open script db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

func expectExec(query string, result fakeResult) expectedOp {
	return expectedOp{kind: kindExec, query: query, result: result}
}

func expectQuery(query string, rows fakeRows) expectedOp {
	return expectedOp{kind: kindQuery, query: query, rows: rows}
}

func expectBegin() expectedOp  { return expectedOp{kind: kindBegin} }
func expectCommit() expectedOp { return expectedOp{kind: kindCommit} }

func (d *scriptDriver) verify(t *testing.T) {
	t.Helper()
	if got := int(atomic.LoadInt32(&d.pos)); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

func (d *scriptDriver) take(kind opKind, query string, argc int) (*expectedOp, error) {
	idx := int(atomic.LoadInt32(&d.pos))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s", kind)
	}
	op := &d.ops[idx]
	if op.kind != kind {
		return nil, fmt.Errorf("expected %s, got %s", op.kind, kind)
	}
	atomic.AddInt32(&d.pos, 1)
	if op.query != "" && squash(op.query) != squash(query) {
		return nil, fmt.Errorf("unexpected query.\nwant %q\n got %q", squash(op.query), squash(query))
	}
	if op.args > 0 && op.args != argc {
		return nil, fmt.Errorf("expected %d args, got %d", op.args, argc)
	}
	return op, op.err
}

func (d *scriptDriver) Open(string) (driver.Conn, error) { return &scriptConn{d: d}, nil }

type scriptConn struct{ d *scriptDriver }

func (c *scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}
func (c *scriptConn) Close() error { return nil }
func (c *scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.d.take(kindBegin, "", 0); err != nil {
		return nil, err
	}
	return &scriptTx{d: c.d}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.d.take(kindExec, query, len(args))
	if err != nil {
		return nil, err
	}
	return op.result, nil
}

func (c *scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.d.take(kindQuery, query, len(args))
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *scriptConn) Ping(context.Context) error { return nil }

type scriptTx struct{ d *scriptDriver }

func (t *scriptTx) Commit() error {
	_, err := t.d.take(kindCommit, "", 0)
	return err
}

func (t *scriptTx) Rollback() error {
	_, err := t.d.take(kindRollback, "", 0)
	return err
}

type scriptRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
