// Package repotest provides a scripted database/sql driver so repository
// code can run real gorm statements in tests without a Postgres server.
package repotest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Result is the row set returned for one query.
type Result struct {
	Columns []string
	Rows    [][]driver.Value
}

// Driver answers every query with Query (no rows when nil) and every
// statement with ExecErr.
type Driver struct {
	Query   func(query string) Result
	ExecErr error

	mu      sync.Mutex
	queries []string
	closed  int
}

// Queries returns every statement text seen so far.
func (d *Driver) Queries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

// Closed reports how many connections were closed.
func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// DB opens a *sql.DB backed by d.
func (d *Driver) DB() *sql.DB {
	return sql.OpenDB(connector{d})
}

// Dialector wraps d in the postgres dialector.
func (d *Driver) Dialector() gorm.Dialector {
	return postgres.New(postgres.Config{Conn: d.DB()})
}

// Open returns a gorm handle with logging silenced.
func (d *Driver) Open() (*gorm.DB, error) {
	return gorm.Open(d.Dialector(), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
}

func (d *Driver) record(query string) {
	d.mu.Lock()
	d.queries = append(d.queries, query)
	d.mu.Unlock()
}

type connector struct{ d *Driver }

func (c connector) Connect(context.Context) (driver.Conn, error) { return &conn{d: c.d}, nil }
func (c connector) Driver() driver.Driver                        { return sqlDriver{c.d} }

type sqlDriver struct{ d *Driver }

func (s sqlDriver) Open(string) (driver.Conn, error) { return &conn{d: s.d}, nil }

type conn struct{ d *Driver }

func (c *conn) Prepare(query string) (driver.Stmt, error) { return &stmt{d: c.d, query: query}, nil }
func (c *conn) Begin() (driver.Tx, error)                 { return tx{}, nil }

func (c *conn) Close() error {
	c.d.mu.Lock()
	c.d.closed++
	c.d.mu.Unlock()
	return nil
}

type tx struct{}

func (tx) Commit() error   { return nil }
func (tx) Rollback() error { return nil }

type stmt struct {
	d     *Driver
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	s.d.record(s.query)
	if s.d.ExecErr != nil {
		return nil, s.d.ExecErr
	}
	return driver.RowsAffected(1), nil
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	s.d.record(s.query)
	var res Result
	if s.d.Query != nil {
		res = s.d.Query(s.query)
	}
	return &rows{columns: res.Columns, values: res.Rows}, nil
}

type rows struct {
	columns []string
	values  [][]driver.Value
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if len(r.values) == 0 {
		return io.EOF
	}
	copy(dest, r.values[0])
	r.values = r.values[1:]
	return nil
}
