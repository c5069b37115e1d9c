package sorm

import (
	"context"
	"database/sql"
	"fmt"
)

// DB is the subset of *sql.DB (and *sql.Conn) a Conn drives.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn is a connection with an auto-commit switch. In auto-commit mode
// (the default) every statement runs directly on the underlying DB. With
// auto-commit off, the first statement begins a transaction that lasts until
// Commit or Rollback.
//
// Statements given to a Conn use '?' placeholders; they are rewritten for
// the connection's dialect before reaching the driver.
//
// A Conn is not safe for concurrent use.
type Conn struct {
	db         DB
	dialect    Dialect
	autoCommit bool
	tx         *sql.Tx
}

// NewConn wraps db. The connection starts in auto-commit mode.
func NewConn(db DB, dialect Dialect) *Conn {
	return &Conn{db: db, dialect: dialect, autoCommit: true}
}

// Dialect returns the dialect used to rebind placeholders.
func (c *Conn) Dialect() Dialect { return c.dialect }

// AutoCommit reports whether the connection is in auto-commit mode.
func (c *Conn) AutoCommit() bool { return c.autoCommit }

// InTransaction reports whether a transaction is currently open.
func (c *Conn) InTransaction() bool { return c.tx != nil }

// SetAutoCommit switches auto-commit mode. Turning it on commits the open
// transaction, if any.
func (c *Conn) SetAutoCommit(on bool) error {
	if on == c.autoCommit {
		return nil
	}
	if on && c.tx != nil {
		if err := c.Commit(); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

// Commit commits the open transaction. Without one it does nothing.
// It fails with ErrNotInTransaction in auto-commit mode.
func (c *Conn) Commit() error {
	if c.autoCommit {
		return ErrNotInTransaction
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Rollback aborts the open transaction. Without one it does nothing.
// It fails with ErrNotInTransaction in auto-commit mode.
func (c *Conn) Rollback() error {
	if c.autoCommit {
		return ErrNotInTransaction
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

// target returns where statements run: the DB in auto-commit mode, the
// (lazily begun) transaction otherwise.
func (c *Conn) target(ctx context.Context) (interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, error) {
	if c.autoCommit {
		return c.db, nil
	}
	if c.tx == nil {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		c.tx = tx
	}
	return c.tx, nil
}

// PrepareContext prepares query on the connection.
func (c *Conn) PrepareContext(ctx context.Context, query string) (*Stmt, error) {
	t, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	st, err := t.PrepareContext(ctx, Rebind(c.dialect, query))
	if err != nil {
		return nil, err
	}
	return &Stmt{stmt: st, query: query}, nil
}

// ExecContext executes query on the connection.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	return t.ExecContext(ctx, Rebind(c.dialect, query), args...)
}

// QueryContext runs query on the connection.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	t, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	return t.QueryContext(ctx, Rebind(c.dialect, query), args...)
}

// Stmt is a prepared statement with a current parameter set and a batch of
// queued parameter sets.
type Stmt struct {
	stmt   *sql.Stmt
	query  string
	args   []any
	batch  [][]any
	closed bool
}

// SQL returns the statement text as given to PrepareContext.
func (s *Stmt) SQL() string { return s.query }

// SetArgs replaces the current parameter set.
func (s *Stmt) SetArgs(args ...any) {
	s.args = append(s.args[:0], args...)
}

// AddBatch queues the current parameter set for ExecuteBatch.
func (s *Stmt) AddBatch() error {
	if s.closed {
		return ErrStmtClosed
	}
	entry := make([]any, len(s.args))
	copy(entry, s.args)
	s.batch = append(s.batch, entry)
	return nil
}

// BatchLen returns the number of queued parameter sets.
func (s *Stmt) BatchLen() int { return len(s.batch) }

// ClearBatch drops the queued parameter sets.
func (s *Stmt) ClearBatch() {
	clear(s.batch)
	s.batch = s.batch[:0]
}

// ExecuteUpdate executes the statement with the current parameter set and
// returns the number of affected rows.
func (s *Stmt) ExecuteUpdate(ctx context.Context) (int, error) {
	if s.closed {
		return 0, ErrStmtClosed
	}
	res, err := s.stmt.ExecContext(ctx, s.args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ExecuteBatch executes every queued parameter set in order and returns one
// affected-row count per set. The queue is emptied whatever the outcome.
func (s *Stmt) ExecuteBatch(ctx context.Context) ([]int, error) {
	if s.closed {
		return nil, ErrStmtClosed
	}
	defer s.ClearBatch()
	counts := make([]int, 0, len(s.batch))
	for i, args := range s.batch {
		res, err := s.stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("sorm: batch entry %d: %w", i, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		counts = append(counts, int(n))
	}
	return counts, nil
}

// Close releases the prepared statement. It is safe to call Close multiple times.
func (s *Stmt) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.batch = nil
	return s.stmt.Close()
}
