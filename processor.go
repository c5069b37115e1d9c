package sorm

import (
	"context"
	"errors"
)

// Strategy selects how MultiRowInsert and MultiRowMerge submit rows.
type Strategy uint8

const (
	// MultiRow executes one statement per partition of MultiRowSize rows,
	// each holding one value tuple per row.
	MultiRow Strategy = iota
	// SimpleBatch queues one single-row statement per row and flushes the
	// batch every BatchSize rows.
	SimpleBatch
	// MultiRowAndBatch queues the full multi-row partitions as a batch,
	// flushed every BatchSizeWithMultiRow partitions, then executes the
	// last partition on its own.
	MultiRowAndBatch
)

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case MultiRow:
		return "multi_row"
	case SimpleBatch:
		return "simple_batch"
	case MultiRowAndBatch:
		return "multi_row_and_batch"
	default:
		return "unknown"
	}
}

// sqlForRows returns statement text holding n value tuples.
type sqlForRows func(n int) (string, error)

// multiRow writes rows with the table's strategy inside the transaction envelope.
func (t *Table[T]) multiRow(ctx context.Context, conn *Conn, op string, sqlFor sqlForRows, rows []T) ([]int, error) {
	partSize := t.multiRowSize()
	if t.strategy == SimpleBatch {
		partSize = t.s.config.BatchSize
	}
	return t.inTransaction(ctx, conn, op, rows, partSize, func(ctx context.Context) ([]int, error) {
		switch t.strategy {
		case SimpleBatch:
			q, err := sqlFor(1)
			if err != nil {
				return nil, t.fail(op, -1, err)
			}
			return t.batchRows(ctx, conn, op, q, t.insertValues, rows)
		case MultiRowAndBatch:
			return t.multiRowAndBatch(ctx, conn, op, sqlFor, rows)
		default:
			return t.multiRowOneStatement(ctx, conn, op, sqlFor, rows)
		}
	})
}

// inTransaction runs exec with auto-commit forced off.
//
// On success the work is committed only when the connection was in
// auto-commit mode; a caller-managed transaction is left open. On failure a
// caller-managed transaction is rolled back, while in auto-commit mode the
// transaction is committed. The auto-commit flag is restored in every case.
func (t *Table[T]) inTransaction(ctx context.Context, conn *Conn, op string, rows []T, partSize int, exec func(context.Context) ([]int, error)) ([]int, error) {
	if len(rows) == 0 {
		return []int{}, nil
	}

	orig := conn.AutoCommit()
	if err := conn.SetAutoCommit(false); err != nil {
		return nil, t.fail(op, -1, err)
	}

	lp := t.s.logs.point(LogMultiRow)
	if lp != nil {
		lp.before("batch started",
			"op", op, "type", t.rowType.String(), "table", t.name,
			"rows", len(rows), "strategy", t.strategy.String())
	}

	var counts []int
	err := t.checkRows(op, rows, partSize)
	if err == nil {
		counts, err = exec(ctx)
	}

	var cleanup []error
	if err != nil && !orig {
		if rerr := conn.Rollback(); rerr != nil {
			cleanup = append(cleanup, rerr)
		}
	}
	if orig {
		if cerr := conn.Commit(); cerr != nil {
			cleanup = append(cleanup, cerr)
		}
	}
	if aerr := conn.SetAutoCommit(orig); aerr != nil {
		cleanup = append(cleanup, aerr)
	}

	if len(cleanup) > 0 {
		if err == nil {
			err = t.fail(op, -1, errors.Join(cleanup...))
		} else {
			var be *BatchError
			if errors.As(err, &be) {
				be.Err = errors.Join(append([]error{be.Err}, cleanup...)...)
			} else {
				err = errors.Join(append([]error{err}, cleanup...)...)
			}
		}
	}

	if lp != nil {
		total := 0
		for _, n := range counts {
			total += n
		}
		if err != nil {
			total = 0
			counts = nil
		}
		lp.done("batch finished",
			err, "op", op, "type", t.rowType.String(), "table", t.name,
			"rows", len(rows), "counts", counts, "total", total)
	}

	if err != nil {
		return nil, err
	}
	return counts, nil
}

// checkRows rejects nil rows before any statement is prepared.
func (t *Table[T]) checkRows(op string, rows []T, partSize int) error {
	for i, row := range rows {
		if isNilRow(row) {
			return t.fail(op, i/partSize, &NullRowError{Table: t.name, Index: i})
		}
	}
	return nil
}

// fail wraps err into a *BatchError for this table.
func (t *Table[T]) fail(op string, part int, err error) error {
	var be *BatchError
	if errors.As(err, &be) {
		return err
	}
	return &BatchError{Op: op, Table: t.name, Partition: part, Err: err}
}

// batchRows queues one parameter set per row on a single statement and flushes
// every BatchSize rows. It returns one count per row.
func (t *Table[T]) batchRows(ctx context.Context, conn *Conn, op, q string, values func(T) []any, rows []T) ([]int, error) {
	stmt, err := t.s.config.StatementPreparer.Prepare(ctx, conn, q)
	if err != nil {
		return nil, t.fail(op, 0, err)
	}
	defer stmt.Close()

	size := t.s.config.BatchSize
	h := newBatchHelper(stmt, size)
	for i, row := range rows {
		if err := t.s.config.ParameterSetter.SetParameters(stmt, values(row)...); err != nil {
			return nil, t.fail(op, i/size, err)
		}
		if err := h.add(ctx); err != nil {
			return nil, t.fail(op, i/size, err)
		}
	}
	counts, err := h.finish(ctx)
	if err != nil {
		return nil, t.fail(op, (len(rows)-1)/size, err)
	}
	return counts, nil
}

// multiRowOneStatement executes one multi-row statement per partition. Full
// partitions share one prepared statement; a short last partition gets a
// statement sized to its own length.
func (t *Table[T]) multiRowOneStatement(ctx context.Context, conn *Conn, op string, sqlFor sqlForRows, rows []T) ([]int, error) {
	size := t.multiRowSize()
	parts := partition(rows, size)
	counts := make([]int, len(parts))

	var full *Stmt
	defer func() {
		if full != nil {
			full.Close()
		}
	}()

	for i, part := range parts {
		stmt, owned, err := t.stmtFor(ctx, conn, sqlFor, len(part), size, &full)
		if err != nil {
			return nil, t.fail(op, i, err)
		}
		n, err := t.execPartition(ctx, stmt, part)
		if owned {
			stmt.Close()
		}
		if err != nil {
			return nil, t.fail(op, i, err)
		}
		counts[i] = n
	}
	return counts, nil
}

// multiRowAndBatch queues every partition but the last as a batch entry of
// the full-size statement, then executes the last partition by itself.
func (t *Table[T]) multiRowAndBatch(ctx context.Context, conn *Conn, op string, sqlFor sqlForRows, rows []T) ([]int, error) {
	size := t.multiRowSize()
	parts := partition(rows, size)
	counts := make([]int, 0, len(parts))
	last := len(parts) - 1

	var full *Stmt
	defer func() {
		if full != nil {
			full.Close()
		}
	}()

	if last > 0 {
		q, err := sqlFor(size)
		if err != nil {
			return nil, t.fail(op, 0, err)
		}
		full, err = t.s.config.StatementPreparer.Prepare(ctx, conn, q)
		if err != nil {
			return nil, t.fail(op, 0, err)
		}
		threshold := t.s.config.BatchSizeWithMultiRow
		h := newBatchHelper(full, threshold)
		for i, part := range parts[:last] {
			if err := t.setParametersOfMultiRow(full, part); err != nil {
				return nil, t.fail(op, i, err)
			}
			if err := h.add(ctx); err != nil {
				return nil, t.fail(op, i, err)
			}
		}
		batched, err := h.finish(ctx)
		if err != nil {
			return nil, t.fail(op, last-1, err)
		}
		counts = append(counts, batched...)
	}

	stmt, owned, err := t.stmtFor(ctx, conn, sqlFor, len(parts[last]), size, &full)
	if err != nil {
		return nil, t.fail(op, last, err)
	}
	n, err := t.execPartition(ctx, stmt, parts[last])
	if owned {
		stmt.Close()
	}
	if err != nil {
		return nil, t.fail(op, last, err)
	}
	return append(counts, n), nil
}

// stmtFor returns a statement for a partition of n rows. Full-size
// partitions reuse *full, preparing it on first use; shorter ones get a
// fresh statement the caller must close (owned == true).
func (t *Table[T]) stmtFor(ctx context.Context, conn *Conn, sqlFor sqlForRows, n, size int, full **Stmt) (stmt *Stmt, owned bool, err error) {
	if n == size && *full != nil {
		return *full, false, nil
	}
	q, err := sqlFor(n)
	if err != nil {
		return nil, false, err
	}
	stmt, err = t.s.config.StatementPreparer.Prepare(ctx, conn, q)
	if err != nil {
		return nil, false, err
	}
	if n == size {
		*full = stmt
		return stmt, false, nil
	}
	return stmt, true, nil
}

func (t *Table[T]) execPartition(ctx context.Context, stmt *Stmt, part []T) (int, error) {
	if err := t.setParametersOfMultiRow(stmt, part); err != nil {
		return 0, err
	}
	return stmt.ExecuteUpdate(ctx)
}

// multiRowSize is the configured multi-row size, shrunk so one statement
// never carries more than MaxParams placeholders.
func (t *Table[T]) multiRowSize() int {
	size := t.s.config.MultiRowSize
	if maxParams := t.s.config.MaxParams; maxParams > 0 && len(t.insertCols) > 0 {
		if limit := maxParams / len(t.insertCols); limit < size {
			size = limit
		}
	}
	if size < 1 {
		size = 1
	}
	return size
}
