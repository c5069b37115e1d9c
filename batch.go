package sorm

import "context"

// partition splits rows into consecutive subslices of size elements. The
// last subslice holds the remainder and is never empty; a size below 1 is
// treated as 1. The subslices share rows' backing array.
func partition[T any](rows []T, size int) [][]T {
	if len(rows) == 0 {
		return nil
	}
	if size < 1 {
		size = 1
	}
	out := make([][]T, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end:end])
	}
	return out
}

// batchHelper queues parameter sets on one statement and flushes them every
// threshold entries, collecting the affected-row counts in order.
type batchHelper struct {
	stmt      *Stmt
	threshold int
	queued    int
	counts    []int
}

func newBatchHelper(stmt *Stmt, threshold int) *batchHelper {
	if threshold < 1 {
		threshold = 1
	}
	return &batchHelper{stmt: stmt, threshold: threshold}
}

// add queues the statement's current parameters and flushes once the
// threshold is reached.
func (h *batchHelper) add(ctx context.Context) error {
	if err := h.stmt.AddBatch(); err != nil {
		return err
	}
	h.queued++
	if h.queued < h.threshold {
		return nil
	}
	return h.flush(ctx)
}

func (h *batchHelper) flush(ctx context.Context) error {
	if h.queued == 0 {
		return nil
	}
	counts, err := h.stmt.ExecuteBatch(ctx)
	h.queued = 0
	if err != nil {
		return err
	}
	h.counts = append(h.counts, counts...)
	return nil
}

// finish flushes what is still queued and returns every count collected.
func (h *batchHelper) finish(ctx context.Context) ([]int, error) {
	if err := h.flush(ctx); err != nil {
		return nil, err
	}
	return h.counts, nil
}
