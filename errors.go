package sorm

import (
	"github.com/jjeffery/kv"
)

// TemplateError reports malformed placeholder usage in SQL text: a list
// placeholder bound to a non-collection, a placeholder/parameter count
// mismatch, an embedded placeholder left unresolved, or an overlong name.
// Retrying the same template cannot succeed.
type TemplateError struct {
	SQL string
	Err error
}

func (e *TemplateError) Error() string {
	var keyvals []interface{}
	if e.SQL != "" {
		keyvals = append(keyvals, "sql", e.SQL)
	}
	if e.Err == nil {
		return "sorm: invalid sql template " + kv.List(keyvals).String()
	}
	if len(keyvals) == 0 {
		return e.Err.Error()
	}
	return e.Err.Error() + " " + kv.List(keyvals).String()
}

func (e *TemplateError) Unwrap() error { return e.Err }

// BatchError reports a failure while preparing, binding or executing one
// partition of a batch call. Err holds the original cause; when the
// transaction cleanup failed too, its errors are joined into Err.
type BatchError struct {
	Op        string // "insert", "merge", "update", "delete"
	Table     string
	Partition int // zero-based partition index, -1 when not partition specific
	Err       error
}

func (e *BatchError) Error() string {
	keyvals := []interface{}{"op", e.Op, "table", e.Table}
	if e.Partition >= 0 {
		keyvals = append(keyvals, "partition", e.Partition)
	}
	msg := "sorm: batch failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + " " + kv.List(keyvals).String()
}

func (e *BatchError) Unwrap() error { return e.Err }

// NullRowError reports a nil element in the rows handed to a batch call.
// It is raised before any statement work for the partition holding it.
type NullRowError struct {
	Table string
	Index int // position in the caller's row slice
}

func (e *NullRowError) Error() string {
	return ErrNullRow.Error() + " " + kv.List{"table", e.Table, "index", e.Index}.String()
}

func (e *NullRowError) Unwrap() error { return ErrNullRow }
