package sorm

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/jjeffery/errors"
)

var (
	ErrNoColumns    = errors.New("sorm: no mapped columns")
	ErrNoPrimaryKey = errors.New("sorm: no primary key column")
)

// Table maps the row type T, a struct or a pointer to one, onto a database
// table. Columns come from the exported fields of T as described for
// BindBean; the `db:"name,pk"` option marks primary key columns and
// `db:"name,auto"` marks columns generated by the database, which are never
// inserted or merged.
//
// The write strategy of MultiRowInsert and MultiRowMerge is taken from the
// Sorm configuration when the Table is created.
type Table[T any] struct {
	s          *Sorm
	name       string
	rowType    reflect.Type
	strategy   Strategy
	cols       []fieldInfo // every mapped column
	insertCols []fieldInfo // columns written by insert and merge
	pkCols     []fieldInfo
	valueCols  []fieldInfo // non-key, non-generated columns, set by update
	sql        *tableSQL
}

// NewTable returns the mapping of T onto the named table.
func NewTable[T any](s *Sorm, name string) (*Table[T], error) {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	st := canonicalStructType(rt)
	if st.Kind() != reflect.Struct {
		return nil, errors.New("row type must be a struct").With("type", rt.String())
	}
	if name == "" {
		return nil, errors.New("table name must be non-empty").With("type", rt.String())
	}

	ti := s.reg.typeInfo(st)
	t := &Table[T]{
		s:        s,
		name:     name,
		rowType:  rt,
		strategy: s.config.Strategy,
	}
	for _, fi := range ti.ordered {
		if fi.ambiguous || ti.byName[fi.name].ambiguous {
			return nil, errors.Wrap(ErrFieldAmbiguous, "cannot map table").With("table", name, "column", fi.name)
		}
		t.cols = append(t.cols, fi)
		if !fi.auto {
			t.insertCols = append(t.insertCols, fi)
		}
		if fi.pk {
			t.pkCols = append(t.pkCols, fi)
		} else if !fi.auto {
			t.valueCols = append(t.valueCols, fi)
		}
	}
	if len(t.insertCols) == 0 {
		return nil, errors.Wrap(ErrNoColumns, "cannot map table").With("table", name, "type", rt.String())
	}
	t.sql = newTableSQL(s.dialect, name, t.cols, t.insertCols, t.pkCols, t.valueCols)

	if lp := s.logs.point(LogMapping); lp != nil {
		lp.done("table mapped", nil,
			"table", name, "type", rt.String(),
			"columns", columnNames(t.cols), "pk", columnNames(t.pkCols))
	}
	return t, nil
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// Columns returns the mapped column names in declaration order.
func (t *Table[T]) Columns() []string { return columnNames(t.cols) }

// Strategy returns the strategy used by MultiRowInsert and MultiRowMerge.
func (t *Table[T]) Strategy() Strategy { return t.strategy }

// MultiRowInsert inserts rows with the table's strategy in one transaction
// and returns the affected-row counts, one per partition (one per row for
// SimpleBatch). Empty input returns an empty result without touching conn.
func (t *Table[T]) MultiRowInsert(ctx context.Context, conn *Conn, rows ...T) ([]int, error) {
	return t.multiRow(ctx, conn, "insert", t.sql.multiRowInsertSQL, rows)
}

// MultiRowMerge is MultiRowInsert with the dialect's insert-or-replace statement.
func (t *Table[T]) MultiRowMerge(ctx context.Context, conn *Conn, rows ...T) ([]int, error) {
	if _, err := t.sql.multiRowMergeSQL(1); err != nil {
		return nil, t.fail("merge", -1, err)
	}
	return t.multiRow(ctx, conn, "merge", t.sql.multiRowMergeSQL, rows)
}

// Insert inserts rows with one single-row statement per row, batched every
// BatchSize rows. It returns one count per row.
func (t *Table[T]) Insert(ctx context.Context, conn *Conn, rows ...T) ([]int, error) {
	return t.batch(ctx, conn, "insert", t.sql.insert, t.insertValues, rows)
}

// Merge is Insert with the dialect's insert-or-replace statement.
func (t *Table[T]) Merge(ctx context.Context, conn *Conn, rows ...T) ([]int, error) {
	q, err := t.sql.multiRowMergeSQL(1)
	if err != nil {
		return nil, t.fail("merge", -1, err)
	}
	return t.batch(ctx, conn, "merge", q, t.insertValues, rows)
}

// Update updates rows by primary key. It returns one count per row.
func (t *Table[T]) Update(ctx context.Context, conn *Conn, rows ...T) ([]int, error) {
	if err := t.requirePK("update"); err != nil {
		return nil, err
	}
	return t.batch(ctx, conn, "update", t.sql.update, t.updateValues, rows)
}

// Delete deletes rows by primary key. It returns one count per row.
func (t *Table[T]) Delete(ctx context.Context, conn *Conn, rows ...T) ([]int, error) {
	if err := t.requirePK("delete"); err != nil {
		return nil, err
	}
	return t.batch(ctx, conn, "delete", t.sql.delete, t.pkValues, rows)
}

// SelectAll reads every row of the table.
func (t *Table[T]) SelectAll(ctx context.Context, db Queryer) ([]T, error) {
	var out []T
	if err := t.s.ScanAll(ctx, db, &out, newStatement(t.sql.selectAll, nil)); err != nil {
		return nil, err
	}
	return out, nil
}

// SelectByPrimaryKey reads the row whose primary key columns equal pk, in
// declaration order. It returns sql.ErrNoRows when there is none.
func (t *Table[T]) SelectByPrimaryKey(ctx context.Context, db Queryer, pk ...any) (T, error) {
	var out T
	if err := t.requirePK("select"); err != nil {
		return out, err
	}
	if len(pk) != len(t.pkCols) {
		return out, errors.Wrap(ErrParamCount, "cannot select by primary key").With(
			"table", t.name, "want", len(t.pkCols), "have", len(pk))
	}
	dest := reflect.New(t.rowType)
	if t.rowType.Kind() == reflect.Pointer {
		dest.Elem().Set(reflect.New(t.rowType.Elem()))
		if err := t.s.ScanOne(ctx, db, dest.Elem().Interface(), newStatement(t.sql.selectByPK, pk)); err != nil {
			return out, err
		}
	} else if err := t.s.ScanOne(ctx, db, dest.Interface(), newStatement(t.sql.selectByPK, pk)); err != nil {
		return out, err
	}
	return dest.Elem().Interface().(T), nil
}

// batch runs a simple batch of single-row statements inside the transaction envelope.
func (t *Table[T]) batch(ctx context.Context, conn *Conn, op, q string, values func(T) []any, rows []T) ([]int, error) {
	return t.inTransaction(ctx, conn, op, rows, t.s.config.BatchSize, func(ctx context.Context) ([]int, error) {
		return t.batchRows(ctx, conn, op, q, values, rows)
	})
}

func (t *Table[T]) requirePK(op string) error {
	if len(t.pkCols) > 0 {
		return nil
	}
	return t.fail(op, -1, errors.Wrap(ErrNoPrimaryKey, "cannot "+op).With("table", t.name))
}

// setParametersOfMultiRow binds the insert columns of every row in order,
// matching the value tuples of a multi-row statement.
func (t *Table[T]) setParametersOfMultiRow(stmt *Stmt, rows []T) error {
	vals := make([]any, 0, len(rows)*len(t.insertCols))
	for _, row := range rows {
		vals = t.appendValues(vals, row, t.insertCols)
	}
	return t.s.config.ParameterSetter.SetParameters(stmt, vals...)
}

func (t *Table[T]) insertValues(row T) []any {
	return t.appendValues(make([]any, 0, len(t.insertCols)), row, t.insertCols)
}

func (t *Table[T]) updateValues(row T) []any {
	vals := t.appendValues(make([]any, 0, len(t.cols)), row, t.valueCols)
	return t.appendValues(vals, row, t.pkCols)
}

func (t *Table[T]) pkValues(row T) []any {
	return t.appendValues(make([]any, 0, len(t.pkCols)), row, t.pkCols)
}

// appendValues appends the values of cols read from row. The paths come from
// the mapping of T itself, so the lookup cannot miss; a nil struct pointer on
// the way to a column yields nil, which binds as NULL.
func (t *Table[T]) appendValues(dst []any, row T, cols []fieldInfo) []any {
	rv := deIndirect(reflect.ValueOf(row))
	for _, c := range cols {
		v, _ := getValueByPathAny(rv, c.index)
		dst = append(dst, v)
	}
	return dst
}

// isNilRow reports whether row is a nil pointer or interface.
func isNilRow[T any](row T) bool {
	rv := reflect.ValueOf(any(row))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func columnNames(cols []fieldInfo) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.name
	}
	return out
}

// --------------------------------
// SQL
// --------------------------------

// tableSQL holds the statements of one table. Multi-row texts are built on
// demand and cached per row count.
type tableSQL struct {
	dialect      Dialect
	insertPrefix string // insert into t (c1,c2) values
	mergePrefix  string // "" when the dialect has no merge
	mergeSuffix  string
	tuple        string // (?,?)

	insert     string
	update     string
	delete     string
	selectAll  string
	selectByPK string

	mu          sync.RWMutex
	multiInsert map[int]string
	multiMerge  map[int]string
}

func newTableSQL(d Dialect, name string, all, ins, pk, vals []fieldInfo) *tableSQL {
	insList := strings.Join(columnNames(ins), ",")
	ts := &tableSQL{
		dialect:      d,
		insertPrefix: "insert into " + name + " (" + insList + ") values ",
		tuple:        "(" + strings.TrimSuffix(strings.Repeat("?,", len(ins)), ",") + ")",
		multiInsert:  make(map[int]string),
		multiMerge:   make(map[int]string),
	}

	switch d {
	case H2:
		ts.mergePrefix = "merge into " + name + " (" + insList + ")"
		if len(pk) > 0 {
			ts.mergePrefix += " key (" + strings.Join(columnNames(pk), ",") + ")"
		}
		ts.mergePrefix += " values "
	case MySQL:
		ts.mergePrefix = "replace into " + name + " (" + insList + ") values "
	case SQLite:
		ts.mergePrefix = "insert or replace into " + name + " (" + insList + ") values "
	case Postgres:
		if len(pk) > 0 {
			ts.mergePrefix = ts.insertPrefix
			var b strings.Builder
			b.WriteString(" on conflict (")
			b.WriteString(strings.Join(columnNames(pk), ","))
			b.WriteString(") do ")
			set := make([]string, 0, len(vals))
			for _, c := range vals {
				set = append(set, c.name+"=excluded."+c.name)
			}
			if len(set) == 0 {
				b.WriteString("nothing")
			} else {
				b.WriteString("update set ")
				b.WriteString(strings.Join(set, ","))
			}
			ts.mergeSuffix = b.String()
		}
	}

	ts.insert = ts.insertPrefix + ts.tuple
	ts.selectAll = "select " + strings.Join(columnNames(all), ",") + " from " + name
	if len(pk) > 0 {
		where := " where " + joinAssign(pk, " and ")
		ts.selectByPK = ts.selectAll + where
		ts.delete = "delete from " + name + where
		if len(vals) > 0 {
			ts.update = "update " + name + " set " + joinAssign(vals, ",") + where
		} else {
			// Nothing but keys: a no-op update that still reports the match.
			ts.update = "update " + name + " set " + joinAssign(pk[:1], ",") + where
		}
	}
	return ts
}

// joinAssign renders "c1=?<sep>c2=?".
func joinAssign(cols []fieldInfo, sep string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.name + "=?"
	}
	return strings.Join(parts, sep)
}

// multiRowInsertSQL returns an insert statement with n value tuples.
func (ts *tableSQL) multiRowInsertSQL(n int) (string, error) {
	return ts.cached(ts.multiInsert, ts.insertPrefix, "", n), nil
}

// multiRowMergeSQL returns the dialect's merge statement with n value tuples.
func (ts *tableSQL) multiRowMergeSQL(n int) (string, error) {
	if ts.mergePrefix == "" {
		return "", errors.Wrap(ErrMergeUnsupported, "cannot merge").With("dialect", ts.dialect.String())
	}
	return ts.cached(ts.multiMerge, ts.mergePrefix, ts.mergeSuffix, n), nil
}

func (ts *tableSQL) cached(m map[int]string, prefix, suffix string, n int) string {
	ts.mu.RLock()
	q, ok := m[n]
	ts.mu.RUnlock()
	if ok {
		return q
	}

	var b strings.Builder
	b.Grow(len(prefix) + n*(len(ts.tuple)+1) + len(suffix))
	b.WriteString(prefix)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(ts.tuple)
	}
	b.WriteString(suffix)
	q = b.String()

	ts.mu.Lock()
	m[n] = q
	ts.mu.Unlock()
	return q
}
