package sorm

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/cespare/xxhash"
)

// rowPlan maps the columns of one result shape onto the fields of a struct
// type. A nil path marks a column no field claims; its value is discarded.
// Plans are immutable and shared between concurrent scans.
type rowPlan struct {
	cols  string // joined column names, to reject hash collisions
	paths [][]int
}

// planKey identifies a rowPlan by struct type and the hash of its columns.
type planKey struct {
	dstType reflect.Type
	sum     uint64
}

// destValue returns the value dest points to.
func destValue(dest any) (reflect.Value, error) {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("sorm: dest must be a non-nil pointer, got %T", dest)
	}
	return rv.Elem(), nil
}

// scansWhole reports whether a value of type t takes a single column
// instead of being spread over its fields.
func scansWhole(t reflect.Type) bool {
	return t.Kind() != reflect.Struct || !shouldFlatten(t)
}

// scanOne scans the current row into dest: a struct by column name, or any
// other type from exactly one column.
func (r *registry) scanOne(rows *sql.Rows, dest any) error {
	rv, err := destValue(dest)
	if err != nil {
		return err
	}
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if scansWhole(rv.Type()) {
		if len(cols) != 1 {
			return fmt.Errorf("sorm: scanning into %s requires 1 column, got %d", rv.Type(), len(cols))
		}
		return rows.Scan(dest)
	}
	plan, err := r.planFor(cols, rv.Type())
	if err != nil {
		return err
	}
	return plan.scan(rows, make([]any, len(cols)), rv)
}

// scanAll drains rows into the slice dest points to. Elements may be
// structs, pointers to structs, or single-column values.
func (r *registry) scanAll(rows *sql.Rows, dest any) error {
	rv, err := destValue(dest)
	if err != nil {
		return err
	}
	if rv.Kind() != reflect.Slice {
		return fmt.Errorf("sorm: ScanAll requires a pointer to slice, got %T", dest)
	}
	rv.SetLen(0)

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	elemT := rv.Type().Elem()
	structT, isPtr := elemT, false
	if elemT.Kind() == reflect.Pointer && !scansWhole(elemT.Elem()) {
		structT, isPtr = elemT.Elem(), true
	}

	if scansWhole(structT) {
		if len(cols) != 1 {
			return fmt.Errorf("sorm: scanning into []%s requires 1 column, got %d", elemT, len(cols))
		}
		for rows.Next() {
			v := reflect.New(elemT)
			if err := rows.Scan(v.Interface()); err != nil {
				return err
			}
			rv.Set(reflect.Append(rv, v.Elem()))
		}
		return rows.Err()
	}

	plan, err := r.planFor(cols, structT)
	if err != nil {
		return err
	}
	targets := make([]any, len(cols))
	for rows.Next() {
		v := reflect.New(structT)
		if err := plan.scan(rows, targets, v.Elem()); err != nil {
			return err
		}
		if !isPtr {
			v = v.Elem()
		}
		rv.Set(reflect.Append(rv, v))
	}
	return rows.Err()
}

// scan points targets at the fields of dst and scans the current row.
// Pointer fields are scanned through their address, so NULL leaves them nil.
func (p *rowPlan) scan(rows *sql.Rows, targets []any, dst reflect.Value) error {
	var discard any
	for i, path := range p.paths {
		if path == nil {
			targets[i] = &discard
			continue
		}
		targets[i] = fieldAt(dst, path).Addr().Interface()
	}
	return rows.Scan(targets...)
}

// fieldAt walks path from root, allocating nil struct pointers between the
// root and the leaf. The leaf itself is returned untouched.
func fieldAt(root reflect.Value, path []int) reflect.Value {
	v := root
	for _, idx := range path[:len(path)-1] {
		f := v.Field(idx)
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			f = f.Elem()
		}
		v = f
	}
	return v.Field(path[len(path)-1])
}

// planFor returns the plan for scanning cols into t, building it on a miss.
func (r *registry) planFor(cols []string, t reflect.Type) (*rowPlan, error) {
	t = canonicalStructType(t)
	sig := strings.Join(cols, "\x1f")
	key := planKey{dstType: t, sum: xxhash.Sum64String(sig)}
	if p, ok := r.plans.get(key); ok && p.cols == sig {
		return p, nil
	}

	ti := r.typeInfo(t)
	p := &rowPlan{cols: sig, paths: make([][]int, len(cols))}
	for i, col := range cols {
		fi, ok := ti.lookup(col)
		if !ok {
			continue
		}
		if fi.ambiguous {
			return nil, fmt.Errorf("%w: %q", ErrFieldAmbiguous, col)
		}
		p.paths[i] = fi.index
	}
	r.plans.put(key, p)
	return p, nil
}
