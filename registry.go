package sorm

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// registry owns the reflective caches of one Sorm: the field index of every
// mapped struct type and the scan plans built from it. Separate Sorm values
// never share state.
type registry struct {
	fields *genCache[reflect.Type, *typeInfo]
	plans  *genCache[planKey, *rowPlan]
}

// newRegistry returns an empty registry bounded by cacheSize.
func newRegistry() *registry {
	return &registry{
		fields: newGenCache[reflect.Type, *typeInfo](cacheSize),
		plans:  newGenCache[planKey, *rowPlan](cacheSize),
	}
}

var (
	scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	valuerIface  = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
)

// fieldInfo describes a leaf field: its column name, full index path and tag options.
type fieldInfo struct {
	name      string
	index     []int // full index path for FieldByIndex-like ops
	pk        bool  // db:"name,pk"
	auto      bool  // db:"name,auto": generated by the database, never written
	ambiguous bool  // true if multiple fields with same name found
}

// typeInfo is the cached mapping of one struct type.
type typeInfo struct {
	byName  map[string]fieldInfo
	byCanon map[string]fieldInfo
	ordered []fieldInfo // leaves in declaration order
}

// lookup finds the field for a column or parameter name, first by exact
// name and then by its canonical form.
func (ti *typeInfo) lookup(name string) (fieldInfo, bool) {
	if fi, ok := ti.byName[name]; ok {
		return fi, true
	}
	fi, ok := ti.byCanon[canonical(name)]
	return fi, ok
}

// canonical folds case and drops underscores, so "UserID", "user_id" and
// "userid" all match.
func canonical(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + 'a' - 'A')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// typeInfo returns the mapping for the given type.
// It flattens nested structs (excluding time.Time, Scanners and Valuers),
// honors `db:"name"` tags and the pk, auto and scalar options.
// The result is cached in a two-tier cache.
func (r *registry) typeInfo(t reflect.Type) *typeInfo {
	if ti, ok := r.fields.get(t); ok {
		return ti
	}

	ti := &typeInfo{
		byName:  make(map[string]fieldInfo),
		byCanon: make(map[string]fieldInfo),
	}

	base := canonicalStructType(t)
	if base.Kind() != reflect.Struct {
		r.fields.put(t, ti)
		return ti
	}

	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, path []int)

	walk = func(rt reflect.Type, path []int) {
		// Follow pointers for current type
		for rt.Kind() == reflect.Pointer {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct {
			return
		}
		if visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			fi := fieldInfo{name: f.Name}
			scalar := false
			if tag != "" {
				parts := strings.Split(tag, ",")
				if parts[0] != "" {
					fi.name = parts[0]
				}
				for _, p := range parts[1:] {
					switch strings.TrimSpace(p) {
					case "scalar":
						scalar = true
					case "pk":
						fi.pk = true
					case "auto":
						fi.auto = true
					}
				}
			}

			if !scalar && shouldFlatten(f.Type) {
				walk(f.Type, appendIndex(path, i))
				continue
			}

			fi.index = appendIndex(path, i)
			if _, exists := ti.byName[fi.name]; exists {
				// Index is irrelevant once ambiguous.
				ti.byName[fi.name] = fieldInfo{name: fi.name, ambiguous: true}
			} else {
				ti.byName[fi.name] = fi
			}
			key := canonical(fi.name)
			if _, exists := ti.byCanon[key]; exists {
				ti.byCanon[key] = fieldInfo{name: fi.name, ambiguous: true}
			} else {
				ti.byCanon[key] = fi
			}
			ti.ordered = append(ti.ordered, fi)
		}
	}

	walk(base, nil)
	r.fields.put(t, ti)
	return ti
}

// beanValue resolves a parameter name against a bean: a struct (flattened),
// a map keyed by string, or pointers/interfaces thereof.
func (r *registry) beanValue(bean any, name string) (any, bool, error) {
	v := deIndirect(reflect.ValueOf(bean))
	if !v.IsValid() || ((v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil()) {
		return nil, false, nil
	}
	// FAST-PATH: map[string]any
	if m, ok := v.Interface().(map[string]any); ok {
		val, ok := m[name]
		return val, ok, nil
	}
	switch v.Kind() {
	case reflect.Map:
		keyT := v.Type().Key()
		key := reflect.ValueOf(name)
		if key.Type() != keyT {
			if !key.Type().ConvertibleTo(keyT) {
				return nil, false, nil
			}
			key = key.Convert(keyT)
		}
		mv := v.MapIndex(key)
		if mv.IsValid() {
			return mv.Interface(), true, nil
		}
		return nil, false, nil
	case reflect.Struct:
		fi, ok := r.typeInfo(v.Type()).lookup(name)
		if !ok {
			return nil, false, nil
		}
		if fi.ambiguous {
			return nil, false, fmt.Errorf("%w: %q", ErrFieldAmbiguous, name)
		}
		val, ok := getValueByPathAny(v, fi.index)
		return val, ok, nil
	}
	return nil, false, nil
}

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	// If *T implements sql.Scanner or driver.Valuer → treat as leaf (no flatten)
	if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
		return false
	}
	if ft.Implements(valuerIface) {
		return false
	}
	tt := ft
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	if tt.Kind() != reflect.Struct {
		return false
	}
	// Do not flatten time.Time (common leaf struct)
	if tt.PkgPath() == "time" && tt.Name() == "Time" {
		return false
	}
	return true
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent SQL NULL.
// Returns (value, true) on success, or (nil, false) on structural mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	for i, idx := range path {
		for v.IsValid() && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			for v.IsValid() && v.Kind() == reflect.Interface {
				if v.IsNil() {
					return nil, true
				}
				v = v.Elem()
			}
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}

// canonicalStructType strips pointers from t.
func canonicalStructType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// --------------------------------
// Cache
// --------------------------------

// genCache is a two-generation map bounding memory by rotation: when the
// current generation fills up it becomes the previous one, and hits in the
// previous generation are promoted back.
type genCache[K comparable, V any] struct {
	mu   sync.RWMutex
	curr map[K]V
	prev map[K]V
	size int
}

func newGenCache[K comparable, V any](size int) *genCache[K, V] {
	if size <= 0 {
		size = cacheSize
	}
	return &genCache[K, V]{
		curr: make(map[K]V, size/2),
		prev: make(map[K]V),
		size: size,
	}
}

func (c *genCache[K, V]) get(k K) (V, bool) {
	c.mu.RLock()
	if v, ok := c.curr[k]; ok {
		c.mu.RUnlock()
		return v, true
	}
	v, ok := c.prev[k]
	c.mu.RUnlock()
	if ok {
		c.put(k, v)
	}
	return v, ok
}

func (c *genCache[K, V]) put(k K, v V) {
	c.mu.Lock()
	if len(c.curr) >= c.size {
		c.prev = c.curr
		c.curr = make(map[K]V, c.size/2)
	}
	c.curr[k] = v
	c.mu.Unlock()
}
