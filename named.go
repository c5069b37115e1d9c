package sorm

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// NamedBuilder accumulates SQL text using named placeholders together with
// the values bound to them. Supported markers, with the default ':' prefix:
//
//	:name    one parameter
//	<:name>  expands a slice or array into ?,?,...
//	{:name}  embeds the value as a SQL literal
//
// Explicit bindings win over the bean and the last Bind for a name wins.
// Names that are neither bound nor found on the bean are left in the SQL as
// written, so a statement may be bound across several builders.
//
// A NamedBuilder is single-use: Parse releases it back into the pool.
type NamedBuilder struct {
	s        *Sorm
	parts    []string
	bindings map[string]any
	bean     any
	released bool
	err      error
}

// Named starts a new statement and returns a single-use NamedBuilder.
func (s *Sorm) Named(sql string) *NamedBuilder {
	b := s.pool.Get().(*NamedBuilder)
	b.s = s
	b.released = false
	b.err = nil
	b.bean = nil
	b.parts = b.parts[:0]
	if sql != "" {
		b.parts = append(b.parts, sql)
	}
	return b
}

// Write appends a raw SQL fragment. No auto-spacing is performed.
func (b *NamedBuilder) Write(sql string) *NamedBuilder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	b.parts = append(b.parts, sql)
	return b
}

// Writef appends a formatted SQL fragment. No auto-spacing is performed.
func (b *NamedBuilder) Writef(format string, args ...any) *NamedBuilder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	b.parts = append(b.parts, fmt.Sprintf(format, args...))
	return b
}

// Bind binds value to name. A later Bind of the same name replaces it.
func (b *NamedBuilder) Bind(name string, value any) *NamedBuilder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = fmt.Errorf("sorm: Bind name must be non-empty")
		return b
	}
	if b.bindings == nil {
		b.bindings = make(map[string]any, 8)
	}
	b.bindings[name] = value
	return b
}

// BindAll binds every entry of params, as repeated Bind calls would.
func (b *NamedBuilder) BindAll(params P) *NamedBuilder {
	for k, v := range params {
		b.Bind(k, v)
	}
	return b
}

// BindBean sets the object consulted for names without an explicit binding:
// a struct (fields by `db` tag, name or canonical name, nested structs
// flattened), a map with string keys, or a pointer to either.
// A second call replaces the previous bean.
func (b *NamedBuilder) BindBean(bean any) *NamedBuilder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	b.bean = bean
	return b
}

// Parse resolves the named placeholders and RELEASES the builder back into
// the pool. After Parse(), the builder must not be used again.
func (b *NamedBuilder) Parse() (ParameterizedStatement, error) {
	if b.released {
		return ParameterizedStatement{}, ErrBuilderReleased
	}
	defer b.Release()
	if b.err != nil {
		return ParameterizedStatement{}, b.err
	}
	return b.resolve()
}

// Preview renders the statement without releasing the NamedBuilder.
// Safe to call multiple times; identical to Parse() except it does NOT Release().
func (b *NamedBuilder) Preview() (ParameterizedStatement, error) {
	if b.released {
		return ParameterizedStatement{}, ErrBuilderReleased
	}
	if b.err != nil {
		return ParameterizedStatement{}, b.err
	}
	return b.resolve()
}

// Release clears the builder and puts it back into the pool.
// It is safe to call Release multiple times; subsequent calls are no-ops.
func (b *NamedBuilder) Release() {
	if b.released {
		return
	}
	b.released = true

	for i := range b.parts {
		b.parts[i] = ""
	}
	b.parts = b.parts[:0]
	clear(b.bindings)
	b.bean = nil
	b.err = nil
	b.s.pool.Put(b)
}

// resolve scans the SQL once and substitutes every bound marker in textual order.
func (b *NamedBuilder) resolve() (ParameterizedStatement, error) {
	q := strings.Join(b.parts, "")
	if len(b.bindings) == 0 && b.bean == nil {
		return newStatement(q, nil), nil
	}

	s := b.s
	ns := &namedSyntax{
		prefix:     s.config.NamedPrefix,
		suffix:     s.config.NamedSuffix,
		maxNameLen: s.config.MaxNameLen,
	}
	phs, err := scanPlaceholders(s.dialect, q, ns)
	if err != nil {
		return ParameterizedStatement{}, &TemplateError{SQL: q, Err: err}
	}

	lp := s.logs.point(LogMapping)

	bound := phs[:0:0]
	vals := make([]any, 0, len(phs))
	var unbound []string
	for _, ph := range phs {
		v, ok := b.bindings[ph.name]
		if !ok && b.bean != nil {
			v, ok, err = s.reg.beanValue(b.bean, ph.name)
			if err != nil {
				return ParameterizedStatement{}, &TemplateError{SQL: q, Err: err}
			}
		}
		if !ok {
			unbound = append(unbound, ph.name)
			continue
		}
		bound = append(bound, ph)
		vals = append(vals, v)
	}

	if lp != nil {
		lp.done("named parameters resolved", nil, "sql", q, "bound", len(bound), "unbound", unbound)
	}
	if len(bound) == 0 {
		return newStatement(q, nil), nil
	}

	out, args, err := render(s.dialect, q, bound, vals)
	if err != nil {
		return ParameterizedStatement{}, err
	}
	return ParameterizedStatement{sql: out, params: args}, nil
}

// Exec is a convenience that parses and executes the statement with context.Background().
func (b *NamedBuilder) Exec(db Execer) (sql.Result, error) {
	return b.ExecContext(context.Background(), db)
}

// ScanOne parses and runs the statement, scanning exactly one row into dest.
func (b *NamedBuilder) ScanOne(db Queryer, dest any) error {
	return b.ScanOneContext(context.Background(), db, dest)
}

// ScanAll parses and runs the statement, scanning all rows into dest slice.
func (b *NamedBuilder) ScanAll(db Queryer, dest any) error {
	return b.ScanAllContext(context.Background(), db, dest)
}

// ExecContext parses and executes the statement with the provided context.
func (b *NamedBuilder) ExecContext(ctx context.Context, db Execer) (sql.Result, error) {
	s := b.s
	ps, err := b.Parse()
	if err != nil {
		return nil, err
	}
	return s.Exec(ctx, db, ps)
}

// ScanOneContext is the context-aware variant of ScanOne.
func (b *NamedBuilder) ScanOneContext(ctx context.Context, db Queryer, dest any) error {
	s := b.s
	ps, err := b.Parse()
	if err != nil {
		return err
	}
	return s.ScanOne(ctx, db, dest, ps)
}

// ScanAllContext is the context-aware variant of ScanAll.
func (b *NamedBuilder) ScanAllContext(ctx context.Context, db Queryer, dest any) error {
	s := b.s
	ps, err := b.Parse()
	if err != nil {
		return err
	}
	return s.ScanAll(ctx, db, dest, ps)
}
