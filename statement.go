package sorm

import (
	"strings"

	"github.com/jjeffery/kv"
)

// ParameterizedStatement is an immutable pair of canonical SQL text, whose
// only placeholders are '?', and the ordered parameters bound to them.
type ParameterizedStatement struct {
	sql    string
	params []any
}

// newStatement copies params so later changes to the caller's slice do not
// leak into the statement.
func newStatement(sql string, params []any) ParameterizedStatement {
	var cp []any
	if len(params) > 0 {
		cp = make([]any, len(params))
		copy(cp, params)
	}
	return ParameterizedStatement{sql: sql, params: cp}
}

// SQL returns the canonical SQL text.
func (ps ParameterizedStatement) SQL() string { return ps.sql }

// Parameters returns a copy of the ordered parameters.
func (ps ParameterizedStatement) Parameters() []any {
	if len(ps.params) == 0 {
		return nil
	}
	out := make([]any, len(ps.params))
	copy(out, ps.params)
	return out
}

// String renders the statement as "sql parameters=[...]" for logs.
func (ps ParameterizedStatement) String() string {
	if len(ps.params) == 0 {
		return ps.sql
	}
	return ps.sql + " " + kv.List{"parameters", ps.params}.String()
}

// ExecutableSQL returns the statement with every parameter embedded as a SQL
// literal, using H2/ANSI quoting. The result is meant for logs and debugging,
// not for execution against untrusted input.
func (ps ParameterizedStatement) ExecutableSQL() (string, error) {
	return ps.executableSQL(H2)
}

func (ps ParameterizedStatement) executableSQL(d Dialect) (string, error) {
	if len(ps.params) == 0 {
		return ps.sql, nil
	}
	phs, _ := scanPlaceholders(d, ps.sql, nil)

	var b strings.Builder
	b.Grow(len(ps.sql) + len(ps.params)*8)
	last := 0
	n := 0
	for _, ph := range phs {
		if ph.kind != Ordered {
			continue
		}
		if n >= len(ps.params) {
			break
		}
		b.WriteString(ps.sql[last:ph.start])
		if err := writeLiteral(&b, d, ps.params[n]); err != nil {
			return "", &TemplateError{SQL: ps.sql, Err: err}
		}
		n++
		last = ph.end
	}
	b.WriteString(ps.sql[last:])
	return b.String(), nil
}
