package sorm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// PlaceholderKind classifies a placeholder found in SQL text.
type PlaceholderKind uint8

const (
	Ordered  PlaceholderKind = iota // ?
	Named                           // :name
	List                            // <?> or <:name>
	Embedded                        // {?} or {:name}
)

// String returns the string representation of the placeholder kind.
func (k PlaceholderKind) String() string {
	switch k {
	case Ordered:
		return "ordered"
	case Named:
		return "named"
	case List:
		return "list"
	case Embedded:
		return "embedded"
	default:
		return "unknown"
	}
}

// placeholder is one marker found while scanning SQL text.
type placeholder struct {
	kind  PlaceholderKind
	start int    // byte offset of the first marker byte
	end   int    // byte offset just past the marker
	index int    // ordinal among all markers, left to right
	name  string // named forms only
}

// namedSyntax switches scanPlaceholders to named markers.
type namedSyntax struct {
	prefix     string
	suffix     string
	maxNameLen int
}

const (
	listPlaceholder     = "<?>"
	embeddedPlaceholder = "{?}"
)

// Parse converts sql and its ordered parameters into a canonical statement
// that only uses '?' placeholders. List placeholders (<?>) are expanded to one
// '?' per element of the bound slice or array, and embedded placeholders
// ({?}) are replaced by the SQL literal of their parameter, which is removed
// from the parameter list.
//
// SQL without special placeholders, or an empty parameter list, is returned
// unchanged. Quoting rules are those of the H2 dialect; use (*Sorm).Parse
// for other dialects.
func Parse(sql string, params ...any) (ParameterizedStatement, error) {
	return parseOrdered(H2, sql, params)
}

// parseOrdered performs a single scan over q, collecting every ordered, list
// and embedded marker in textual order, then rewrites them in one pass.
func parseOrdered(dialect Dialect, q string, params []any) (ParameterizedStatement, error) {
	if len(params) == 0 {
		return newStatement(q, nil), nil
	}
	if !strings.Contains(q, listPlaceholder) && !strings.Contains(q, embeddedPlaceholder) {
		return newStatement(q, params), nil
	}

	phs, err := scanPlaceholders(dialect, q, nil)
	if err != nil {
		return ParameterizedStatement{}, &TemplateError{SQL: q, Err: err}
	}
	special := false
	for _, ph := range phs {
		if ph.kind != Ordered {
			special = true
			break
		}
	}
	if !special {
		// Only quoted or commented look-alikes: nothing to rewrite.
		return newStatement(q, params), nil
	}
	if len(phs) != len(params) {
		return ParameterizedStatement{}, &TemplateError{
			SQL: q,
			Err: fmt.Errorf("%w: placeholders=%d, parameters=%d", ErrParamCount, len(phs), len(params)),
		}
	}

	out, args, err := render(dialect, q, phs, params)
	if err != nil {
		return ParameterizedStatement{}, err
	}
	return ParameterizedStatement{sql: out, params: args}, nil
}

// render copies q while substituting every marker in phs with its rendered
// form. vals[i] is the value bound to phs[i].
func render(dialect Dialect, q string, phs []placeholder, vals []any) (string, []any, error) {
	var buf strings.Builder
	buf.Grow(len(q) + 16 + len(phs)*2)
	args := make([]any, 0, len(vals))

	embedded := false
	last := 0
	for i, ph := range phs {
		buf.WriteString(q[last:ph.start])
		last = ph.end
		v := vals[i]

		switch ph.kind {
		case Ordered, Named:
			buf.WriteByte('?')
			args = append(args, v)

		case List:
			elems, err := listElements(v)
			if err != nil {
				return "", nil, &TemplateError{SQL: q, Err: fmt.Errorf("%w: %s", err, ph.describe())}
			}
			for j := range elems {
				if j > 0 {
					buf.WriteByte(',')
				}
				buf.WriteByte('?')
			}
			args = append(args, elems...)

		case Embedded:
			lit, err := literal(dialect, v)
			if err != nil {
				return "", nil, &TemplateError{SQL: q, Err: fmt.Errorf("%w: %s", err, ph.describe())}
			}
			buf.WriteString(lit)
			embedded = true
		}
	}
	buf.WriteString(q[last:])
	out := buf.String()

	if embedded {
		// A marker left in the output means substitution went out of step.
		rest, _ := scanPlaceholders(dialect, out, nil)
		for _, ph := range rest {
			if ph.kind == Embedded {
				return "", nil, &TemplateError{SQL: q, Err: fmt.Errorf("%w: at offset %d", ErrEmbeddedUnresolved, ph.start)}
			}
		}
	}
	return out, args, nil
}

// describe names a marker for error messages.
func (ph placeholder) describe() string {
	if ph.name != "" {
		return fmt.Sprintf("%s placeholder %q", ph.kind, ph.name)
	}
	return fmt.Sprintf("%s placeholder #%d", ph.kind, ph.index+1)
}

// listElements flattens a slice or array bound to a list placeholder.
// []byte is a scalar value, not a list.
func listElements(v any) ([]any, error) {
	rv := deIndirect(reflect.ValueOf(v))
	if !rv.IsValid() {
		return nil, ErrListParameter
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w (got %T)", ErrListParameter, v)
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, fmt.Errorf("%w (got %T)", ErrListParameter, v)
	}
	ln := rv.Len()
	if ln == 0 {
		return nil, ErrListEmpty
	}
	out := make([]any, ln)
	for i := 0; i < ln; i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// scanPlaceholders walks q and returns its markers in textual order. It skips
// quoted strings, quoted identifiers, comments and dollar-quoted bodies. With
// ns == nil it finds '?', '<?>' and '{?}'; otherwise it finds prefix+name+suffix
// optionally wrapped in '<...>' or '{...}', and '?' is plain text.
func scanPlaceholders(dialect Dialect, q string, ns *namedSyntax) ([]placeholder, error) {
	var phs []placeholder
	var dqTag string // active dollar-quoted tag (Postgres-like)

	add := func(kind PlaceholderKind, start, end int, name string) {
		phs = append(phs, placeholder{kind: kind, start: start, end: end, index: len(phs), name: name})
	}

	// State machine for safe parsing through strings, comments, identifiers, etc.
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...` (MySQL/SQLite)
		sBR   // [...] (SQL Server)
		sLC   // line comment -- or # (MySQL only)
		sBC   // block comment /* ... */
		sDQD  // $tag$ ... $tag$ (dollar-quoted)
	)
	state := sText

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			if c == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				i += 2
				continue
			}
			if c == '#' && dialect == MySQL {
				state = sLC
				i++
				continue
			}
			if c == '/' && i+1 < len(q) && q[i+1] == '*' {
				state = sBC
				i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				i++
				continue
			}
			if c == '"' {
				state = sDQ
				i++
				continue
			}
			if c == '`' && (dialect == MySQL || dialect == SQLite) {
				state = sBT
				i++
				continue
			}
			if c == '[' && dialect == SQLServer {
				state = sBR
				i++
				continue
			}
			if c == '$' {
				if tag, ok := readDollarTag(q[i:]); ok {
					state = sDQD
					dqTag = tag
					i += len(tag)
					continue
				}
			}

			if ns == nil {
				switch {
				case c == '<' && strings.HasPrefix(q[i:], listPlaceholder):
					add(List, i, i+3, "")
					i += 3
					continue
				case c == '{' && strings.HasPrefix(q[i:], embeddedPlaceholder):
					add(Embedded, i, i+3, "")
					i += 3
					continue
				case c == '?':
					add(Ordered, i, i+1, "")
					i++
					continue
				}
			} else {
				if c == '<' || c == '{' {
					closer := byte('>')
					kind := List
					if c == '{' {
						closer = '}'
						kind = Embedded
					}
					name, n, err := ns.read(q, i+1)
					if err != nil {
						return nil, err
					}
					if n > 0 && i+1+n < len(q) && q[i+1+n] == closer {
						add(kind, i, i+n+2, name)
						i += n + 2
						continue
					}
				}
				name, n, err := ns.read(q, i)
				if err != nil {
					return nil, err
				}
				if n > 0 {
					add(Named, i, i+n, name)
					i += n
					continue
				}
			}
			i++

		case sSQ:
			// Only MySQL reads a backslash inside a string as an escape.
			if c == '\\' && dialect == MySQL {
				i += 2
				continue
			}
			i++
			if c == '\'' {
				if i < len(q) && q[i] == '\'' {
					i++
				} else {
					state = sText
				}
			}

		case sDQ:
			if c == '\\' && dialect == MySQL {
				i += 2
				continue
			}
			i++
			if c == '"' {
				if i < len(q) && q[i] == '"' {
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			i++
			if c == '`' {
				if i < len(q) && q[i] == '`' {
					i++
				} else {
					state = sText
				}
			}

		case sBR:
			i++
			if c == ']' {
				if i < len(q) && q[i] == ']' {
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				i++
				state = sText
			}

		case sDQD:
			if dqTag == "" {
				i = len(q)
				break
			}
			p := strings.Index(q[i:], dqTag)
			if p < 0 {
				i = len(q)
			} else {
				i += p + len(dqTag)
				dqTag = ""
				state = sText
			}
		}
	}

	return phs, nil
}

// read matches prefix+name+suffix at q[i:]. It returns the name and the
// number of bytes consumed, or n == 0 when there is no named marker at i.
func (ns *namedSyntax) read(q string, i int) (name string, n int, err error) {
	p := ns.prefix
	if !strings.HasPrefix(q[i:], p) {
		return "", 0, nil
	}
	j := i + len(p)
	if j >= len(q) || !isAlphaUnderscore(q[j]) {
		return "", 0, nil
	}
	// "::" is a cast, not a placeholder.
	if len(p) == 1 {
		if q[j] == p[0] || (i > 0 && q[i-1] == p[0]) {
			return "", 0, nil
		}
	}
	k := j + 1
	for k < len(q) && isAlphaNumUnderscore(q[k]) {
		k++
	}
	name = q[j:k]
	if ns.suffix != "" {
		if !strings.HasPrefix(q[k:], ns.suffix) {
			return "", 0, nil
		}
		k += len(ns.suffix)
	}
	if ns.maxNameLen > 0 && len(name) > ns.maxNameLen {
		return "", 0, fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), ns.maxNameLen)
	}
	return name, k - i, nil
}

// Rebind rewrites the '?' markers of a canonical statement into the
// placeholders of dialect ($1.. for Postgres, @p1.. for SQL Server).
// Markers inside quotes and comments are left alone.
func Rebind(dialect Dialect, q string) string {
	if dialect != Postgres && dialect != SQLServer {
		return q
	}
	if !strings.Contains(q, "?") {
		return q
	}
	phs, _ := scanPlaceholders(dialect, q, nil)

	var buf strings.Builder
	buf.Grow(len(q) + len(phs)*3)
	n := 0
	last := 0
	for _, ph := range phs {
		if ph.kind != Ordered {
			continue
		}
		buf.WriteString(q[last:ph.start])
		n++
		writePlaceholder(&buf, dialect, n)
		last = ph.end
	}
	buf.WriteString(q[last:])
	return buf.String()
}

// writePlaceholder emits a dialect-specific placeholder token for argument idx.
func writePlaceholder(b *strings.Builder, d Dialect, idx int) {
	switch d {
	case Postgres:
		b.WriteByte('$')
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	case SQLServer:
		b.WriteString("@p")
		var tmp [20]byte
		n := strconv.AppendInt(tmp[:0], int64(idx), 10)
		b.Write(n)
	default: // MySQL, SQLite, H2
		b.WriteByte('?')
	}
}

// --------------------------------
// Utils
// --------------------------------

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

// readDollarTag detects a dollar-quoted opening tag ("$tag$") at the start of s.
// It returns the full tag (e.g. "$tag$") and true if found.
func readDollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	j := 1
	for j < len(s) && isAlphaNumUnderscore(s[j]) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1], true
	}
	return "", false
}

// deIndirect unwraps interface and pointers until a concrete value (or nil).
func deIndirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}
