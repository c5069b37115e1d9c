package sorm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
)

// --------------------------------
// Test utilities
// --------------------------------

// dcase groups a dialect with a display name for table-driven tests.
type dcase struct {
	name string
	d    Dialect
}

// allDialects returns the list of dialects to iterate over in tests.
func allDialects() []dcase {
	return []dcase{
		{"postgres", Postgres},
		{"mysql", MySQL},
		{"sqlite", SQLite},
		{"sqlserver", SQLServer},
		{"h2", H2},
	}
}

// placeholderRegex returns a compiled regex that matches placeholders for each dialect.
func placeholderRegex(d Dialect) *regexp.Regexp {
	switch d {
	case Postgres:
		return regexp.MustCompile(`\$(?:[1-9][0-9]*)`)
	case SQLServer:
		return regexp.MustCompile(`@p(?:[1-9][0-9]*)`)
	default: // MySQL, SQLite, H2
		return regexp.MustCompile(`\?`)
	}
}

// countPlaceholders counts the placeholders present in a query for the given dialect.
func countPlaceholders(q string, d Dialect) int {
	return len(placeholderRegex(d).FindAllStringIndex(q, -1))
}

// assertNoError fails the test immediately if err != nil.
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// mustParseNamed builds a named statement with the given bindings and asserts no error.
func mustParseNamed(t *testing.T, d Dialect, sql string, binds P) (string, []any) {
	t.Helper()
	ps, err := New(d).Named(sql).BindAll(binds).Parse()
	assertNoError(t, err)
	return ps.SQL(), ps.Parameters()
}

// assertArgsEqual compares args semantically (with []byte equality support).
func assertArgsEqual(t *testing.T, got []any, want []any) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len(args)=%d, want %d\n got=%v\nwant=%v", len(got), len(want), got, want)
	}
	for i := range got {
		if !equalArg(got[i], want[i]) {
			t.Fatalf("arg #%d = %#v, want %#v", i+1, got[i], want[i])
		}
	}
}

// equalArg is a robust equality check for test arguments (handles []byte).
func equalArg(a, b any) bool {
	ab, aok := a.([]byte)
	bb, bok := b.([]byte)
	if aok || bok {
		if !(aok && bok) {
			return false
		}
		return bytes.Equal(ab, bb)
	}
	return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
}

// mustContainInOrder asserts that subs appear in s in the given order.
func mustContainInOrder(t *testing.T, s string, subs ...string) {
	t.Helper()
	pos := 0
	for _, sub := range subs {
		i := strings.Index(s[pos:], sub)
		if i < 0 {
			t.Fatalf("substring not found (in order) %q\nTEXT:\n%s", sub, s)
		}
		pos += i + len(sub)
	}
}

// TestDialectString ensures Dialect.String() returns expected values.
func TestDialectString(t *testing.T) {
	tests := []struct {
		in   Dialect
		want string
	}{
		{Postgres, "postgres"},
		{MySQL, "mysql"},
		{SQLite, "sqlite"},
		{SQLServer, "sqlserver"},
		{H2, "h2"},
		{Dialect(-1), "unknown"},
		{Dialect(123), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Fatalf("Dialect(%d).String() = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --------------------------------
// Config
// --------------------------------

// TestConfig_Defaults_ByDialect checks the per-dialect placeholder limits and
// the batch defaults.
func TestConfig_Defaults_ByDialect(t *testing.T) {
	want := map[Dialect]int{
		Postgres:  65535,
		MySQL:     65535,
		SQLite:    999,
		SQLServer: 2100,
		H2:        0,
	}
	for d, maxParams := range want {
		c := New(d).Config()
		if c.MaxParams != maxParams {
			t.Fatalf("%s: MaxParams=%d, want %d", d, c.MaxParams, maxParams)
		}
		if c.MaxNameLen != 64 {
			t.Fatalf("%s: MaxNameLen=%d, want 64", d, c.MaxNameLen)
		}
		if c.Strategy != MultiRow || c.BatchSize != 32 || c.MultiRowSize != 32 || c.BatchSizeWithMultiRow != 5 {
			t.Fatalf("%s: unexpected batch defaults %+v", d, c)
		}
		if c.NamedPrefix != ":" || c.NamedSuffix != "" {
			t.Fatalf("%s: unexpected named syntax %q %q", d, c.NamedPrefix, c.NamedSuffix)
		}
		if c.ParameterSetter == nil || c.StatementPreparer == nil {
			t.Fatalf("%s: default collaborators not set", d)
		}
	}
}

// TestConfig_CustomValuesKept verifies that explicit values survive the merge
// with the defaults.
func TestConfig_CustomValuesKept(t *testing.T) {
	c := New(SQLite, Config{
		MaxParams:             -1,
		MaxNameLen:            8,
		Strategy:              MultiRowAndBatch,
		BatchSize:             2,
		MultiRowSize:          3,
		BatchSizeWithMultiRow: 4,
		NamedPrefix:           "#{",
		NamedSuffix:           "}",
	}).Config()

	if c.MaxParams != -1 || c.MaxNameLen != 8 || c.Strategy != MultiRowAndBatch ||
		c.BatchSize != 2 || c.MultiRowSize != 3 || c.BatchSizeWithMultiRow != 4 ||
		c.NamedPrefix != "#{" || c.NamedSuffix != "}" {
		t.Fatalf("custom config not preserved: %+v", c)
	}
}

// --------------------------------
// Exec
// --------------------------------

// TestSorm_Exec_RebindsPerDialect verifies that Exec rewrites the canonical
// '?' markers into each dialect's placeholders and forwards the parameters.
func TestSorm_Exec_RebindsPerDialect(t *testing.T) {
	for _, dc := range allDialects() {
		t.Run(dc.name, func(t *testing.T) {
			ec := &execCatcher{}
			s := New(dc.d)
			ps, err := s.Parse("UPDATE t SET x=? WHERE id IN (<?>) AND note='?'", 9, []int{7, 8})
			assertNoError(t, err)

			_, err = s.Exec(context.Background(), ec, ps)
			assertNoError(t, err)

			if got := countPlaceholders(strings.ReplaceAll(ec.lastQuery, "'?'", ""), dc.d); got != 3 {
				t.Fatalf("placeholders=%d, want 3\nQ=%s", got, ec.lastQuery)
			}
			if !strings.Contains(ec.lastQuery, "'?'") {
				t.Fatalf("quoted '?' must be left alone: %s", ec.lastQuery)
			}
			assertArgsEqual(t, ec.lastArgs, []any{9, 7, 8})
		})
	}
}

// TestSorm_Exec_ErrorIsReturned ensures driver errors reach the caller.
func TestSorm_Exec_ErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	s := New(H2)
	_, err := s.Exec(context.Background(), failingExecer{err: boom}, newStatement("DELETE FROM t", nil))
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
}
