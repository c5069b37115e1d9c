package sorm

import (
	"errors"
	"strings"
	"testing"
)

// --------------------------------
// Bindings
// --------------------------------

// TestNamed_SimpleAndDuplicated_AllDialects verifies substitution of repeated
// names, list expansion and that quoted names are ignored.
func TestNamed_SimpleAndDuplicated_AllDialects(t *testing.T) {
	for _, dc := range allDialects() {
		t.Run(dc.name, func(t *testing.T) {
			out, args := mustParseNamed(t, dc.d,
				"SELECT * FROM t WHERE a = :x OR b = :x AND c = :y AND d IN (<:ids>) AND e = ':x'",
				P{"x": 7, "y": "ok", "ids": []int{10, 11}},
			)
			if got := strings.Count(out, "?"); got != 5 {
				t.Fatalf("markers=%d, want 5\nquery=%s", got, out)
			}
			assertArgsEqual(t, args, []any{7, 7, "ok", 10, 11})
			if !strings.Contains(out, "e = ':x'") {
				t.Fatalf("quoted name must be left alone: %s", out)
			}
		})
	}
}

// TestNamed_LastBindWins verifies that rebinding a name replaces the value.
func TestNamed_LastBindWins(t *testing.T) {
	ps, err := New(H2).Named("select :a").Bind("a", 1).Bind("a", 2).Parse()
	assertNoError(t, err)
	assertArgsEqual(t, ps.Parameters(), []any{2})
}

// TestNamed_UnboundNamesLeftAsText verifies that names without a binding stay
// in the SQL so they can be bound later.
func TestNamed_UnboundNamesLeftAsText(t *testing.T) {
	ps, err := New(H2).Named("select * from t where a=:a and b=:b").Bind("a", 1).Parse()
	assertNoError(t, err)
	if want := "select * from t where a=? and b=:b"; ps.SQL() != want {
		t.Fatalf("sql=%q, want %q", ps.SQL(), want)
	}
	assertArgsEqual(t, ps.Parameters(), []any{1})

	// The remaining name can be bound in a second round.
	ps2, err := New(H2).Named(ps.SQL()).Bind("b", 2).Parse()
	assertNoError(t, err)
	if want := "select * from t where a=? and b=?"; ps2.SQL() != want {
		t.Fatalf("sql=%q, want %q", ps2.SQL(), want)
	}
}

// TestNamed_NoBindings_ReturnsRawSQL ensures that nothing is rewritten when no
// value was bound.
func TestNamed_NoBindings_ReturnsRawSQL(t *testing.T) {
	q := "select :a, <:b>, {:c}"
	ps, err := New(H2).Named(q).Parse()
	assertNoError(t, err)
	if ps.SQL() != q || ps.Parameters() != nil {
		t.Fatalf("got %q %v", ps.SQL(), ps.Parameters())
	}
}

// TestNamed_EmbeddedValue verifies {:name} literal embedding.
func TestNamed_EmbeddedValue(t *testing.T) {
	ps, err := New(Postgres).Named("select * from {:tbl} where id in (<:ids>) and n={:n}").
		BindAll(P{"tbl": "t'1", "ids": []int64{1, 2}, "n": 3}).Parse()
	assertNoError(t, err)
	if want := "select * from 't''1' where id in (?,?) and n=3"; ps.SQL() != want {
		t.Fatalf("sql=%q, want %q", ps.SQL(), want)
	}
	assertArgsEqual(t, ps.Parameters(), []any{int64(1), int64(2)})
}

// TestNamed_ListErrors verifies list binding validation for named markers.
func TestNamed_ListErrors(t *testing.T) {
	_, err := New(H2).Named("select * from t where id in (<:ids>)").Bind("ids", []int{}).Parse()
	if !errors.Is(err, ErrListEmpty) {
		t.Fatalf("want ErrListEmpty, got %v", err)
	}
	if !strings.Contains(err.Error(), `"ids"`) {
		t.Fatalf("error should name the placeholder: %v", err)
	}

	_, err = New(H2).Named("select * from t where id in (<:ids>)").Bind("ids", 1).Parse()
	if !errors.Is(err, ErrListParameter) {
		t.Fatalf("want ErrListParameter, got %v", err)
	}
}

// TestNamed_EmptyBindName is rejected.
func TestNamed_EmptyBindName(t *testing.T) {
	_, err := New(H2).Named("select :a").Bind("", 1).Parse()
	if err == nil || !strings.Contains(err.Error(), "non-empty") {
		t.Fatalf("expected empty name error, got %v", err)
	}
}

// --------------------------------
// Beans
// --------------------------------

type beanAddress struct {
	City string `db:"city"`
}

type beanUser struct {
	ID        int `db:"id"`
	FirstName string
	Addr      *beanAddress
	secret    string
}

// TestNamed_BindBean_Struct verifies tag, field and canonical name lookups
// and flattening of nested struct pointers.
func TestNamed_BindBean_Struct(t *testing.T) {
	u := beanUser{ID: 5, FirstName: "ada", Addr: &beanAddress{City: "Rome"}, secret: "x"}
	ps, err := New(H2).Named("select :id, :FirstName, :first_name, :city, :secret").BindBean(&u).Parse()
	assertNoError(t, err)

	if want := "select ?, ?, ?, ?, :secret"; ps.SQL() != want {
		t.Fatalf("sql=%q, want %q", ps.SQL(), want)
	}
	assertArgsEqual(t, ps.Parameters(), []any{5, "ada", "ada", "Rome"})
}

// TestNamed_BindBean_NilNestedPointerIsNull verifies a nil intermediate
// pointer resolves to NULL.
func TestNamed_BindBean_NilNestedPointerIsNull(t *testing.T) {
	ps, err := New(H2).Named("select :city").BindBean(beanUser{}).Parse()
	assertNoError(t, err)
	assertArgsEqual(t, ps.Parameters(), []any{nil})
}

// TestNamed_ExplicitBindingBeatsBean verifies the precedence rule.
func TestNamed_ExplicitBindingBeatsBean(t *testing.T) {
	ps, err := New(H2).Named("select * from t where id=:id and city=:city").
		BindBean(beanUser{ID: 5, Addr: &beanAddress{City: "Rome"}}).
		Bind("id", 9).
		Parse()
	assertNoError(t, err)
	assertArgsEqual(t, ps.Parameters(), []any{9, "Rome"})
}

// TestNamed_BindBean_Map covers maps with string keys.
func TestNamed_BindBean_Map(t *testing.T) {
	type key string
	ps, err := New(H2).Named("select :a, :b").BindBean(map[key]int{"a": 1, "b": 2}).Parse()
	assertNoError(t, err)
	assertArgsEqual(t, ps.Parameters(), []any{1, 2})

	ps, err = New(H2).Named("select :a").BindBean(P{"a": "x"}).Parse()
	assertNoError(t, err)
	assertArgsEqual(t, ps.Parameters(), []any{"x"})
}

// TestNamed_BindBean_Ambiguous verifies that a name matching two flattened
// fields is rejected.
func TestNamed_BindBean_Ambiguous(t *testing.T) {
	type A struct {
		ID int `db:"id"`
	}
	type B struct {
		ID int `db:"id"`
	}
	type C struct {
		A A
		B B
	}
	_, err := New(H2).Named("select :id").BindBean(C{}).Parse()
	if !errors.Is(err, ErrFieldAmbiguous) {
		t.Fatalf("want ErrFieldAmbiguous, got %v", err)
	}
}

// --------------------------------
// Lifecycle
// --------------------------------

// TestNamed_PreviewDoesNotRelease verifies that Preview can be called
// repeatedly and Parse still works afterwards.
func TestNamed_PreviewDoesNotRelease(t *testing.T) {
	b := New(H2).Named("select :a").Bind("a", 1)
	for i := 0; i < 2; i++ {
		ps, err := b.Preview()
		assertNoError(t, err)
		if ps.SQL() != "select ?" {
			t.Fatalf("preview %d: %q", i, ps.SQL())
		}
	}
	ps, err := b.Parse()
	assertNoError(t, err)
	assertArgsEqual(t, ps.Parameters(), []any{1})
}

// TestNamed_ReleasedBuilder verifies that a parsed builder refuses reuse.
func TestNamed_ReleasedBuilder(t *testing.T) {
	b := New(H2).Named("select :a").Bind("a", 1)
	_, err := b.Parse()
	assertNoError(t, err)

	if _, err := b.Parse(); !errors.Is(err, ErrBuilderReleased) {
		t.Fatalf("Parse after release: want ErrBuilderReleased, got %v", err)
	}
	if _, err := b.Preview(); !errors.Is(err, ErrBuilderReleased) {
		t.Fatalf("Preview after release: want ErrBuilderReleased, got %v", err)
	}
	b.Release()
}

// TestNamed_WriteAndWritef concatenates fragments without spacing.
func TestNamed_WriteAndWritef(t *testing.T) {
	ps, err := New(H2).Named("select * from t").
		Write(" where a=:a").
		Writef(" limit %d", 10).
		Bind("a", "x").
		Parse()
	assertNoError(t, err)
	if want := "select * from t where a=? limit 10"; ps.SQL() != want {
		t.Fatalf("sql=%q, want %q", ps.SQL(), want)
	}
}

// TestNamed_PoolReuseStartsClean verifies that a recycled builder carries no
// state from its previous use.
func TestNamed_PoolReuseStartsClean(t *testing.T) {
	s := New(H2)
	for i := 0; i < 10; i++ {
		_, err := s.Named("select :a").Bind("a", i).BindBean(beanUser{ID: i}).Parse()
		assertNoError(t, err)
	}
	ps, err := s.Named("select :a, :id").Parse()
	assertNoError(t, err)
	if ps.SQL() != "select :a, :id" || ps.Parameters() != nil {
		t.Fatalf("recycled builder leaked state: %q %v", ps.SQL(), ps.Parameters())
	}
}
