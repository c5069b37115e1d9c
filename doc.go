// Package sorm binds Go values to SQL statements and writes collections of
// rows through a single connection.
//
// Statements use ordered (?), named (:key), list (<?>) and literal ({?})
// placeholders. Parse and (*Sorm).Named rewrite them into one canonical
// statement holding only '?' markers and its ordered parameters:
//
//	ps, err := sorm.Parse("select * from t where id in (<?>) and kind={?}", []int{1, 2}, "a")
//	// ps.SQL():        select * from t where id in (?,?) and kind='a'
//	// ps.Parameters(): [1 2]
//
// A Table maps a struct type onto a database table and inserts or merges
// rows with simple batches, multi-row VALUES statements, or a hybrid of both,
// inside one transaction per call:
//
//	s := sorm.New(sorm.Postgres)
//	users, err := sorm.NewTable[User](s, "users")
//	counts, err := users.MultiRowInsert(ctx, s.Conn(db), rows...)
package sorm
