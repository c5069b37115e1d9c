package sorm

import (
	"context"
	"database/sql/driver"
	"fmt"
	"reflect"
)

// ParameterSetter binds values to a prepared statement. Binding errors
// abort the batch call that triggered them.
type ParameterSetter interface {
	SetParameters(stmt *Stmt, values ...any) error
}

// StatementPreparer prepares SQL text on a connection. Implementations may
// add statement options such as timeouts.
type StatementPreparer interface {
	Prepare(ctx context.Context, conn *Conn, query string) (*Stmt, error)
}

// DefaultParameterSetter resolves driver.Valuer values eagerly, so a failing
// Valuer is reported while binding instead of at execution.
type DefaultParameterSetter struct{}

// SetParameters implements ParameterSetter.
func (DefaultParameterSetter) SetParameters(stmt *Stmt, values ...any) error {
	args := make([]any, len(values))
	for i, v := range values {
		vr, ok := v.(driver.Valuer)
		if !ok {
			args[i] = v
			continue
		}
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			args[i] = nil
			continue
		}
		dv, err := vr.Value()
		if err != nil {
			return fmt.Errorf("sorm: parameter %d: %w", i+1, err)
		}
		args[i] = dv
	}
	stmt.SetArgs(args...)
	return nil
}

// DefaultStatementPreparer prepares through the connection.
type DefaultStatementPreparer struct{}

// Prepare implements StatementPreparer.
func (DefaultStatementPreparer) Prepare(ctx context.Context, conn *Conn, query string) (*Stmt, error) {
	return conn.PrepareContext(ctx, query)
}
