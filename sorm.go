package sorm

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Dialect identifies the SQL dialect for placeholder rendering, quoting rules
// while scanning SQL text, and the MERGE flavour used by table mappings.
type Dialect int

// Sorm is the main entry point. It holds the selected dialect, configuration,
// the mapping registry, the logging context, and a pool of reusable
// *NamedBuilder instances.
// A single Sorm instance is safe for concurrent use.
type Sorm struct {
	dialect Dialect
	config  Config
	reg     *registry
	logs    *LogContext
	pool    sync.Pool
}

// Config defines limits, batch tuning and collaborators.
type Config struct {
	// MaxParams limits the total number of placeholders that a single
	// statement may carry. The multi-row strategies shrink the effective
	// multi-row size so that rows*columns never exceeds it.
	// If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the maximum allowed length of a named placeholder,
	// e.g. ":this_is_a_name". Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int

	// Strategy selects how MultiRowInsert and MultiRowMerge submit rows.
	// The zero value is MultiRow.
	Strategy Strategy
	// BatchSize is the number of rows queued before a simple batch is flushed.
	BatchSize int
	// MultiRowSize is the number of value tuples in one multi-row statement.
	MultiRowSize int
	// BatchSizeWithMultiRow is the number of multi-row statements queued
	// before the hybrid strategy flushes its batch.
	BatchSizeWithMultiRow int

	// NamedPrefix and NamedSuffix delimit named placeholders.
	// Defaults are ":" and "".
	NamedPrefix string
	NamedSuffix string

	// Logger receives observability events. Defaults to a logger writing to
	// stderr; events are only produced for enabled LogCategories.
	Logger        Logger
	LogCategories []Category

	// ParameterSetter and StatementPreparer override the default collaborators.
	ParameterSetter   ParameterSetter
	StatementPreparer StatementPreparer
}

// P is a convenient alias for map[string]any to use with BindAll().
type P = map[string]any

// Execer abstracts *sql.DB / *sql.Tx / *Conn ExecContext for easy testing.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.DB / *sql.Tx / *Conn QueryContext for easy testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
	H2
)

const cacheSize = 4096 // Default size for the field-index and scan-plan caches

const (
	defaultBatchSize             = 32
	defaultMultiRowSize          = 32
	defaultBatchSizeWithMultiRow = 5
)

var (
	ErrListParameter      = errors.New("sorm: list placeholder must be bound to a slice or array")
	ErrListEmpty          = errors.New("sorm: list placeholder bound to an empty slice")
	ErrParamCount         = errors.New("sorm: placeholder and parameter count mismatch")
	ErrEmbeddedUnresolved = errors.New("sorm: embedded placeholder could not be resolved")
	ErrParamNameTooLong   = errors.New("sorm: parameter name too long")
	ErrUnsupportedLiteral = errors.New("sorm: value cannot be rendered as a SQL literal")
	ErrFieldAmbiguous     = errors.New("sorm: ambiguous field name")
	ErrBuilderReleased    = errors.New("sorm: builder already released; call Named() on *Sorm for a new statement")
	ErrMoreThanOneRow     = errors.New("sorm: more than one row")
	ErrNullRow            = errors.New("sorm: null row")
	ErrMergeUnsupported   = errors.New("sorm: merge is not supported")
	ErrNotInTransaction   = errors.New("sorm: connection is in auto-commit mode")
	ErrStmtClosed         = errors.New("sorm: statement is closed")
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	case H2:
		return "h2"
	default:
		return "unknown"
	}
}

// New returns a new Sorm for the given dialect. Optionally provide a Config;
// unspecified fields fall back to sensible per-dialect defaults.
func New(dialect Dialect, cfg ...Config) *Sorm {
	c := defaultConfig(dialect, cfg...)
	s := &Sorm{
		dialect: dialect,
		config:  c,
		reg:     newRegistry(),
		logs:    NewLogContext(c.Logger, c.LogCategories...),
	}
	s.pool.New = func() any {
		return &NamedBuilder{
			s:     s,
			parts: make([]string, 0, 16),
		}
	}
	return s
}

// Dialect returns the dialect s was created with.
func (s *Sorm) Dialect() Dialect { return s.dialect }

// Config returns the effective configuration, defaults included.
func (s *Sorm) Config() Config { return s.config }

// Logs returns the logging context so categories can be toggled at runtime.
func (s *Sorm) Logs() *LogContext { return s.logs }

// Conn wraps db into a connection using the dialect of s.
func (s *Sorm) Conn(db DB) *Conn {
	return NewConn(db, s.dialect)
}

// Parse is the dialect-aware variant of the package-level Parse: quoting
// rules of s's dialect decide which '?' characters are placeholders.
func (s *Sorm) Parse(sql string, params ...any) (ParameterizedStatement, error) {
	return parseOrdered(s.dialect, sql, params)
}

// Exec executes ps against db after rendering the dialect's placeholders.
func (s *Sorm) Exec(ctx context.Context, db Execer, ps ParameterizedStatement) (sql.Result, error) {
	lp := s.logs.point(LogExecuteUpdate)
	res, err := db.ExecContext(ctx, Rebind(s.dialect, ps.sql), ps.params...)
	if lp != nil {
		var n int64
		if err == nil {
			n, _ = res.RowsAffected()
		}
		lp.done("sql executed", err, "sql", ps.sql, "rows", n)
	}
	return res, err
}

// ScanOne runs ps and scans exactly one row into dest.
// It returns sql.ErrNoRows if no rows are returned. It errors if more than one row.
func (s *Sorm) ScanOne(ctx context.Context, db Queryer, dest any, ps ParameterizedStatement) (err error) {
	lp := s.logs.point(LogExecuteQuery)
	if lp != nil {
		defer func() { lp.done("query read one", err, "sql", ps.sql) }()
	}
	rows, err := db.QueryContext(ctx, Rebind(s.dialect, ps.sql), ps.params...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := s.reg.scanOne(rows, dest); err != nil {
		return err
	}

	// Must be at most ONE row
	if rows.Next() {
		return ErrMoreThanOneRow
	}
	return rows.Err()
}

// ScanAll runs ps and scans all rows into the dest slice.
func (s *Sorm) ScanAll(ctx context.Context, db Queryer, dest any, ps ParameterizedStatement) (err error) {
	lp := s.logs.point(LogExecuteQuery)
	if lp != nil {
		defer func() { lp.done("query read all", err, "sql", ps.sql) }()
	}
	rows, err := db.QueryContext(ctx, Rebind(s.dialect, ps.sql), ps.params...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return s.reg.scanAll(rows, dest)
}

// defaultConfig merges user config with per-dialect defaults.
func defaultConfig(dialect Dialect, config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MultiRowSize <= 0 {
		c.MultiRowSize = defaultMultiRowSize
	}
	if c.BatchSizeWithMultiRow <= 0 {
		c.BatchSizeWithMultiRow = defaultBatchSizeWithMultiRow
	}
	if c.NamedPrefix == "" {
		c.NamedPrefix = ":"
	}
	if c.ParameterSetter == nil {
		c.ParameterSetter = DefaultParameterSetter{}
	}
	if c.StatementPreparer == nil {
		c.StatementPreparer = DefaultStatementPreparer{}
	}

	return c
}
