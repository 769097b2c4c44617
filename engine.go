package wire

import (
	"context"
)

// BoundParam is the decoded value of a single bind variable, produced by
// the binder from the raw BIND payload arena. Value holds the coerced Go
// representation; Raw retains the original network bytes for collaborators
// that want to re-decode (e.g. BYTEA passthrough).
type BoundParam struct {
	Oid   uint32
	Value any
	Raw   []byte
	Null  bool
}

// ResultMetadata carries the result-set descriptor agreed upon at parse
// time: one Column per projected field, including any geohash bit widths.
type ResultMetadata struct {
	Columns Columns
}

// CursorFactory opens a resumable cursor for a compiled SELECT-shaped
// statement. A single CompiledStatement may spawn many cursors across
// repeated BIND/EXECUTE cycles against different portals.
type CursorFactory interface {
	Cursor(ctx context.Context, params []BoundParam) (Cursor, error)
	Metadata() ResultMetadata
	Close() error
}

// Cursor streams rows one at a time. Advance returns false once exhausted.
// Implementations may block on cold storage; callers that need a
// suspension point wrap Advance with a context deadline or cancellation.
type Cursor interface {
	Advance(ctx context.Context) (bool, error)
	Values() []any
	Close() error
}

// InsertOperation compiles to a reusable insert plan; CreateMethod binds it
// to a concrete row writer for a single statement lifetime.
type InsertOperation interface {
	CreateMethod(ctx context.Context, w Writer) (InsertMethod, error)
}

// InsertMethod executes one bound row (or batch) against the writer that
// created it.
type InsertMethod interface {
	Execute(ctx context.Context, params []BoundParam) (rowsAffected int64, err error)
}

// DDLOperation executes CREATE/ALTER-shaped statements directly; there is
// no cursor or writer indirection since DDL carries no result set.
type DDLOperation interface {
	Execute(ctx context.Context, params []BoundParam) (rowsAffected int64, err error)
}

// WriterSource hands out a table writer used by INSERT plans. Implementations
// typically pool one writer per table per connection.
type WriterSource interface {
	Writer(ctx context.Context, table string) (Writer, error)
}

// Writer is a transactional row sink bound to a single table.
type Writer interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Table() string
}

// CompiledStatement is the result of compiling SQL text once; it is
// reused across every portal opened against the same prepared statement,
// and is exactly one of a CursorFactory, InsertOperation, or DDLOperation,
// matching the "exactly one of" SQL-payload invariant.
type CompiledStatement struct {
	Kind       StatementKind
	Cursor     CursorFactory
	Insert     InsertOperation
	DDL        DDLOperation
	ParamTypes []uint32
	Table      string // target table name, populated for Insert/Update/Delete
}

// Engine is the storage/compiler collaborator the pipeline entry machinery
// is built against. It deliberately knows nothing about the wire protocol;
// command.go (PARSE) and dispatcher.go (stale-plan recompile) call Compile,
// and nothing in this package calls DDL.
type Engine interface {
	Compile(ctx context.Context, sql string) (CompiledStatement, error)
	DDL(ctx context.Context, sql string) (rowsAffected int64, err error)
}
