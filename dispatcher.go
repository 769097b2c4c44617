package wire

import (
	"context"
	"errors"

	"github.com/tsdbwire/pgentry/codes"
	pgerror "github.com/tsdbwire/pgentry/errors"
	"github.com/tsdbwire/pgentry/pkg/buffer"
)

// ErrStalePlan is returned by a CompiledStatement's collaborators whenever
// the plan was invalidated out from under a live portal (e.g. the
// underlying table's schema changed between PARSE and EXECUTE). It carries
// SQLSTATE 0A000, matching Postgres's RevalidateCachedQuery behaviour.
var ErrStalePlan = pgerror.WithCode(errors.New("cached plan is stale and must be recompiled"), codes.FeatureNotSupported)

// Dispatcher routes a bound portal's EXECUTE to the right collaborator
// (Cursor streaming, InsertMethod, or DDLOperation). If the engine reports a
// stale plan, it recompiles the owning statement, drops the portal's cursor
// and insert method, and tries again (a bounded number of times) with the
// portal's already-bound parameters.
type Dispatcher struct {
	engine      Engine
	writers     WriterSource
	binder      *Binder
	serializer  *Serializer
	maxAttempts int
	metrics     *Metrics
}

// NewDispatcher constructs a Dispatcher. maxAttempts bounds the stale-plan
// recompile loop; a value <= 0 defaults to 1 (no retry).
func NewDispatcher(engine Engine, writers WriterSource, binder *Binder, ser *Serializer, maxAttempts int, metrics *Metrics) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Dispatcher{engine: engine, writers: writers, binder: binder, serializer: ser, maxAttempts: maxAttempts, metrics: metrics}
}

// ExecuteOutcome reports what the caller should write back to the client
// once Execute returns.
type ExecuteOutcome struct {
	Tag      string
	Suspend  bool
	RowsSent int
}

// Execute runs portal to completion (or suspension) against the session's
// pending-writer bookkeeping for implicit-commit tracking.
func (d *Dispatcher) Execute(ctx context.Context, sess *Session, writer *buffer.Writer, portal *Portal, maxRows int) (ExecuteOutcome, error) {
	stmt := portal.Statement

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		outcome, err := d.executeOnce(ctx, sess, writer, portal, stmt, maxRows)
		if err == nil {
			return outcome, nil
		}

		if !errors.Is(err, ErrStalePlan) {
			return ExecuteOutcome{}, err
		}

		if d.metrics != nil {
			d.metrics.StalePlanRecompile.Inc()
		}

		recompiled, cerr := d.engine.Compile(ctx, stmt.SQL)
		if cerr != nil {
			return ExecuteOutcome{}, cerr
		}

		var recompiledColumns Columns
		if recompiled.Cursor != nil {
			recompiledColumns = recompiled.Cursor.Metadata().Columns
		}

		// Only a named (prepared) statement can have a client-cached
		// ROW_DESCRIPTION from an earlier DESCRIBE to go stale against; an
		// anonymous statement is re-described on every DESCRIBE/EXECUTE, so a
		// changed shape is never surprising and the fresh plan is used
		// transparently.
		if stmt.Name != "" && !recompiledColumns.Equal(stmt.DescribedColumns) {
			return ExecuteOutcome{}, pgerror.WithSource(
				pgerror.WithCode(errors.New("cached plan's result columns no longer match the prepared statement"), codes.FeatureNotSupported),
				"", 0, "RevalidateCachedQuery")
		}

		stmt.Compiled = recompiled
		stmt.DescribedColumns = recompiledColumns
		portal.cursor = nil
		portal.insertMethod = nil
	}

	return ExecuteOutcome{}, ErrStalePlan
}

func (d *Dispatcher) executeOnce(ctx context.Context, sess *Session, writer *buffer.Writer, portal *Portal, stmt *PreparedStatement, maxRows int) (ExecuteOutcome, error) {
	switch stmt.Compiled.Kind {
	case StatementSelect:
		return d.executeSelect(ctx, writer, portal, stmt, maxRows)
	case StatementInsert:
		return d.executeInsert(ctx, sess, portal, stmt)
	case StatementDDL:
		return d.executeDDL(ctx, sess, portal, stmt)
	case StatementBegin:
		sess.Begin()
		return ExecuteOutcome{Tag: "BEGIN"}, nil
	case StatementCommit:
		err := sess.EndTransaction(ctx, true)
		return ExecuteOutcome{Tag: "COMMIT"}, err
	case StatementRollback:
		err := sess.EndTransaction(ctx, false)
		return ExecuteOutcome{Tag: "ROLLBACK"}, err
	case StatementUpdate, StatementDelete:
		return d.executeDML(ctx, sess, portal, stmt)
	case StatementDeallocate:
		return ExecuteOutcome{}, pgerror.WithCode(
			errors.New("DEALLOCATE is not supported via the extended-query protocol; issue it as a simple query"),
			codes.FeatureNotSupported)
	default:
		return ExecuteOutcome{}, pgerror.WithCode(errors.New("unsupported statement kind"), codes.FeatureNotSupported)
	}
}

func (d *Dispatcher) executeSelect(ctx context.Context, writer *buffer.Writer, portal *Portal, stmt *PreparedStatement, maxRows int) (ExecuteOutcome, error) {
	if portal.cursor == nil {
		cur, err := stmt.Compiled.Cursor.Cursor(ctx, portal.Params)
		if err != nil {
			return ExecuteOutcome{}, err
		}
		portal.cursor = cur
	}

	meta := stmt.Compiled.Cursor.Metadata()
	formats := portal.ResultFormats
	if formats == nil {
		var err error
		formats, err = ReconcileColumnFormats(nil, meta.Columns)
		if err != nil {
			return ExecuteOutcome{}, err
		}
	}

	result, err := Stream(ctx, writer, d.serializer, portal.cursor, meta.Columns, formats, maxRows)
	if err != nil {
		return ExecuteOutcome{}, err
	}

	portal.executed = true

	if d.metrics != nil {
		d.metrics.RowsStreamed.Add(float64(result.RowsSent))
	}

	if result.Done {
		_ = portal.cursor.Close()
		portal.cursor = nil
		return ExecuteOutcome{Tag: CommandTag(StatementSelect, int64(result.RowsSent)), RowsSent: result.RowsSent}, nil
	}

	portal.suspended = true
	if d.metrics != nil {
		d.metrics.PortalSuspends.Inc()
		if result.Reason == PauseBufferFull {
			d.metrics.BufferOverflows.Inc()
		}
	}
	return ExecuteOutcome{Suspend: true, RowsSent: result.RowsSent}, nil
}

func (d *Dispatcher) executeInsert(ctx context.Context, sess *Session, portal *Portal, stmt *PreparedStatement) (ExecuteOutcome, error) {
	if portal.insertMethod == nil {
		table := stmt.Compiled.Table
		w, ok := sess.PendingWriter(table)
		if !ok {
			var err error
			w, err = d.writers.Writer(ctx, table)
			if err != nil {
				return ExecuteOutcome{}, err
			}
			sess.SetPendingWriter(table, w)
		}

		method, err := stmt.Compiled.Insert.CreateMethod(ctx, w)
		if err != nil {
			return ExecuteOutcome{}, err
		}
		portal.insertMethod = method
	}

	rows, err := portal.insertMethod.Execute(ctx, portal.Params)
	if err != nil {
		return ExecuteOutcome{}, err
	}

	portal.executed = true

	if !sess.InTransaction() {
		if err := sess.EndTransaction(ctx, true); err != nil {
			return ExecuteOutcome{}, err
		}
	}

	return ExecuteOutcome{Tag: CommandTag(StatementInsert, rows)}, nil
}

func (d *Dispatcher) executeDML(ctx context.Context, sess *Session, portal *Portal, stmt *PreparedStatement) (ExecuteOutcome, error) {
	// UPDATE/DELETE share the InsertOperation/InsertMethod collaborator
	// shape: both are a single bound apply-and-count cycle against a table
	// writer, just without a fresh row to serialize.
	return d.executeInsert(ctx, sess, portal, stmt)
}

func (d *Dispatcher) executeDDL(ctx context.Context, sess *Session, portal *Portal, stmt *PreparedStatement) (ExecuteOutcome, error) {
	rows, err := stmt.Compiled.DDL.Execute(ctx, portal.Params)
	if err != nil {
		return ExecuteOutcome{}, err
	}

	portal.executed = true

	if !sess.InTransaction() {
		_ = sess.EndTransaction(ctx, true)
	}

	return ExecuteOutcome{Tag: CommandTag(StatementDDL, rows)}, nil
}
