package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
	"github.com/tsdbwire/pgentry/codes"
	psqlerr "github.com/tsdbwire/pgentry/errors"
	"github.com/tsdbwire/pgentry/pkg/arena"
	"github.com/tsdbwire/pgentry/pkg/buffer"
	"github.com/tsdbwire/pgentry/pkg/types"
)

// SimpleQueryFn handles a query received through the simple-query
// sub-protocol. Per the Non-goal on simple-query multi-statement
// splitting, a query string containing more than one statement is
// rejected before the handler is ever invoked.
type SimpleQueryFn func(ctx context.Context, query string, writer DataWriter) error

// NewErrUnimplementedMessageType is called whenever an unimplemented message
// type is sent. This error indicates to the client that the sent message cannot
// be processed at this moment in time.
func NewErrUnimplementedMessageType(t types.ClientMessage) error {
	err := fmt.Errorf("unimplemented client message type: %d", t)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ConnectionDoesNotExist), psqlerr.LevelFatal)
}

// NewErrUnkownStatement is returned whenever no executable has been found for
// the given name.
func NewErrUnkownStatement(name string) error {
	err := fmt.Errorf("unknown executeable: %s", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidPreparedStatementDefinition), psqlerr.LevelFatal)
}

// NewErrUndefinedStatement is returned whenever no statement has been defined
// within the incoming query.
func NewErrUndefinedStatement() error {
	err := errors.New("no statement has been defined")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// NewErrMultipleCommandsStatements is returned whenever multiple statements have been
// given within a single query during the simple or extended query protocol.
func NewErrMultipleCommandsStatements() error {
	err := errors.New("cannot insert multiple commands into a prepared statement")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// newErrClientCopyFailed is returned whenever the client aborts a copy operation.
func newErrClientCopyFailed(desc string) error {
	err := fmt.Errorf("client aborted copy: %s", desc)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Uncategorized), psqlerr.LevelError)
}

// consumeCommands consumes incoming commands sent over the Postgres wire connection.
// This method keeps consuming messages until the client issues a close message
// or the connection is terminated.
func (srv *Server) consumeCommands(ctx context.Context, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("ready for query... starting to consume commands")

	tracker := NewSyncTracker(SessionFromContext(ctx))

	err := tracker.Sync(writer)
	if err != nil {
		return err
	}

	handle := srv.handleCommand(conn, tracker)
	for {
		if err = srv.consumeSingleCommand(ctx, reader, writer, handle); err != nil {
			return err
		}
	}
}

type commandHandler func(context.Context, types.ClientMessage, *buffer.Reader, *buffer.Writer) error

func (srv *Server) consumeSingleCommand(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer, handleCommand commandHandler) error {
	t, length, err := reader.ReadTypedMsg()
	if err == io.EOF {
		return nil
	}

	if errors.Is(err, buffer.ErrMessageSizeExceeded) {
		err = handleMessageSizeExceeded(reader, writer, err)
		if err != nil {
			return err
		}

		return nil
	}

	if err != nil {
		return err
	}

	if srv.closing.Load() {
		return nil
	}

	srv.wg.Add(1)
	srv.logger.Debug("<- incoming command", slog.Int("length", length), slog.String("type", t.String()))
	err = handleCommand(ctx, t, reader, writer)
	srv.wg.Done()
	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

// handleMessageSizeExceeded attempts to unwrap the given error message as
// message size exceeded. The expected message size will be consumed and
// discarded from the given reader. An error message is written to the client
// once the expected message size is read.
func handleMessageSizeExceeded(reader *buffer.Reader, writer *buffer.Writer, exceeded error) (err error) {
	unwrapped, has := buffer.UnwrapMessageSizeExceeded(exceeded)
	if !has {
		return exceeded
	}

	err = reader.Slurp(unwrapped.Size)
	if err != nil {
		return err
	}

	return ErrorCode(writer, exceeded)
}

// handleCommand handles the given client message. A client message includes a
// message type and reader buffer containing the actual message. The type
// indicates an action requested by the client.
// https://www.postgresql.org/docs/14/protocol-message-formats.html
func (srv *Server) handleCommand(conn net.Conn, tracker *SyncTracker) commandHandler {
	return func(ctx context.Context, t types.ClientMessage, reader *buffer.Reader, writer *buffer.Writer) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Once a pipeline entry has errored, every extended-query message up
		// to the next Sync is discarded without processing, per the
		// resynchronization-point contract.
		if tracker.InErrorRecovery() && t != types.ClientSync && t != types.ClientTerminate {
			return nil
		}

		switch t {
		case types.ClientSimpleQuery:
			// The simple-query protocol has no Sync message of its own:
			// every command cycle, success or failure, ends in its own
			// ReadyForQuery.
			err := srv.handleSimpleQuery(ctx, reader, writer)
			if err != nil {
				return ErrorCode(writer, err)
			}
			return nil
		case types.ClientParse:
			err := srv.handleParse(ctx, reader, writer)
			if err != nil {
				tracker.onError(ctx)
				return writeTrackedError(writer, err)
			}
			tracker.onParsed()
			return nil
		case types.ClientBind:
			err := srv.handleBind(ctx, reader, writer)
			if err != nil {
				tracker.onError(ctx)
				return writeTrackedError(writer, err)
			}
			tracker.onBound()
			return nil
		case types.ClientDescribe:
			err := srv.handleDescribe(ctx, reader, writer)
			if err != nil {
				tracker.onError(ctx)
				return writeTrackedError(writer, err)
			}
			tracker.onDescribed()
			return nil
		case types.ClientExecute:
			suspended, err := srv.handleExecute(ctx, reader, writer)
			if err != nil {
				tracker.onError(ctx)
				return writeTrackedError(writer, err)
			}
			tracker.onExecuted(suspended)
			return nil
		case types.ClientSync:
			return tracker.Sync(writer)
		case types.ClientFlush:
			// The Flush message forces delivery of any buffered output; since
			// every message here is written and flushed immediately there is
			// nothing additional to do.
			return nil
		case types.ClientCopyData, types.ClientCopyDone, types.ClientCopyFail:
			// Outside of an active copy-in command loop these are ignored,
			// per protocol spec for the error-recovery path.
			return nil
		case types.ClientClose:
			return srv.handleClose(ctx, reader, writer)
		case types.ClientTerminate:
			err := srv.handleConnTerminate(ctx)
			if err != nil {
				return err
			}

			err = conn.Close()
			if err != nil {
				return err
			}

			return io.EOF
		default:
			return ErrorCode(writer, NewErrUnimplementedMessageType(t))
		}
	}
}

// writeTrackedError reports an extended-query failure without a trailing
// ReadyForQuery; the client is expected to drain messages up to its next
// Sync, which is the only place ReadyForQuery is written in this protocol.
func writeTrackedError(writer *buffer.Writer, err error) error {
	return writeErrorResponse(writer, err)
}

// copyData returns a CopyDataFn that pulls the next CopyData chunk off the
// wire, driving the same message loop used outside of a copy operation so
// that Flush/Sync interleaved with CopyData chunks are handled correctly.
func (srv *Server) copyData(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) CopyDataFn {
	r := &copyDataReader{}
	return func(ctx context.Context) ([]byte, error) {
		if len(r.buf) == 0 {
			err := srv.consumeSingleCommand(ctx, reader, writer, srv.handleCopyInCommand(r))
			if err == errClientCopyDone {
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
		}

		chunk := r.buf
		r.buf = nil
		return chunk, nil
	}
}

type copyDataReader struct {
	buf []byte
}

// handleCopyInCommand handles the given client message, while in CopyIn mode.
func (srv *Server) handleCopyInCommand(r *copyDataReader) commandHandler {
	return func(ctx context.Context, t types.ClientMessage, reader *buffer.Reader, writer *buffer.Writer) error {
		switch t {
		case types.ClientFlush, types.ClientSync:
			return nil
		case types.ClientCopyData:
			r.buf = reader.Msg
			return nil
		case types.ClientCopyDone:
			return errClientCopyDone
		case types.ClientCopyFail:
			desc, err := reader.GetString()
			if err != nil {
				return err
			}
			return ErrorCode(writer, newErrClientCopyFailed(desc))
		default:
			return ErrorCode(writer, NewErrUnimplementedMessageType(t))
		}
	}
}

// errClientCopyDone internal sentinel error value distinct from [io.EOF], since
// that has special meaning in [consumeSingleCommand].
var errClientCopyDone = errors.New("client sent CopyDone")

func (srv *Server) handleSimpleQuery(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	if srv.SimpleQuery == nil {
		return ErrorCode(writer, NewErrUnimplementedMessageType(types.ClientSimpleQuery))
	}

	query, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming simple query", slog.String("query", query))

	if strings.TrimSpace(query) == "" {
		writer.Start(types.ServerEmptyQuery)
		err = writer.End()
		if err != nil {
			return err
		}

		return readyForQuery(writer, types.ServerIdle)
	}

	if err := requireSingleStatement(query); err != nil {
		return ErrorCode(writer, err)
	}

	dw := NewDataWriter(ctx, nil, nil, writer, srv.copyData(ctx, reader, writer))
	err = srv.SimpleQuery(ctx, query, dw)
	if err != nil {
		return ErrorCode(writer, err)
	}

	return readyForQuery(writer, types.ServerIdle)
}

// requireSingleStatement rejects a query string containing more than one
// SQL statement; splitting and running each is explicitly out of scope.
func requireSingleStatement(query string) error {
	tree, err := pg_query.Parse(query)
	if err != nil {
		// Surfaced again (and more precisely) once the handler itself
		// attempts to compile the query; here only the statement count
		// matters.
		return nil
	}

	if len(tree.Stmts) > 1 {
		return NewErrMultipleCommandsStatements()
	}

	return nil
}

func (srv *Server) handleParse(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := SessionFromContext(ctx)
	if srv.Engine == nil || sess == nil {
		return ErrorCode(writer, NewErrUnimplementedMessageType(types.ClientParse))
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	query, err := reader.GetString()
	if err != nil {
		return err
	}

	paramCount, err := reader.GetUint16()
	if err != nil {
		return err
	}

	paramOids := make([]uint32, paramCount)
	for i := uint16(0); i < paramCount; i++ {
		v, err := reader.GetUint32()
		if err != nil {
			return err
		}
		paramOids[i] = v
	}

	if err := requireSingleStatement(query); err != nil {
		return ErrorCode(writer, err)
	}

	compiled, err := srv.Engine.Compile(ctx, query)
	if err != nil {
		return ErrorCode(writer, err)
	}

	stmt := &PreparedStatement{
		Name:      name,
		SQL:       query,
		Compiled:  compiled,
		ParamOids: paramOids,
	}
	if compiled.Cursor != nil {
		stmt.DescribedColumns = compiled.Cursor.Metadata().Columns
	}

	sess.DefineStatement(name, stmt)

	writer.Start(types.ServerParseComplete)
	return writer.End()
}

func (srv *Server) handleDescribe(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := SessionFromContext(ctx)

	d, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming describe request", slog.String("type", types.DescribeMessage(d[0]).String()), slog.String("name", name))

	switch types.DescribeMessage(d[0]) {
	case types.DescribeStatement:
		stmt, err := sess.Statement(name)
		if err != nil {
			return ErrorCode(writer, err)
		}

		err = writeParameterDescription(writer, stmt.ParamOids)
		if err != nil {
			return err
		}

		return writeColumnDescription(ctx, writer, nil, resultColumns(stmt.Compiled))
	case types.DescribePortal:
		portal, err := sess.Portal(name)
		if err != nil {
			return ErrorCode(writer, err)
		}

		return writeColumnDescription(ctx, writer, portal.ResultFormats, resultColumns(portal.Statement.Compiled))
	}

	return ErrorCode(writer, fmt.Errorf("unknown describe command: %s", string(d[0])))
}

func resultColumns(compiled CompiledStatement) Columns {
	if compiled.Cursor == nil {
		return nil
	}
	return compiled.Cursor.Metadata().Columns
}

// https://www.postgresql.org/docs/15/protocol-message-formats.html
func writeParameterDescription(writer *buffer.Writer, paramOids []uint32) error {
	writer.Start(types.ServerParameterDescription)
	writer.AddInt16(int16(len(paramOids)))

	for _, o := range paramOids {
		writer.AddInt32(int32(o))
	}

	return writer.End()
}

// writeColumnDescription writes the statement column descriptions back to
// the writer buffer.
func writeColumnDescription(ctx context.Context, writer *buffer.Writer, formats []FormatCode, columns Columns) error {
	return columns.Define(ctx, writer, formats)
}

func (srv *Server) handleBind(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return ErrorCode(writer, NewErrUnimplementedMessageType(types.ClientBind))
	}

	portalName, err := reader.GetString()
	if err != nil {
		return err
	}

	statementName, err := reader.GetString()
	if err != nil {
		return err
	}

	rawParams, paramFormats, err := srv.readParameters(reader)
	if err != nil {
		return err
	}

	resultFormats, err := srv.readColumnTypes(reader)
	if err != nil {
		return err
	}

	stmt, err := sess.Statement(statementName)
	if err != nil {
		return ErrorCode(writer, err)
	}

	binder := NewBinder(TypeMap(ctx))
	bound := make([]BoundParam, len(rawParams))
	for i, raw := range rawParams {
		format, err := ReconcileFormat(paramFormats, i, len(rawParams))
		if err != nil {
			return ErrorCode(writer, err)
		}

		var clientOid, inferredOid uint32
		if i < len(stmt.ParamOids) {
			clientOid = stmt.ParamOids[i]
		}
		if i < len(stmt.Compiled.ParamTypes) {
			inferredOid = stmt.Compiled.ParamTypes[i]
		}

		param, err := binder.Bind(i, Reconcile(clientOid, inferredOid), format, raw)
		if err != nil {
			return ErrorCode(writer, err)
		}
		bound[i] = param
	}

	portal := &Portal{
		Name:          portalName,
		Statement:     stmt,
		Params:        bound,
		ResultFormats: resultFormats,
	}

	err = sess.BindPortal(portalName, portal)
	if err != nil {
		return ErrorCode(writer, err)
	}

	writer.Start(types.ServerBindComplete)
	return writer.End()
}

// readParameters reads the parameter format-code list and the raw
// parameter byte values from a BIND message.
// https://www.postgresql.org/docs/14/protocol-message-formats.html
func (srv *Server) readParameters(reader *buffer.Reader) ([][]byte, []FormatCode, error) {
	formatCount, err := reader.GetUint16()
	if err != nil {
		return nil, nil, err
	}

	formats := make([]FormatCode, formatCount)
	for i := uint16(0); i < formatCount; i++ {
		format, err := reader.GetUint16()
		if err != nil {
			return nil, nil, err
		}
		formats[i] = FormatCode(format)
	}

	valueCount, err := reader.GetUint16()
	if err != nil {
		return nil, nil, err
	}

	// Each parameter value is staged through an Arena before it is handed
	// to the binder, rather than keeping a reference straight into the
	// connection's read buffer: the arena is the one owner of the raw BIND
	// payload bytes once GetBytes has pulled them off the wire.
	var a arena.Arena
	values := make([][]byte, valueCount)
	for i := 0; i < int(valueCount); i++ {
		length, err := reader.GetInt32()
		if err != nil {
			return nil, nil, err
		}

		if length < 0 {
			continue // NULL parameter
		}

		chunk, err := reader.GetBytes(int(length))
		if err != nil {
			return nil, nil, err
		}

		a.Reset(int(length))
		if _, _, err := a.Ingest(chunk); err != nil {
			return nil, nil, err
		}
		if !a.Complete() {
			return nil, nil, fmt.Errorf("bind parameter %d: got %d of %d declared bytes", i, a.Len(), length)
		}

		values[i] = append([]byte(nil), a.Slice()...)
	}

	return values, formats, nil
}

func (srv *Server) readColumnTypes(reader *buffer.Reader) ([]FormatCode, error) {
	length, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	columns := make([]FormatCode, length)
	for i := uint16(0); i < length; i++ {
		format, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		columns[i] = FormatCode(format)
	}

	return columns, nil
}

// handleExecute runs the named portal and returns whether it suspended
// (true) rather than completing a full command cycle.
func (srv *Server) handleExecute(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) (bool, error) {
	sess := SessionFromContext(ctx)
	if sess == nil || srv.Engine == nil {
		return false, ErrorCode(writer, NewErrUnimplementedMessageType(types.ClientExecute))
	}

	name, err := reader.GetString()
	if err != nil {
		return false, err
	}

	maxRows, err := reader.GetUint32()
	if err != nil {
		return false, err
	}

	srv.logger.Debug("executing", slog.String("name", name), slog.Uint64("limit", uint64(maxRows)))

	portal, err := sess.Portal(name)
	if err != nil {
		return false, ErrorCode(writer, err)
	}

	dispatcher := NewDispatcher(srv.Engine, srv.WriterSource, NewBinder(TypeMap(ctx)), NewSerializer(TypeMap(ctx), srv.MaxBlobSize), srv.MaxRecompileAttempts, srv.Metrics)

	writer.ResetBudget()
	if srv.OutputBufferSize > 0 {
		writer.SetBudget(srv.OutputBufferSize)
	}

	outcome, err := dispatcher.Execute(ctx, sess, writer, portal, int(maxRows))
	if err != nil {
		return false, ErrorCode(writer, err)
	}

	if srv.Metrics != nil {
		srv.Metrics.CommandsTotal.WithLabelValues(portal.Statement.Compiled.Kind.String()).Inc()
	}

	if outcome.Suspend {
		writer.Start(types.ServerPortalSuspended)
		return true, writer.End()
	}

	return false, commandComplete(writer, outcome.Tag)
}

func (srv *Server) handleClose(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	sess := SessionFromContext(ctx)

	d, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	if sess != nil {
		switch types.DescribeMessage(d[0]) {
		case types.DescribeStatement:
			err = sess.CloseStatement(name)
		case types.DescribePortal:
			err = sess.ClosePortal(name)
		}
		if err != nil {
			return ErrorCode(writer, err)
		}
	}

	writer.Start(types.ServerCloseComplete)
	return writer.End()
}

func (srv *Server) handleConnTerminate(ctx context.Context) error {
	if srv.TerminateConn == nil {
		return nil
	}

	return srv.TerminateConn(ctx)
}
