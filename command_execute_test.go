package wire

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsdbwire/pgentry/pkg/buffer"
	"github.com/tsdbwire/pgentry/pkg/mock"
	"github.com/tsdbwire/pgentry/pkg/types"
)

// greetingCursorFactory backs a "select greeting" statement that yields a
// single "Hello World" row, or fails up front if errOnCursor is set.
type greetingCursorFactory struct {
	errOnCursor error
}

func (f *greetingCursorFactory) Cursor(ctx context.Context, params []BoundParam) (Cursor, error) {
	if f.errOnCursor != nil {
		return nil, f.errOnCursor
	}
	return &greetingCursor{}, nil
}

func (f *greetingCursorFactory) Metadata() ResultMetadata {
	return ResultMetadata{Columns: Columns{{Name: "greeting", Oid: oid.T_text}}}
}

func (f *greetingCursorFactory) Close() error { return nil }

type greetingCursor struct{ done bool }

func (c *greetingCursor) Advance(ctx context.Context) (bool, error) {
	if c.done {
		return false, nil
	}
	c.done = true
	return true, nil
}

func (c *greetingCursor) Values() []any { return []any{"Hello World"} }
func (c *greetingCursor) Close() error  { return nil }

func TestHandleExecuteSuccess(t *testing.T) {
	t.Parallel()

	logger := slogt.New(t)
	ctx := bindTestContext()

	compile := func(ctx context.Context, query string) (CompiledStatement, error) {
		return CompiledStatement{Kind: StatementSelect, Cursor: &greetingCursorFactory{}}, nil
	}
	srv := newParseTestServer(t, compile)

	outBuf := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, outBuf)

	require.NoError(t, srv.handleParse(ctx, mock.NewParseReader(t, logger, "stmt1", "SELECT 'Hello World'", 0), writer))
	require.NoError(t, srv.handleBind(ctx, mock.NewBindReader(t, logger, "portal1", "stmt1", 0, 0, 0), writer))
	require.NoError(t, srv.handleDescribe(ctx, mock.NewDescribeReader(t, logger, types.DescribePortal, "portal1"), writer))

	suspended, err := srv.handleExecute(ctx, mock.NewExecuteReader(t, logger, "portal1", 0), writer)
	require.NoError(t, err)
	assert.False(t, suspended)

	tracker := NewSyncTracker(SessionFromContext(ctx))
	require.NoError(t, tracker.Sync(writer))

	responseReader := mock.NewReader(t, outBuf)

	msgType, _, err := responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerParseComplete, msgType)

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerBindComplete, msgType)

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerRowDescription, msgType)

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerDataRow, msgType)

	colCount, err := responseReader.GetUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), colCount)

	colLen, err := responseReader.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(11), colLen)

	val, err := responseReader.GetBytes(11)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", string(val))

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerCommandComplete, msgType)

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerReady, msgType)

	_, _, err = responseReader.ReadTypedMsg()
	require.Error(t, err)
}

func TestHandleExecuteStatementError(t *testing.T) {
	t.Parallel()

	logger := slogt.New(t)
	ctx := bindTestContext()

	stmtErr := errors.New("statement failed")
	compile := func(ctx context.Context, query string) (CompiledStatement, error) {
		return CompiledStatement{Kind: StatementSelect, Cursor: &greetingCursorFactory{errOnCursor: stmtErr}}, nil
	}
	srv := newParseTestServer(t, compile)

	outBuf := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, outBuf)

	require.NoError(t, srv.handleParse(ctx, mock.NewParseReader(t, logger, "stmt1", "SELECT 1", 0), writer))
	require.NoError(t, srv.handleBind(ctx, mock.NewBindReader(t, logger, "err_portal", "stmt1", 0, 0, 0), writer))

	_, err := srv.handleExecute(ctx, mock.NewExecuteReader(t, logger, "err_portal", 0), writer)
	require.NoError(t, err)

	tracker := NewSyncTracker(SessionFromContext(ctx))
	require.NoError(t, tracker.Sync(writer))

	responseReader := mock.NewReader(t, outBuf)
	msgType, _, err := responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerParseComplete, msgType)

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerBindComplete, msgType)

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerErrorResponse, msgType)

	msgType, _, err = responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerReady, msgType)
}

func TestHandleExecuteUnknownPortal(t *testing.T) {
	t.Parallel()

	logger := slogt.New(t)
	ctx := bindTestContext()

	srv := newParseTestServer(t, func(ctx context.Context, query string) (CompiledStatement, error) {
		return CompiledStatement{}, nil
	})

	outBuf := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, outBuf)

	_, err := srv.handleExecute(ctx, mock.NewExecuteReader(t, logger, "missing_portal", 0), writer)
	require.NoError(t, err)

	responseReader := mock.NewReader(t, outBuf)
	msgType, _, err := responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerErrorResponse, msgType)
}
