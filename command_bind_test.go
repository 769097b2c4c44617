package wire

import (
	"bytes"
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsdbwire/pgentry/pkg/buffer"
	"github.com/tsdbwire/pgentry/pkg/mock"
	"github.com/tsdbwire/pgentry/pkg/types"
)

func bindTestContext() context.Context {
	return setTypeInfo(setSession(context.Background(), NewSession()), pgtype.NewMap())
}

func TestHandleBindSuccess(t *testing.T) {
	t.Parallel()

	logger := slogt.New(t)
	ctx := bindTestContext()

	compile := func(ctx context.Context, query string) (CompiledStatement, error) {
		return CompiledStatement{Kind: StatementSelect, Cursor: parseTestCursor{}, ParamTypes: []uint32{uint32(oid.T_int4)}}, nil
	}
	srv := newParseTestServer(t, compile)

	err := srv.handleParse(ctx, mock.NewParseReader(t, logger, "test_stmt", "SELECT 1", 0), buffer.NewWriter(logger, &bytes.Buffer{}))
	require.NoError(t, err)

	outBuf := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, outBuf)

	reader := mock.NewBindReader(t, logger, "test_portal", "test_stmt", 0, 0, 0)
	err = srv.handleBind(ctx, reader, writer)
	require.NoError(t, err)

	responseReader := mock.NewReader(t, outBuf)
	msgType, _, err := responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerBindComplete, msgType)

	sess := SessionFromContext(ctx)
	portal, err := sess.Portal("test_portal")
	require.NoError(t, err)
	assert.Equal(t, "test_stmt", portal.Statement.Name)
}

func TestHandleBindUnknownStatement(t *testing.T) {
	t.Parallel()

	logger := slogt.New(t)
	ctx := bindTestContext()

	srv := newParseTestServer(t, func(ctx context.Context, query string) (CompiledStatement, error) {
		return CompiledStatement{}, nil
	})

	outBuf := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, outBuf)

	reader := mock.NewBindReader(t, logger, "test_portal", "unknown_stmt", 0, 0, 0)
	err := srv.handleBind(ctx, reader, writer)
	require.NoError(t, err)

	responseReader := mock.NewReader(t, outBuf)
	msgType, _, err := responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerErrorResponse, msgType)

	sess := SessionFromContext(ctx)
	_, err = sess.Portal("test_portal")
	assert.Error(t, err)
}

func TestHandleBindNoSession(t *testing.T) {
	t.Parallel()

	logger := slogt.New(t)
	ctx := setTypeInfo(context.Background(), pgtype.NewMap())

	srv := newParseTestServer(t, func(ctx context.Context, query string) (CompiledStatement, error) {
		return CompiledStatement{}, nil
	})

	outBuf := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, outBuf)

	reader := mock.NewBindReader(t, logger, "test_portal", "test_stmt", 0, 0, 0)
	err := srv.handleBind(ctx, reader, writer)
	require.NoError(t, err)

	responseReader := mock.NewReader(t, outBuf)
	msgType, _, err := responseReader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerErrorResponse, msgType)
}
