package wire

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsdbwire/pgentry/pkg/mock"
)

type sliceCursor struct {
	rows  [][]any
	pos   int
	pause error
}

func (c *sliceCursor) Advance(ctx context.Context) (bool, error) {
	if c.pause != nil && c.pos == 1 {
		return false, c.pause
	}
	if c.pos >= len(c.rows) {
		return false, nil
	}
	c.pos++
	return true, nil
}

func (c *sliceCursor) Values() []any { return c.rows[c.pos-1] }
func (c *sliceCursor) Close() error  { return nil }

func streamColumns() Columns {
	return Columns{{Name: "id", Oid: oid.T_int4}}
}

func TestStreamExhaustsCursor(t *testing.T) {
	t.Parallel()

	cur := &sliceCursor{rows: [][]any{{int32(1)}, {int32(2)}, {int32(3)}}}
	columns := streamColumns()
	formats := []FormatCode{TextFormat}

	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	ser := NewSerializer(pgtype.NewMap(), 0)

	result, err := Stream(context.Background(), writer, ser, cur, columns, formats, 0)
	require.NoError(t, err)
	assert.True(t, result.Done)
	assert.Equal(t, 3, result.RowsSent)
	assert.Equal(t, PauseNone, result.Reason)
}

func TestStreamStopsAtMaxRows(t *testing.T) {
	t.Parallel()

	cur := &sliceCursor{rows: [][]any{{int32(1)}, {int32(2)}, {int32(3)}}}
	columns := streamColumns()
	formats := []FormatCode{TextFormat}

	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	ser := NewSerializer(pgtype.NewMap(), 0)

	result, err := Stream(context.Background(), writer, ser, cur, columns, formats, 2)
	require.NoError(t, err)
	assert.False(t, result.Done)
	assert.Equal(t, 2, result.RowsSent)
	assert.Equal(t, PauseBatchLimit, result.Reason)
}

func TestStreamPropagatesColdStoragePause(t *testing.T) {
	t.Parallel()

	cur := &sliceCursor{rows: [][]any{{int32(1)}, {int32(2)}}, pause: ErrCursorPaused}
	columns := streamColumns()
	formats := []FormatCode{TextFormat}

	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	ser := NewSerializer(pgtype.NewMap(), 0)

	result, err := Stream(context.Background(), writer, ser, cur, columns, formats, 0)
	require.NoError(t, err)
	assert.Equal(t, PauseColdStorage, result.Reason)
	assert.Equal(t, 1, result.RowsSent)
}

func TestStreamPropagatesAdvanceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("cold storage fetch failed")
	cur := &sliceCursor{rows: [][]any{{int32(1)}, {int32(2)}}, pause: boom}
	columns := streamColumns()
	formats := []FormatCode{TextFormat}

	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	ser := NewSerializer(pgtype.NewMap(), 0)

	_, err := Stream(context.Background(), writer, ser, cur, columns, formats, 0)
	assert.ErrorIs(t, err, boom)
}
