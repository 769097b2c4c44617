package wire

import (
	"bytes"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsdbwire/pgentry/pkg/mock"
	"github.com/tsdbwire/pgentry/pkg/types"
)

func TestWriteRowDescriptionEmptyColumnsWritesNoData(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	require.NoError(t, WriteRowDescription(writer, nil, nil))

	reader := mock.NewReader(t, out)
	typ, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerNoData, typ)
}

func TestWriteRowDescriptionColumns(t *testing.T) {
	t.Parallel()

	columns := Columns{{Name: "id", Oid: oid.T_int4}}
	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	require.NoError(t, WriteRowDescription(writer, columns, []FormatCode{TextFormat}))

	reader := mock.NewReader(t, out)
	typ, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerRowDescription, typ)

	count, err := reader.GetUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), count)
}

func TestSerializerRowRejectsColumnCountMismatch(t *testing.T) {
	t.Parallel()

	ser := NewSerializer(pgtype.NewMap(), 0)
	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer

	err := ser.Row(writer, Columns{{Name: "id", Oid: oid.T_int4}}, []FormatCode{TextFormat}, []any{1, 2})
	assert.Error(t, err)
}

func TestSerializerRowNullValue(t *testing.T) {
	t.Parallel()

	ser := NewSerializer(pgtype.NewMap(), 0)
	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	columns := Columns{{Name: "id", Oid: oid.T_int4}}

	require.NoError(t, ser.Row(writer, columns, []FormatCode{TextFormat}, []any{nil}))

	reader := mock.NewReader(t, out)
	typ, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerDataRow, typ)

	count, err := reader.GetUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), count)

	length, err := reader.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-1), length)
}

func TestSerializerRowUnknownTypeFallsBackToString(t *testing.T) {
	t.Parallel()

	ser := NewSerializer(pgtype.NewMap(), 0)
	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	columns := Columns{{Name: "balance", Oid: oid.T_numeric}}

	require.NoError(t, ser.Row(writer, columns, []FormatCode{TextFormat}, []any{"256.23"}))

	reader := mock.NewReader(t, out)
	_, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)

	_, err = reader.GetUint16()
	require.NoError(t, err)

	length, err := reader.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(len("256.23")), length)

	value, err := reader.GetBytes(int(length))
	require.NoError(t, err)
	assert.Equal(t, "256.23", string(value))
}

func TestSerializerRowTooLarge(t *testing.T) {
	t.Parallel()

	ser := NewSerializer(pgtype.NewMap(), 2)
	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	columns := Columns{{Name: "balance", Oid: oid.T_numeric}}

	err := ser.Row(writer, columns, []FormatCode{TextFormat}, []any{"256.23"})
	assert.ErrorIs(t, err, ErrRowTooLarge)
}

func TestSerializerGeohashRoundTrip(t *testing.T) {
	t.Parallel()

	ser := NewSerializer(pgtype.NewMap(), 0)
	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	columns := Columns{{Name: "hash", Oid: T_geohash32, GeoBits: 32}}

	require.NoError(t, ser.Row(writer, columns, []FormatCode{BinaryFormat}, []any{uint64(256)}))

	reader := mock.NewReader(t, out)
	_, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	_, err = reader.GetUint16()
	require.NoError(t, err)

	length, err := reader.GetInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(4), length)

	value, err := reader.GetBytes(int(length))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 0}, value)
}
