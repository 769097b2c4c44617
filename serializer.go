package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/tsdbwire/pgentry/pkg/buffer"
	"github.com/tsdbwire/pgentry/pkg/types"
)

// ErrRowTooLarge is returned by Serializer.Row when an encoded column value
// exceeds the configured maximum blob size.
var ErrRowTooLarge = errors.New("row exceeds maximum output size")

// Serializer encodes decoded row values back onto the wire as DataRow
// messages, honoring the per-column format codes reconciled for the active
// portal and the configured blob-size ceiling.
type Serializer struct {
	types       *pgtype.Map
	maxBlobSize int
}

// NewSerializer constructs a Serializer. maxBlobSize bounds any single
// encoded column value; a non-positive value disables the check.
func NewSerializer(tm *pgtype.Map, maxBlobSize int) *Serializer {
	return &Serializer{types: tm, maxBlobSize: maxBlobSize}
}

// WriteRowDescription writes the RowDescription message describing columns,
// using the reconciled per-column format codes.
func WriteRowDescription(writer *buffer.Writer, columns Columns, formats []FormatCode) error {
	if len(columns) == 0 {
		writer.Start(types.ServerNoData)
		return writer.End()
	}

	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(columns)))

	for i, col := range columns {
		writer.AddString(col.Name)
		writer.AddNullTerminate()
		writer.AddInt32(col.Table)
		writer.AddInt16(col.AttrNo)
		writer.AddInt32(int32(col.Oid))
		writer.AddInt16(col.Width)
		writer.AddInt32(col.TypeModifier)
		writer.AddInt16(int16(formats[i]))
	}

	return writer.End()
}

// Row encodes a single decoded row as a DataRow message. On a mid-row
// failure (encode error or a value exceeding maxBlobSize) the in-progress
// frame is rolled back to the bookmark taken right after Start, so nothing
// partially encoded ever reaches End/flush.
func (s *Serializer) Row(writer *buffer.Writer, columns Columns, formats []FormatCode, values []any) error {
	if len(values) != len(columns) {
		return fmt.Errorf("row has %d values, expected %d columns", len(values), len(columns))
	}

	writer.Start(types.ServerDataRow)
	mark := writer.Bookmark()
	writer.AddInt16(int16(len(values)))

	for i, value := range values {
		if value == nil {
			writer.AddInt32(-1)
			continue
		}

		encoded, err := s.encode(columns[i], formats[i], value)
		if err != nil {
			writer.ResetToBookmark(mark)
			return fmt.Errorf("column %d (%s): %w", i, columns[i].Name, err)
		}

		if s.maxBlobSize > 0 && len(encoded) > s.maxBlobSize {
			writer.ResetToBookmark(mark)
			return fmt.Errorf("%w: column %d exceeds %d bytes", ErrRowTooLarge, i, s.maxBlobSize)
		}

		writer.AddInt32(int32(len(encoded)))
		writer.AddBytes(encoded)
	}

	return writer.End()
}

func (s *Serializer) encode(col Column, format FormatCode, value any) ([]byte, error) {
	if col.GeoBits > 0 {
		return encodeGeohash(col.GeoBits, value)
	}

	typed, has := s.types.TypeForOID(uint32(col.Oid))
	if !has {
		return []byte(fmt.Sprintf("%v", value)), nil
	}

	plan := typed.Codec.PlanEncode(s.types, typed.OID, int16(format), value)
	if plan == nil {
		return []byte(fmt.Sprintf("%v", value)), nil
	}

	return plan.Encode(value, nil)
}

func encodeGeohash(bits int16, value any) ([]byte, error) {
	v, ok := value.(uint64)
	if !ok {
		return nil, fmt.Errorf("expected uint64 geohash value, got %T", value)
	}

	switch bits {
	case 8:
		return []byte{byte(v)}, nil
	case 16:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(v))
		return buf, nil
	case 32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(v))
		return buf, nil
	case 64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported geohash precision %d", bits)
	}
}
