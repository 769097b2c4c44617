package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
	"github.com/tsdbwire/pgentry/codes"
	pgerror "github.com/tsdbwire/pgentry/errors"
)

// Binder decodes a BIND message's raw parameter arena into BoundParam
// values, using the OID reconciled for each slot by reconcile.go. Decoding
// of builtin types is delegated to pgx's pgtype codec registry, the same
// collaborator copy.go already leans on for COPY BINARY/TEXT scanning, so a
// single type map backs both paths.
type Binder struct {
	types *pgtype.Map
}

// NewBinder constructs a Binder backed by the given type map.
func NewBinder(types *pgtype.Map) *Binder {
	return &Binder{types: types}
}

// Bind decodes a single parameter value. format is the wire format code
// (text or binary) negotiated for this slot; raw is nil for a SQL NULL.
func (b *Binder) Bind(index int, paramOid uint32, format FormatCode, raw []byte) (BoundParam, error) {
	if raw == nil {
		return BoundParam{Oid: paramOid, Null: true}, nil
	}

	if bits, ok := GeoPrecisionBits(oid.Oid(paramOid)); ok {
		value, err := decodeGeohash(bits, format, raw)
		if err != nil {
			return BoundParam{}, pgerror.WithVariableIndex(
				pgerror.WithCode(err, codes.InvalidTextRepresentation), index)
		}

		return BoundParam{Oid: paramOid, Value: value, Raw: raw}, nil
	}

	typed, has := b.types.TypeForOID(paramOid)
	if !has {
		// Unknown to the registry: hand back the raw bytes untouched, the
		// default UTF-8 string behaviour for text format, and the raw bytes
		// for binary — this matches the spec's "default UTF-8 string"
		// fallback for unrecognised bind types.
		if format == BinaryFormat {
			return BoundParam{Oid: paramOid, Value: append([]byte(nil), raw...), Raw: raw}, nil
		}

		return BoundParam{Oid: paramOid, Value: string(raw), Raw: raw}, nil
	}

	value, err := typed.Codec.DecodeValue(b.types, typed.OID, int16(format), raw)
	if err != nil {
		return BoundParam{}, pgerror.WithVariableIndex(
			pgerror.WithCode(fmt.Errorf("parameter $%d: %w", index+1, err), codes.InvalidTextRepresentation), index)
	}

	return BoundParam{Oid: paramOid, Value: value, Raw: raw}, nil
}

func decodeGeohash(bits int16, format FormatCode, raw []byte) (uint64, error) {
	if format == TextFormat {
		return 0, fmt.Errorf("geohash text-format parameters are not supported")
	}

	switch bits {
	case 8:
		if len(raw) != 1 {
			return 0, fmt.Errorf("geohash(8) expects 1 byte, got %d", len(raw))
		}
		return uint64(raw[0]), nil
	case 16:
		if len(raw) != 2 {
			return 0, fmt.Errorf("geohash(16) expects 2 bytes, got %d", len(raw))
		}
		return uint64(binary.BigEndian.Uint16(raw)), nil
	case 32:
		if len(raw) != 4 {
			return 0, fmt.Errorf("geohash(32) expects 4 bytes, got %d", len(raw))
		}
		return uint64(binary.BigEndian.Uint32(raw)), nil
	case 64:
		if len(raw) != 8 {
			return 0, fmt.Errorf("geohash(64) expects 8 bytes, got %d", len(raw))
		}
		return binary.BigEndian.Uint64(raw), nil
	default:
		return 0, fmt.Errorf("unsupported geohash precision %d", bits)
	}
}
