package wire

import (
	"context"

	"github.com/lib/pq/oid"
	"github.com/tsdbwire/pgentry/pkg/buffer"
)

// Column represents a single result column exposed through RowDescription.
// It is the Go-level representation of the parse-time result-set descriptor
// the spec describes: an ordered (column_type, geohash bits) pair plus the
// OID/width metadata the wire protocol expects.
type Column struct {
	Table        int32
	Name         string
	AttrNo       int16
	Oid          oid.Oid
	Width        int16
	TypeModifier int32
	Format       FormatCode

	// GeoBits is non-zero for GEOHASH columns and records the number of
	// significant bits the stored hash occupies (8/16/32/64), mirroring the
	// columnar time-series engine's GEOHASH(n) types. A value of 0 means the
	// column carries an ordinary (non-geohash) type.
	GeoBits int16
}

// Columns is an ordered result-set descriptor, one Column per projected
// field, in projection order.
type Columns []Column

// Define writes a RowDescription (or NoData, if columns is empty) using
// the given per-column format codes, reconciling a nil/short slice against
// the broadcast rule the same way a BIND's result-format list does.
func (c Columns) Define(ctx context.Context, writer *buffer.Writer, formats []FormatCode) error {
	resolved, err := ReconcileColumnFormats(formats, c)
	if err != nil {
		return err
	}

	return WriteRowDescription(writer, c, resolved)
}

// Write encodes a single row of values as a DataRow message using the
// connection's type map (via TypeMap(ctx)) and the given per-column
// format codes.
func (c Columns) Write(ctx context.Context, formats []FormatCode, writer *buffer.Writer, values []any) error {
	resolved, err := ReconcileColumnFormats(formats, c)
	if err != nil {
		return err
	}

	ser := NewSerializer(TypeMap(ctx), 0)
	return ser.Row(writer, c, resolved, values)
}

// Equal reports whether c and other describe the same result set: same
// column count, names, and OIDs in the same order. Width/TypeModifier/
// Format are deliberately excluded since those can shift across a replan
// without the client-visible shape of the result set changing.
func (c Columns) Equal(other Columns) bool {
	if len(c) != len(other) {
		return false
	}

	for i := range c {
		if c[i].Name != other[i].Name || c[i].Oid != other[i].Oid {
			return false
		}
	}

	return true
}

// Geohash OIDs are allocated out of the "user defined type" range reserved
// by PostgreSQL (the 9xxx.x block is never assigned by upstream Postgres)
// so that a geohash column can still round-trip through the regular OID
// reconciliation path alongside builtin types.
const (
	T_geohash8  oid.Oid = 90008 // GEOHASH(8 bits), stored as 1 byte
	T_geohash16 oid.Oid = 90016 // GEOHASH(16 bits), stored as 2 bytes
	T_geohash32 oid.Oid = 90032 // GEOHASH(32 bits), stored as 4 bytes
	T_geohash64 oid.Oid = 90064 // GEOHASH(64 bits), stored as 8 bytes
)

// GeoPrecisionOID returns the geohash OID matching the given bit width, and
// whether that width is supported.
func GeoPrecisionOID(bits int16) (oid.Oid, bool) {
	switch bits {
	case 8:
		return T_geohash8, true
	case 16:
		return T_geohash16, true
	case 32:
		return T_geohash32, true
	case 64:
		return T_geohash64, true
	default:
		return 0, false
	}
}

// GeoPrecisionBits returns the bit width for a geohash OID, and whether the
// given OID is a geohash type at all.
func GeoPrecisionBits(o oid.Oid) (int16, bool) {
	switch o {
	case T_geohash8:
		return 8, true
	case T_geohash16:
		return 16, true
	case T_geohash32:
		return 32, true
	case T_geohash64:
		return 64, true
	default:
		return 0, false
	}
}
