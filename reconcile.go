package wire

import (
	"fmt"

	"github.com/lib/pq/oid"
)

// Reconcile resolves the final OID for a single bind slot from the three
// sources that can each name a type: the client's declared OID from PARSE
// (clientOid, 0 if the client left it unspecified), the compiler's inferred
// type for that parameter position (inferredOid), and the format code list
// length sent with BIND relative to the parameter count (used only to
// detect a malformed message, not to pick a type).
//
// Precedence: an explicit, meaningfully-typed client OID always wins, since
// the client is telling us how it intends to encode the value. UNSPECIFIED
// (0) and VOID (oid.T_void) both mean "let the server infer" — VOID is the
// sentinel some clients send when they have no real type to declare, not a
// genuine request for the VOID type on a bind parameter. Otherwise fall back
// to what the compiler inferred. If neither is known the slot defaults to
// text (oid.T_unknown), matching real Postgres's behaviour for untyped
// params.
func Reconcile(clientOid, inferredOid uint32) uint32 {
	if clientOid != 0 && clientOid != uint32(oid.T_void) {
		return clientOid
	}

	if inferredOid != 0 {
		return inferredOid
	}

	return uint32(oid.T_unknown)
}

// ReconcileFormat derives the effective format code for slot i given the
// format-code list sent with BIND. Per the wire protocol the list may be
// empty (all text), contain exactly one code (broadcast to every slot), or
// contain exactly one code per parameter.
func ReconcileFormat(codes []FormatCode, i, total int) (FormatCode, error) {
	switch len(codes) {
	case 0:
		return TextFormat, nil
	case 1:
		return codes[0], nil
	default:
		if len(codes) != total {
			return TextFormat, fmt.Errorf("expected %d parameter format codes, got %d", total, len(codes))
		}
		return codes[i], nil
	}
}

// ReconcileColumnFormats derives the per-column result format codes from
// the format-code list sent with BIND, following the same broadcast rule
// as ReconcileFormat but applied to the result-set descriptor rather than
// the parameter list. Columns whose type forces binary (e.g. geohash)
// override a text default regardless of what the client requested.
func ReconcileColumnFormats(requested []FormatCode, columns Columns) ([]FormatCode, error) {
	out := make([]FormatCode, len(columns))

	for i, col := range columns {
		format, err := ReconcileFormat(requested, i, len(columns))
		if err != nil {
			return nil, err
		}

		if col.GeoBits > 0 {
			format = BinaryFormat
		}

		out[i] = format
	}

	return out, nil
}
