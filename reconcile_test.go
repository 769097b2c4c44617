package wire

import (
	"testing"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
)

func TestReconcilePrefersClientOid(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(oid.T_int4), Reconcile(uint32(oid.T_int4), uint32(oid.T_text)))
}

func TestReconcileFallsBackToInferred(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(oid.T_text), Reconcile(0, uint32(oid.T_text)))
}

func TestReconcileDefaultsToUnknown(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(oid.T_unknown), Reconcile(0, 0))
}

func TestReconcileVoidFallsBackToInferred(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(oid.T_text), Reconcile(uint32(oid.T_void), uint32(oid.T_text)))
}

func TestReconcileVoidWithNoInferredDefaultsToUnknown(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(oid.T_unknown), Reconcile(uint32(oid.T_void), 0))
}

func TestReconcileFormatEmptyListDefaultsText(t *testing.T) {
	t.Parallel()

	format, err := ReconcileFormat(nil, 0, 3)
	assert.NoError(t, err)
	assert.Equal(t, TextFormat, format)
}

func TestReconcileFormatSingleCodeBroadcasts(t *testing.T) {
	t.Parallel()

	format, err := ReconcileFormat([]FormatCode{BinaryFormat}, 2, 3)
	assert.NoError(t, err)
	assert.Equal(t, BinaryFormat, format)
}

func TestReconcileFormatPerParameter(t *testing.T) {
	t.Parallel()

	codes := []FormatCode{TextFormat, BinaryFormat}
	format, err := ReconcileFormat(codes, 1, 2)
	assert.NoError(t, err)
	assert.Equal(t, BinaryFormat, format)
}

func TestReconcileFormatMismatchedCount(t *testing.T) {
	t.Parallel()

	_, err := ReconcileFormat([]FormatCode{TextFormat, BinaryFormat}, 0, 3)
	assert.Error(t, err)
}

func TestReconcileColumnFormatsGeohashForcesBinary(t *testing.T) {
	t.Parallel()

	columns := Columns{
		{Name: "plain", Oid: oid.T_text},
		{Name: "hash", Oid: oid.T_int8, GeoBits: 32},
	}

	formats, err := ReconcileColumnFormats(nil, columns)
	assert.NoError(t, err)
	assert.Equal(t, []FormatCode{TextFormat, BinaryFormat}, formats)
}
