package wire

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsdbwire/pgentry/pkg/mock"
	"github.com/tsdbwire/pgentry/pkg/types"
)

func TestSyncTrackerIdleStatus(t *testing.T) {
	t.Parallel()

	sess := NewSession()
	tracker := NewSyncTracker(sess)

	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer

	require.NoError(t, tracker.Sync(writer))

	reader := mock.NewReader(t, out)
	typ, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	assert.Equal(t, types.ServerReady, typ)

	status, err := reader.GetBytes(1)
	require.NoError(t, err)
	assert.Equal(t, byte(types.ServerIdle), status[0])
}

func TestSyncTrackerInTransactionStatus(t *testing.T) {
	t.Parallel()

	sess := NewSession()
	sess.Begin()
	tracker := NewSyncTracker(sess)
	tracker.onParsed()

	assert.Equal(t, types.ServerInTransaction, tracker.status())
}

func TestSyncTrackerErroredInTransactionStatus(t *testing.T) {
	t.Parallel()

	sess := NewSession()
	sess.Begin()
	tracker := NewSyncTracker(sess)
	tracker.onError(context.Background())

	assert.Equal(t, types.ServerInFailedTransaction, tracker.status())
	assert.True(t, tracker.InErrorRecovery())
}

func TestSyncTrackerErrorRollsBackPendingWriters(t *testing.T) {
	t.Parallel()

	sess := NewSession()
	sess.Begin()
	w := &fakeWriter{table: "metrics"}
	sess.SetPendingWriter("metrics", w)

	tracker := NewSyncTracker(sess)
	tracker.onError(context.Background())

	assert.True(t, w.rolledBack)
	assert.False(t, sess.InTransaction())
}

func TestSyncResetsStateToIdle(t *testing.T) {
	t.Parallel()

	sess := NewSession()
	tracker := NewSyncTracker(sess)
	tracker.onError(context.Background())
	assert.True(t, tracker.InErrorRecovery())

	out := &bytes.Buffer{}
	writer := mock.NewWriter(t, out).Writer
	require.NoError(t, tracker.Sync(writer))

	assert.False(t, tracker.InErrorRecovery())
	assert.Equal(t, types.ServerIdle, tracker.status())
}

func TestSyncTrackerExecutedSuspended(t *testing.T) {
	t.Parallel()

	sess := NewSession()
	tracker := NewSyncTracker(sess)
	tracker.onExecuted(true)
	assert.Equal(t, stateSuspended, tracker.state)

	tracker.onExecuted(false)
	assert.Equal(t, stateExecuted, tracker.state)
}
