package wire

import (
	"context"

	"github.com/tsdbwire/pgentry/pkg/buffer"
	"github.com/tsdbwire/pgentry/pkg/types"
)

// syncState tracks the lifecycle of a single pipeline entry across the
// PARSE -> BIND -> DESCRIBE -> EXECUTE -> SYNC cycle. Each constant names
// the last message class successfully processed; SYNC always resets the
// state back to stateIdle regardless of where the cycle stopped, per the
// "resynchronization point" contract of the wire protocol.
type syncState int

const (
	stateIdle syncState = iota
	stateParsed
	stateBound
	stateDescribed
	stateExecuted
	stateSuspended
	stateErrored
)

// SyncTracker sequences a connection's extended-query cycle and derives the
// transaction status byte reported in ReadyForQuery.
type SyncTracker struct {
	state   syncState
	session *Session
}

// NewSyncTracker constructs a tracker bound to session for transaction
// status derivation.
func NewSyncTracker(session *Session) *SyncTracker {
	return &SyncTracker{session: session}
}

func (t *SyncTracker) onParsed()    { t.state = stateParsed }
func (t *SyncTracker) onBound()     { t.state = stateBound }
func (t *SyncTracker) onDescribed() { t.state = stateDescribed }
func (t *SyncTracker) onExecuted(suspended bool) {
	if suspended {
		t.state = stateSuspended
		return
	}
	t.state = stateExecuted
}

// onError flags the pipeline entry as errored and, inside an explicit
// transaction, immediately rolls back every pending writer: per the
// extended-query error contract the transaction is dead the moment an
// error occurs, not when a later ROLLBACK statement happens to arrive.
func (t *SyncTracker) onError(ctx context.Context) {
	t.state = stateErrored
	if t.session.InTransaction() {
		_ = t.session.EndTransaction(ctx, false)
	}
}

// status derives the ReadyForQuery transaction-status byte: errored pipeline
// entries are reported as a failed transaction when inside an explicit
// BEGIN block, otherwise plain idle/in-transaction.
func (t *SyncTracker) status() types.ServerStatus {
	switch {
	case t.state == stateErrored && t.session.InTransaction():
		return types.ServerInFailedTransaction
	case t.session.InTransaction():
		return types.ServerInTransaction
	default:
		return types.ServerIdle
	}
}

// Sync resets the cycle state to idle and writes ReadyForQuery with the
// current transaction status. It must be called exactly once per client
// Sync message, and exactly once after an error drains remaining messages
// up to the next Sync, matching "one and only one ReadyForQuery per Sync".
func (t *SyncTracker) Sync(writer *buffer.Writer) error {
	status := t.status()
	t.state = stateIdle
	return readyForQuery(writer, status)
}

// InErrorRecovery reports whether the tracker is in the post-error,
// pre-Sync state where incoming extended-query messages must be silently
// discarded until the next Sync arrives.
func (t *SyncTracker) InErrorRecovery() bool {
	return t.state == stateErrored
}
