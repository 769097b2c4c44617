package wire

import (
	"context"
	"errors"

	"github.com/tsdbwire/pgentry/pkg/buffer"
)

// ErrCursorPaused is a control-flow signal, not a failure: a Cursor's Advance
// returns it when it cannot produce the next row yet (e.g. a cold-storage
// wait). Stream reports it as PauseColdStorage, and the EXECUTE ends with
// PortalSuspended until the client sends another EXECUTE. Batch-limit and
// buffer-budget pauses are reported by Stream directly, without this error.
var ErrCursorPaused = errors.New("cursor paused")

// PauseReason distinguishes why a Stream call stopped short of exhausting
// the cursor. The caller writes PortalSuspended for every reason other than
// PauseNone.
type PauseReason int

const (
	// PauseNone means the cursor ran out of rows; Stream returns done=true.
	PauseNone PauseReason = iota
	// PauseBatchLimit means the EXECUTE row-count limit (maxRows) was hit
	// before the cursor was exhausted; the caller writes PortalSuspended.
	PauseBatchLimit
	// PauseBufferFull means the output buffer budget was exhausted
	// mid-batch; the caller writes PortalSuspended exactly as PauseBatchLimit.
	PauseBufferFull
	// PauseColdStorage means the cursor's Advance call itself reported
	// ErrCursorPaused (e.g. blocked waiting on a cold-storage fetch); the
	// caller writes PortalSuspended exactly as for a batch/buffer pause, so
	// the client's next EXECUTE resumes the same portal once the data is
	// ready.
	PauseColdStorage
)

// StreamResult reports the outcome of a single Stream call.
type StreamResult struct {
	RowsSent int
	Reason   PauseReason
	Done     bool // true once the cursor is fully exhausted
}

// Stream pulls rows from cur and writes them as DataRow messages through
// ser, stopping at maxRows (0 means unbounded), at writer.OverBudget, or
// when the cursor itself signals a pause. A DataRow is only flushed to the
// connection once fully encoded (buffer.Writer.End), so a mid-row encoding
// failure never corrupts previously sent rows; the cursor's own position
// has already advanced past the failed row and it is not resent.
func Stream(ctx context.Context, writer *buffer.Writer, ser *Serializer, cur Cursor, columns Columns, formats []FormatCode, maxRows int) (StreamResult, error) {
	sent := 0

	for {
		if maxRows > 0 && sent >= maxRows {
			return StreamResult{RowsSent: sent, Reason: PauseBatchLimit}, nil
		}

		if writer.OverBudget() {
			return StreamResult{RowsSent: sent, Reason: PauseBufferFull}, nil
		}

		ok, err := cur.Advance(ctx)
		if err != nil {
			if errors.Is(err, ErrCursorPaused) {
				return StreamResult{RowsSent: sent, Reason: PauseColdStorage}, nil
			}
			return StreamResult{RowsSent: sent}, err
		}

		if !ok {
			return StreamResult{RowsSent: sent, Reason: PauseNone, Done: true}, nil
		}

		err = ser.Row(writer, columns, formats, cur.Values())
		if err != nil {
			return StreamResult{RowsSent: sent}, err
		}

		sent++
	}
}
