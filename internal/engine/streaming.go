package engine

import (
	"context"
	"time"

	"github.com/odbcx/engine/internal/errmodel"
	"github.com/odbcx/engine/internal/odbcenv"
	"github.com/odbcx/engine/internal/wire"
)

// StreamQuery executes sql with a forward-only cursor and registers a
// stream keyed by a fresh id. The owning connection stays Busy until
// CloseStream.
func (e *Engine) StreamQuery(ctx context.Context, connID int64, sql string, params []wire.ParamValue, chunkRows int, opts Options) (int64, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveLatency("stream_query", time.Since(start)) }()

	if chunkRows <= 0 {
		return 0, errmodel.Synthetic(errmodel.Validation, "stream_query: chunk_rows must be positive")
	}
	if err := e.checkGuard(sql); err != nil {
		return 0, err
	}

	rec, err := e.lookup(connID)
	if err != nil {
		return 0, err
	}
	if err := rec.beginOp(); err != nil {
		return 0, err
	}
	// Busy is held open for the lifetime of the stream rather than
	// released at the end of this call; only an error path reverts it.
	opened := false
	defer func() {
		if !opened {
			rec.endOp(false)
		}
	}()

	conn := rec.lease.Conn
	if err := conn.SetStatementTimeout(opts.TimeoutMS); err != nil {
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		rec.endOp(ee.Category == errmodel.ConnectionLost)
		opened = true
		return 0, ee
	}

	stmt, err := conn.Prepare(ctx, sql)
	if err != nil {
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		rec.endOp(ee.Category == errmodel.ConnectionLost)
		opened = true
		return 0, ee
	}

	cursorName := newStreamCursorName()
	if err := stmt.BindParams(params); err != nil {
		stmt.Close()
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		rec.endOp(ee.Category == errmodel.ConnectionLost)
		opened = true
		return 0, ee
	}
	if err := stmt.OpenCursor(ctx, cursorName); err != nil {
		stmt.Close()
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		rec.endOp(ee.Category == errmodel.ConnectionLost)
		opened = true
		return 0, ee
	}
	if err := stmt.Execute(ctx); err != nil {
		stmt.Close()
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		rec.endOp(ee.Category == errmodel.ConnectionLost)
		opened = true
		return 0, ee
	}
	cols, err := stmt.Columns()
	if err != nil {
		stmt.Close()
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		rec.endOp(ee.Category == errmodel.ConnectionLost)
		opened = true
		return 0, ee
	}

	rec.mu.Lock()
	streamID := rec.nextStream()
	rec.streams[streamID] = &stream{stmt: stmt, cursorName: cursorName, chunkRows: chunkRows, columns: cols}
	rec.mu.Unlock()

	opened = true
	e.metrics.QueriesExecuted.Inc()
	return streamID, nil
}

// NextChunk fetches up to chunk_rows rows and encodes them as a
// self-contained ResultBuffer that repeats header and column metadata.
func (e *Engine) NextChunk(ctx context.Context, connID, streamID int64) (*wire.ResultSet, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveLatency("next_chunk", time.Since(start)) }()

	rec, err := e.lookup(connID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	st, ok := rec.streams[streamID]
	broken := rec.state == Broken
	rec.mu.Unlock()
	if broken {
		return nil, errmodel.Synthetic(errmodel.ConnectionLost, "connection is broken")
	}
	if !ok {
		return nil, ErrInvalidHandle
	}
	if st.done {
		return nil, EndOfStream
	}

	rows, fetchErr := st.stmt.FetchChunk(ctx, st.chunkRows)
	if rec.consumeCancelFlag() {
		return nil, ErrCancelled
	}
	if fetchErr != nil {
		conn := rec.lease.Conn
		ee := classifyDriverErr(conn, fetchErr)
		rec.recordError(ee)
		if ee.Category == errmodel.ConnectionLost {
			rec.mu.Lock()
			rec.state = Broken
			rec.mu.Unlock()
		}
		return nil, ee
	}

	if len(rows) == 0 {
		rec.mu.Lock()
		st.done = true
		rec.mu.Unlock()
		return nil, EndOfStream
	}

	e.metrics.StreamChunks.Inc()
	return &wire.ResultSet{Columns: st.columns, Rows: rows}, nil
}

// CloseStream closes the stream's statement handle, removes it from
// the connection's stream map, and returns the connection to Idle.
func (e *Engine) CloseStream(connID, streamID int64) error {
	rec, err := e.lookup(connID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	st, ok := rec.streams[streamID]
	if ok {
		delete(rec.streams, streamID)
	}
	rec.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}

	st.stmt.Close()
	rec.endOp(false)
	return nil
}

// Cancel requests driver-level cancellation of the connection's active
// statement and sets the cancellation flag so the in-flight op returns
// ErrCancelled at its next driver interaction (surfaced as boundary
// code Cancelled). Drivers whose capability entry marks SupportsCancel
// false are rejected up front, without touching the driver at all.
// Cancel is edge-triggered and idempotent.
func (e *Engine) Cancel(connID int64) error {
	rec, err := e.lookup(connID)
	if err != nil {
		return err
	}

	if !odbcenv.Capabilities(rec.identity.Driver).SupportsCancel {
		return ErrUnsupported
	}

	rec.mu.Lock()
	rec.cancelFlag = true
	rec.mu.Unlock()

	conn := rec.lease.Conn
	if err := conn.Cancel(); err != nil {
		return ErrUnsupported
	}
	return nil
}
