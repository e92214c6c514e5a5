package engine

import (
	"context"
	"strings"
	"time"

	"github.com/odbcx/engine/internal/errmodel"
	"github.com/odbcx/engine/internal/odbcenv"
	"github.com/odbcx/engine/internal/preparedcache"
	"github.com/odbcx/engine/internal/wire"
)

// EndOfStream is returned by NextChunk once a stream has no more rows.
var EndOfStream = errmodel.Synthetic(errmodel.Validation, "end of stream")

// sqlFingerprint normalizes SQL text for prepared-cache keying: the
// driver sees the exact text, but leading and trailing whitespace
// differences should not defeat cache hits.
func sqlFingerprint(sql string) string {
	return strings.TrimSpace(sql)
}

// classifyDriverErr captures a driver Conn's diagnostics (if any) into
// a categorized EngineError, falling back to a Fatal UnknownDriverError
// when the driver left no diagnostic record.
func classifyDriverErr(conn odbcenv.Conn, cause error) *errmodel.EngineError {
	se, ok := conn.Diagnostics()
	if !ok {
		return errmodel.Synthetic(errmodel.Fatal, "unknown driver error: "+causeMessage(cause))
	}
	return errmodel.New(errmodel.Classify(se), se, cause)
}

func causeMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Execute runs a one-shot statement: bind, execute, drain the sole
// result set into a single ResultBuffer.
func (e *Engine) Execute(ctx context.Context, connID int64, sql string, params []wire.ParamValue, opts Options) (*wire.ResultSet, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveLatency("execute", time.Since(start)) }()

	if opts.Stream {
		return nil, errmodel.Synthetic(errmodel.Validation, "execute: stream option must be used with stream_query")
	}
	if err := e.checkGuard(sql); err != nil {
		return nil, err
	}

	rec, err := e.lookup(connID)
	if err != nil {
		return nil, err
	}
	if err := rec.beginOp(); err != nil {
		return nil, err
	}

	broken := false
	defer func() { rec.endOp(broken) }()

	conn := rec.lease.Conn
	if err := conn.SetStatementTimeout(opts.TimeoutMS); err != nil {
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		broken = ee.Category == errmodel.ConnectionLost
		return nil, ee
	}

	stmt, err := conn.Prepare(ctx, sql)
	if err != nil {
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		broken = ee.Category == errmodel.ConnectionLost
		return nil, ee
	}
	defer stmt.Close()

	rs, rerr := e.runOneShot(ctx, rec, conn, stmt, params, opts)
	if rerr != nil {
		if ee, ok := rerr.(*errmodel.EngineError); ok {
			rec.recordError(ee)
			broken = ee.Category == errmodel.ConnectionLost
		}
		return nil, rerr
	}
	e.metrics.QueriesExecuted.Inc()
	return rs, nil
}

// runOneShot binds params, executes, and fetches every row of a
// freshly prepared (or cached) statement into a ResultSet. A
// cancellation observed between Execute and its result is reported as
// ErrCancelled rather than classified as a driver error.
func (e *Engine) runOneShot(ctx context.Context, rec *ConnectionRecord, conn odbcenv.Conn, stmt odbcenv.Stmt, params []wire.ParamValue, opts Options) (*wire.ResultSet, error) {
	if err := stmt.BindParams(params); err != nil {
		return nil, classifyDriverErr(conn, err)
	}
	execErr := stmt.Execute(ctx)
	if rec.consumeCancelFlag() {
		return nil, ErrCancelled
	}
	if execErr != nil {
		return nil, classifyDriverErr(conn, execErr)
	}
	cols, err := stmt.Columns()
	if err != nil {
		return nil, classifyDriverErr(conn, err)
	}
	rows, err := stmt.FetchAll(ctx, opts.MaxBufferBytes)
	if err != nil {
		return nil, classifyDriverErr(conn, err)
	}
	return &wire.ResultSet{Columns: cols, Rows: rows}, nil
}

// Prepare always populates the connection's prepared cache; repeated
// prepares of the same fingerprint return the same stmt_id.
func (e *Engine) Prepare(ctx context.Context, connID int64, sql string) (int64, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveLatency("prepare", time.Since(start)) }()

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

	broken := false
	defer func() { rec.endOp(broken) }()

	fp := sqlFingerprint(sql)
	if entry, ok := rec.cache.Lookup(fp); ok {
		e.metrics.CacheHits.Inc()
		return entry.StmtID, nil
	}
	e.metrics.CacheMisses.Inc()

	conn := rec.lease.Conn
	stmt, err := conn.Prepare(ctx, sql)
	if err != nil {
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		broken = ee.Category == errmodel.ConnectionLost
		return 0, ee
	}

	e.idMu.Lock()
	e.nextID++
	stmtID := e.nextID
	e.idMu.Unlock()

	rec.cache.Insert(fp, stmtID, stmt)

	e.mu.Lock()
	e.stmtIdx[stmtID] = &preparedHandle{stmtID: stmtID, connID: connID}
	e.mu.Unlock()

	return stmtID, nil
}

// ExecutePrepared runs a previously prepared statement, requiring that
// it belong to connID's connection.
func (e *Engine) ExecutePrepared(ctx context.Context, connID, stmtID int64, params []wire.ParamValue, opts Options) (*wire.ResultSet, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveLatency("execute_prepared", time.Since(start)) }()

	rec, err := e.lookup(connID)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ph, ok := e.stmtIdx[stmtID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidHandle
	}
	if ph.connID != connID {
		return nil, ErrStatementNotOwned
	}

	if err := rec.beginOp(); err != nil {
		return nil, err
	}
	broken := false
	defer func() { rec.endOp(broken) }()

	entry := rec.findPreparedLocked(stmtID)
	if entry == nil {
		return nil, ErrInvalidHandle
	}

	conn := rec.lease.Conn
	if err := conn.SetStatementTimeout(opts.TimeoutMS); err != nil {
		ee := classifyDriverErr(conn, err)
		rec.recordError(ee)
		broken = ee.Category == errmodel.ConnectionLost
		return nil, ee
	}

	rs, rerr := e.runOneShot(ctx, rec, conn, entry.Handle, params, opts)
	if rerr != nil {
		if ee, ok := rerr.(*errmodel.EngineError); ok {
			rec.recordError(ee)
			broken = ee.Category == errmodel.ConnectionLost
			if broken {
				rec.cache.Remove(entry.Fingerprint)
			}
		}
		return nil, rerr
	}
	e.metrics.QueriesExecuted.Inc()
	return rs, nil
}

// findPreparedLocked looks up the cache entry owning stmtID.
func (rec *ConnectionRecord) findPreparedLocked(stmtID int64) *preparedcache.Entry {
	return rec.cache.FindByStmtID(stmtID)
}
