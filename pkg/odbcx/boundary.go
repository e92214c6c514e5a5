// Package odbcx is the stable C-style boundary: a set of plain
// functions over caller-owned buffers and opaque int64 handles, so
// language-level bindings can drive the engine without any ODBC
// knowledge of their own. Every exported function recovers its own
// panics and converts them to InternalError.
package odbcx

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/odbcx/engine/internal/config"
	"github.com/odbcx/engine/internal/engine"
	"github.com/odbcx/engine/internal/errmodel"
	"github.com/odbcx/engine/internal/metrics"
	"github.com/odbcx/engine/internal/odbcenv"
	"github.com/odbcx/engine/internal/pool"
	"github.com/odbcx/engine/internal/wire"
)

// Code is a boundary result code.
type Code int32

const (
	Ok              Code = 0
	BufferTooSmall  Code = 1
	InvalidHandle   Code = 2
	ConnectionBusy  Code = 3
	Cancelled       Code = 4
	EndOfStream     Code = 5
	ConnectError    Code = 10
	ExecuteError    Code = 11
	ProtocolError   Code = 12
	PoolExhausted   Code = 13
	Unsupported     Code = 14
	InternalError   Code = 99
)

var (
	mu     sync.RWMutex
	eng    *engine.Engine
	cfg    config.EngineConfig
	inited bool

	nextStreamHandle int64
	streams          sync.Map // int64 -> *streamHandle
)

type streamHandle struct {
	connID   int64
	streamID int64
}

// Options is the boundary-facing execute/stream options record.
type Options struct {
	TimeoutMS      uint32
	MaxBufferBytes uint64
	Stream         bool
	Compression    wire.Compression
}

func (o Options) toEngine() engine.Options {
	return engine.Options{
		TimeoutMS:      o.TimeoutMS,
		MaxBufferBytes: o.MaxBufferBytes,
		Stream:         o.Stream,
		Compression:    o.Compression,
	}
}

// Init initializes the process-wide Environment and Engine. Idempotent
// and thread-safe; a second call is a no-op returning Ok.
func Init() (code Code) {
	defer recoverToCode(&code)

	mu.Lock()
	defer mu.Unlock()
	if inited {
		return Ok
	}
	if _, err := odbcenv.Init(); err != nil {
		return InternalError
	}
	cfg = config.FromEnv()
	eng = engine.New(cfg.PreparedCacheCapacity)
	inited = true
	return Ok
}

// Shutdown drops the process-wide engine and runs odbcenv.Shutdown,
// which only reports leaked handles: the Environment itself stays
// allocated until process exit. Callers are expected to have already
// closed their own streams and connections.
func Shutdown() (code Code) {
	defer recoverToCode(&code)

	mu.Lock()
	defer mu.Unlock()
	if !inited {
		return Ok
	}
	odbcenv.Shutdown()
	eng = nil
	inited = false
	return Ok
}

func currentEngine() (*engine.Engine, Code) {
	mu.RLock()
	defer mu.RUnlock()
	if !inited || eng == nil {
		return nil, InternalError
	}
	return eng, Ok
}

// Connect opens a connection for connString and returns its opaque id.
func Connect(connString string) (connID int64, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	id, err := e.Connect(context.Background(), connString, cfg.PoolOptions())
	if err != nil {
		return 0, classify(err, ConnectError)
	}
	return id, Ok
}

// Disconnect closes connID and everything it owns.
func Disconnect(connID int64) (code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return c
	}
	if err := e.Disconnect(connID); err != nil {
		return classify(err, ExecuteError)
	}
	return Ok
}

// Execute runs sql on connID and writes an encoded ResultBuffer into
// outBuf. If outBuf is too small, written reports the required size
// and the code is BufferTooSmall.
func Execute(connID int64, sql string, params []wire.ParamValue, opts Options, outBuf []byte) (written int, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	rs, err := e.Execute(context.Background(), connID, sql, params, opts.toEngine())
	if err != nil {
		return 0, classify(err, ExecuteError)
	}
	return encodeInto(rs, opts, outBuf, e.Metrics())
}

// Prepare compiles sql on connID and returns its opaque statement id.
func Prepare(connID int64, sql string) (stmtID int64, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	id, err := e.Prepare(context.Background(), connID, sql)
	if err != nil {
		return 0, classify(err, ExecuteError)
	}
	return id, Ok
}

// ExecutePrepared runs a previously prepared statement.
func ExecutePrepared(connID, stmtID int64, params []wire.ParamValue, opts Options, outBuf []byte) (written int, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	rs, err := e.ExecutePrepared(context.Background(), connID, stmtID, params, opts.toEngine())
	if err != nil {
		return 0, classify(err, ExecuteError)
	}
	return encodeInto(rs, opts, outBuf, e.Metrics())
}

// StreamOpen opens a streaming query and returns an opaque stream id.
func StreamOpen(connID int64, sql string, params []wire.ParamValue, chunkRows int, opts Options) (streamID int64, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	sid, err := e.StreamQuery(context.Background(), connID, sql, params, chunkRows, opts.toEngine())
	if err != nil {
		return 0, classify(err, ExecuteError)
	}
	handle := atomic.AddInt64(&nextStreamHandle, 1)
	streams.Store(handle, &streamHandle{connID: connID, streamID: sid})
	return handle, Ok
}

// StreamNext fetches the next chunk, returning EndOfStream as a
// distinguished code rather than an error buffer.
func StreamNext(streamHandleID int64, outBuf []byte) (written int, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	v, ok := streams.Load(streamHandleID)
	if !ok {
		return 0, InvalidHandle
	}
	sh := v.(*streamHandle)

	rs, err := e.NextChunk(context.Background(), sh.connID, sh.streamID)
	if err != nil {
		if err == engine.EndOfStream {
			return 0, EndOfStream
		}
		return 0, classify(err, ExecuteError)
	}
	return encodeInto(rs, Options{}, outBuf, e.Metrics())
}

// StreamClose closes a stream and releases its boundary handle.
func StreamClose(streamHandleID int64) (code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return c
	}
	v, ok := streams.LoadAndDelete(streamHandleID)
	if !ok {
		return InvalidHandle
	}
	sh := v.(*streamHandle)
	if err := e.CloseStream(sh.connID, sh.streamID); err != nil {
		return classify(err, ExecuteError)
	}
	return Ok
}

// Cancel requests cancellation of connID's active statement.
func Cancel(connID int64) (code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return c
	}
	if err := e.Cancel(connID); err != nil {
		return classify(err, Unsupported)
	}
	return Ok
}

// GetError writes the StructuredError last observed by connID (or the
// process-wide slot when connID is 0) into outBuf.
func GetError(connID int64, outBuf []byte) (written int, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	ee, err := e.LastError(connID)
	if err != nil {
		return 0, InvalidHandle
	}
	if ee == nil {
		return 0, Ok
	}
	buf := wire.EncodeError(ee.Structured)
	if len(buf) > len(outBuf) {
		return len(buf), BufferTooSmall
	}
	n := copy(outBuf, buf)
	return n, Ok
}

// GetMetrics writes the current metrics snapshot, encoded as a
// ResultBuffer, into outBuf.
func GetMetrics(outBuf []byte) (written int, code Code) {
	defer recoverToCode(&code)

	e, c := currentEngine()
	if c != Ok {
		return 0, c
	}
	rs, err := e.Metrics().Snapshot()
	if err != nil {
		return 0, InternalError
	}
	return encodeInto(rs, Options{}, outBuf, e.Metrics())
}

func encodeInto(rs *wire.ResultSet, opts Options, outBuf []byte, m *metrics.Metrics) (int, Code) {
	threshold := wire.DefaultCompressionThreshold
	mu.RLock()
	if inited {
		threshold = cfg.CompressionThreshold
	}
	mu.RUnlock()

	buf, err := wire.Encode(rs, opts.Compression, threshold)
	if err != nil {
		return 0, ProtocolError
	}
	if m != nil {
		m.BytesEncoded.Add(float64(len(buf)))
	}
	if len(buf) > len(outBuf) {
		return len(buf), BufferTooSmall
	}
	n := copy(outBuf, buf)
	return n, Ok
}

// classify maps an engine-layer error to a Code, preferring the
// error's own EngineError.Category when present and falling back to
// the caller-supplied default for the operation class.
func classify(err error, fallback Code) Code {
	switch err {
	case engine.ErrInvalidHandle:
		return InvalidHandle
	case engine.ErrConnectionBusy:
		return ConnectionBusy
	case engine.ErrCancelled:
		return Cancelled
	case engine.ErrStatementNotOwned:
		return InvalidHandle
	case engine.ErrUnsupported:
		return Unsupported
	case engine.ErrRateLimited:
		return PoolExhausted
	case pool.ErrPoolExhausted:
		return PoolExhausted
	}
	if ee, ok := err.(*errmodel.EngineError); ok {
		switch ee.Category {
		case errmodel.ConnectionLost:
			return InvalidHandle
		case errmodel.Validation:
			return ExecuteError
		}
	}
	if _, ok := err.(*pool.ErrInvalidIdentity); ok {
		return ConnectError
	}
	return fallback
}

func recoverToCode(code *Code) {
	if r := recover(); r != nil {
		*code = InternalError
	}
}
