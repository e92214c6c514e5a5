// Package engine implements the connection registry and the
// query/stream operations dispatched against it, generalizing a
// registry-of-in-flight-work pattern from a map of SQL transactions to
// a map of live ODBC connections.
package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/odbcx/engine/internal/errmodel"
	"github.com/odbcx/engine/internal/metrics"
	"github.com/odbcx/engine/internal/odbcenv"
	"github.com/odbcx/engine/internal/pool"
	"github.com/odbcx/engine/internal/preparedcache"
	"github.com/odbcx/engine/internal/ratelimit"
	"github.com/odbcx/engine/internal/sqlguard"
	"github.com/odbcx/engine/internal/wire"
)

// State is a connection's position in the Idle/Busy/Broken state machine.
type State int

const (
	Idle State = iota
	Busy
	Broken
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Busy:
		return "Busy"
	case Broken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// preparedHandle records which connection owns a cached statement, so
// execute_prepared can reject cross-connection use.
type preparedHandle struct {
	stmtID int64
	connID int64
}

// stream is one open forward-only cursor.
type stream struct {
	stmt       odbcenv.Stmt
	cursorName string
	chunkRows  int
	columns    []wire.Column
	done       bool
}

// ConnectionRecord is one live driver connection, holding
// its own error slot, prepared cache, and stream map so that a single
// connection lock serializes every operation against them.
type ConnectionRecord struct {
	id       int64
	identity pool.Identity
	lease    *pool.Lease

	mu         sync.Mutex
	state      State
	cancelFlag bool
	cache      *preparedcache.Cache
	streams    map[int64]*stream
	errSlot    errmodel.Slot
	metrics    *metrics.Metrics

	nextStreamID int64
}

func (c *ConnectionRecord) nextStream() int64 {
	c.nextStreamID++
	return c.nextStreamID
}

// Engine owns the connection registry and dispatches every query and
// stream operation against it. One Engine instance corresponds to one
// process-wide boundary.
type Engine struct {
	pool *pool.Pool

	idMu   sync.Mutex
	nextID int64

	mu      sync.RWMutex
	conns   map[int64]*ConnectionRecord
	stmtIdx map[int64]*preparedHandle

	cacheCapacity int
	metrics       *metrics.Metrics
	limiter       *ratelimit.Limiter
	guard         *sqlguard.Guard
}

// SetRateLimiter installs an optional per-identity connect rate
// limiter. Disabled (nil) by default.
func (e *Engine) SetRateLimiter(l *ratelimit.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiter = l
}

// SetGuard installs an optional structural SQL guard. Disabled (nil) by default; even when installed, a Guard with
// Config.Enabled == false is a no-op per its own default.
func (e *Engine) SetGuard(g *sqlguard.Guard) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guard = g
}

// ErrRateLimited is returned by Connect when the installed rate
// limiter rejects the identity's connect attempt.
var ErrRateLimited = errors.New("engine: connect rate limited")

// checkGuard runs sql through the installed guard, if any. Rejections
// surface as a Validation-category EngineError rather than a distinct
// sentinel, since they are caught by the same classification path as
// any other pre-execute validation failure.

func (e *Engine) checkGuard(sql string) error {
	e.mu.RLock()
	g := e.guard
	e.mu.RUnlock()
	if g == nil {
		return nil
	}
	if res := g.Validate(sql); !res.Valid {
		return errmodel.Synthetic(errmodel.Validation, "sqlguard: "+strings.Join(res.Errors, "; "))
	}
	return nil
}

// New creates an Engine backed by a fresh Pool and Metrics instance.
// cacheCapacity bounds each connection's prepared-statement LRU.
func New(cacheCapacity int) *Engine {
	if cacheCapacity <= 0 {
		cacheCapacity = 32
	}
	return &Engine{
		pool:          pool.New(),
		conns:         map[int64]*ConnectionRecord{},
		stmtIdx:       map[int64]*preparedHandle{},
		cacheCapacity: cacheCapacity,
		metrics:       metrics.New(),
	}
}

// Metrics exposes the Engine's private Metrics instance for
// engine_get_metrics.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// LastError returns the last StructuredError observed by connID, or by
// the process-wide slot when connID is zero.
func (e *Engine) LastError(connID int64) (*errmodel.EngineError, error) {
	if connID == 0 {
		return errmodel.ProcessSlot.Get(), nil
	}
	rec, err := e.lookup(connID)
	if err != nil {
		return nil, err
	}
	return rec.errSlot.Get(), nil
}

// Options is the per-call execute/stream options record.
type Options struct {
	TimeoutMS      uint32
	MaxBufferBytes uint64
	Stream         bool
	Compression    wire.Compression
}

// ErrInvalidHandle is returned for any operation against an unknown or
// torn-down connection/statement/stream id.
var ErrInvalidHandle = errors.New("engine: invalid handle")

// ErrConnectionBusy is returned when an op targets a connection that
// currently holds an open stream.
var ErrConnectionBusy = errors.New("engine: connection busy")

// ErrStatementNotOwned is returned by execute_prepared when stmt_id
// does not belong to the calling connection.
var ErrStatementNotOwned = errors.New("engine: statement not owned by connection")

// ErrUnsupported is returned by cancel when the driver lacks cancel
// support.
var ErrUnsupported = errors.New("engine: unsupported")

// ErrCancelled is returned by an in-flight operation that observes a
// Cancel() call before it completes.
var ErrCancelled = errors.New("engine: operation cancelled")

// Connect parses connString into a PoolIdentity, leases a connection
// from the Pool, and registers a fresh ConnectionRecord.
func (e *Engine) Connect(ctx context.Context, connString string, opts pool.Options) (int64, error) {
	id, lease, err := e.acquireLease(ctx, connString, opts)
	if err != nil {
		return 0, err
	}

	e.idMu.Lock()
	e.nextID++
	connID := e.nextID
	e.idMu.Unlock()

	rec := &ConnectionRecord{
		id:       connID,
		identity: id,
		lease:    lease,
		state:    Idle,
		cache:    preparedcache.New(e.cacheCapacity),
		streams:  map[int64]*stream{},
		metrics:  e.metrics,
	}

	e.mu.Lock()
	e.conns[connID] = rec
	e.mu.Unlock()

	e.metrics.ConnectionsOpened.Inc()
	return connID, nil
}

func (e *Engine) acquireLease(ctx context.Context, connString string, opts pool.Options) (pool.Identity, *pool.Lease, error) {
	driver, host, port, user, ok := parseConnString(connString)
	if !ok {
		return pool.Identity{}, nil, &pool.ErrInvalidIdentity{Reason: "malformed connection string"}
	}
	id, err := pool.NewIdentity(driver, host, port, user)
	if err != nil {
		return pool.Identity{}, nil, err
	}

	e.mu.RLock()
	limiter := e.limiter
	e.mu.RUnlock()
	if limiter != nil && !limiter.Allow(id) {
		return pool.Identity{}, nil, ErrRateLimited
	}

	opts.ConnString = connString
	lease, err := e.pool.Acquire(ctx, id, opts)
	if err != nil {
		return pool.Identity{}, nil, err
	}
	return id, lease, nil
}

// parseConnString extracts driver/host/port/user from a
// "driver://user@host:port/database" style DSN, or a bare "mem://name"
// test DSN where host doubles as the in-memory database name.
func parseConnString(connString string) (driver, host, port, user string, ok bool) {
	parts := strings.SplitN(connString, "://", 2)
	if len(parts) != 2 {
		return "", "", "", "", false
	}
	driver = parts[0]
	rest := parts[1]

	if driver == "mem" {
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return "", "", "", "", false
		}
		return driver, rest, "0", "mem", true
	}

	authority := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority = rest[:i]
	}
	user = ""
	if i := strings.IndexByte(authority, '@'); i >= 0 {
		user = authority[:i]
		authority = authority[i+1:]
	}
	host = authority
	port = ""
	if i := strings.LastIndexByte(authority, ':'); i >= 0 {
		host = authority[:i]
		port = authority[i+1:]
	}
	if host == "" {
		return "", "", "", "", false
	}
	return driver, host, port, user, true
}

// lookup returns the ConnectionRecord for id, or ErrInvalidHandle.
func (e *Engine) lookup(connID int64) (*ConnectionRecord, error) {
	e.mu.RLock()
	rec, ok := e.conns[connID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidHandle
	}
	return rec, nil
}

// Disconnect closes every open stream, clears the prepared cache,
// releases the lease as healthy, and removes the record.
func (e *Engine) Disconnect(connID int64) error {
	e.mu.Lock()
	rec, ok := e.conns[connID]
	if ok {
		delete(e.conns, connID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}

	rec.mu.Lock()
	for sid, st := range rec.streams {
		st.stmt.Close()
		delete(rec.streams, sid)
	}
	healthy := rec.state != Broken
	rec.mu.Unlock()

	rec.cache.Clear()
	e.dropStmtIndex(connID)

	e.pool.Release(rec.lease, healthy)
	e.metrics.ConnectionsClosed.Inc()
	return nil
}

func (e *Engine) dropStmtIndex(connID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sid, ph := range e.stmtIdx {
		if ph.connID == connID {
			delete(e.stmtIdx, sid)
		}
	}
}

// beginOp transitions a connection from Idle to Busy, rejecting the
// call if the connection is Broken, unknown, or already Busy holding
// an open stream.
func (rec *ConnectionRecord) beginOp() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.state {
	case Broken:
		return errmodel.Synthetic(errmodel.ConnectionLost, "connection is broken")
	case Busy:
		return ErrConnectionBusy
	}
	rec.state = Busy
	rec.cancelFlag = false
	return nil
}

// endOp transitions Busy back to Idle unless the operation marked the
// connection Broken.
func (rec *ConnectionRecord) endOp(broken bool) {
	rec.mu.Lock()
	if broken {
		rec.state = Broken
	} else {
		rec.state = Idle
	}
	rec.mu.Unlock()
}

// consumeCancelFlag reports and clears a pending cancellation request,
// so a single Cancel() call is observed exactly once by whichever
// operation was in flight when it arrived.
func (rec *ConnectionRecord) consumeCancelFlag() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.cancelFlag {
		rec.cancelFlag = false
		return true
	}
	return false
}

func (rec *ConnectionRecord) recordError(err *errmodel.EngineError) {
	errmodel.Record(&rec.errSlot, err)
	if rec.metrics != nil {
		rec.metrics.RecordError(err.Category.String())
	}
}

// newStreamCursorName produces a cursor name unique across the whole
// process, so two concurrent streams on two different connections
// never collide in driver-side cursor namespaces.
func newStreamCursorName() string {
	return "odbcx_" + uuid.NewString()
}
