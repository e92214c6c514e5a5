// Package odbcenv owns the process-wide ODBC environment and the
// low-level connection/statement handle contract each driver backend
// implements.
package odbcenv

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/odbcx/engine/internal/wire"
)

// Conn is a live driver connection. Backends (the real cgo ODBC
// binding, the in-memory test backend) implement this to plug into the
// pool and engine without either layer knowing the driver's ABI.
type Conn interface {
	// IsDead is a cheap "connection dead" probe used by the pool's
	// health check before handing out an idle entry.
	IsDead() bool

	// SetStatementTimeout sets the default statement timeout in
	// milliseconds for statements executed on this connection. 0 means
	// no timeout.
	SetStatementTimeout(ms uint32) error

	// Prepare compiles sql and returns a reusable statement handle.
	Prepare(ctx context.Context, sql string) (Stmt, error)

	// Cancel requests driver-level cancellation of whatever statement
	// is currently executing on this connection.
	Cancel() error

	// Diagnostics drains the first diagnostic record into a
	// StructuredError. Absence of any diagnostic record is reported
	// via ok=false, which callers turn into UnknownDriverError.
	Diagnostics() (se wire.StructuredError, ok bool)

	// Close releases the driver-owned connection handle. Safe to call
	// more than once.
	Close() error
}

// Stmt is a prepared, driver-owned statement handle bound to the Conn
// that created it.
type Stmt interface {
	// BindParams binds a positional parameter list using the declared
	// tag to choose the ODBC C type. Storage backing the bound values
	// must outlive Execute.
	BindParams(params []wire.ParamValue) error

	// Execute runs the statement. For a one-shot execute() the caller
	// follows with FetchAll; for a stream_query the caller names the
	// cursor with OpenCursor before Execute and follows with FetchChunk.
	Execute(ctx context.Context) error

	// Columns returns the result column metadata for the statement's
	// sole result set. Valid only after a successful Execute.
	Columns() ([]wire.Column, error)

	// FetchAll drains every remaining row, refusing to exceed
	// maxBufferBytes of encoded payload (0 = unlimited).
	FetchAll(ctx context.Context, maxBufferBytes uint64) ([]wire.Row, error)

	// OpenCursor names a forward-only cursor for chunked fetch. Unique
	// names let concurrent streams on distinct connections avoid
	// driver-side cursor-namespace collisions.
	OpenCursor(ctx context.Context, cursorName string) error

	// FetchChunk fetches up to chunkRows rows. A zero-length result
	// with no error signals end of stream.
	FetchChunk(ctx context.Context, chunkRows int) ([]wire.Row, error)

	// Close releases the driver-owned statement handle.
	Close() error
}

// Backend opens connections for one driver name ("mem", "odbc", ...).
type Backend interface {
	// Name is the normalized driver name this backend serves.
	Name() string

	// Connect establishes a new driver connection using the supplied
	// (already-normalized) connection string.
	Connect(ctx context.Context, connString string) (Conn, error)
}

var (
	backendMu sync.RWMutex
	backends  = map[string]Backend{}
)

// RegisterBackend makes a Backend available under its normalized name.
// Backends register themselves from an init() func, mirroring
// database/sql's driver registration convention.
func RegisterBackend(b Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[NormalizeDriverName(b.Name())] = b
}

// LookupBackend returns the registered backend for a driver name.
func LookupBackend(driver string) (Backend, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	b, ok := backends[NormalizeDriverName(driver)]
	if !ok {
		return nil, fmt.Errorf("odbcenv: no backend registered for driver %q", driver)
	}
	return b, nil
}

// NormalizeDriverName lower-cases and trims a driver name so that
// PoolIdentity comparison and capability lookup are case-insensitive.
func NormalizeDriverName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
