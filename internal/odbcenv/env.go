package odbcenv

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrEnvInitFailed reports that the driver manager returned an error
// on first environment allocation.
var ErrEnvInitFailed = errors.New("odbcenv: environment initialization failed")

// Environment is the process-singleton ODBC environment handle. One
// instance exists for the lifetime of the process; it is created
// lazily on first use and is never destroyed before process exit.
type Environment struct {
	odbcVersion int
	liveHandles int64 // allocated-but-not-freed connection handles
}

var (
	envOnce sync.Once
	env     *Environment
	envErr  error
)

// Init idempotently initializes the process-wide Environment. A
// second call is a no-op returning the same instance and nil error.
func Init() (*Environment, error) {
	envOnce.Do(func() {
		env = &Environment{odbcVersion: 3}
		envErr = nil
		log.Printf("[odbcenv] environment initialized (odbc version marker=%d)", env.odbcVersion)
	})
	return env, envErr
}

// Instance returns the already-initialized Environment, or nil if
// Init has not yet been called. The boundary's Init and the cgo
// backend's first connect call Init(); the mem backend never does.
func Instance() *Environment {
	return env
}

// AllocateConnectionHandle records that a new driver connection handle
// has been allocated against this environment. It exists so teardown
// ordering (§9: drain streams → close caches → close connections →
// drop environment) can assert no connection outlives the Environment.
func (e *Environment) AllocateConnectionHandle() {
	atomic.AddInt64(&e.liveHandles, 1)
}

// FreeConnectionHandle records release of a previously allocated
// connection handle.
func (e *Environment) FreeConnectionHandle() {
	atomic.AddInt64(&e.liveHandles, -1)
}

// LiveHandles reports the number of allocated-but-not-freed connection
// handles. Used by Shutdown to warn about leaks.
func (e *Environment) LiveHandles() int64 {
	return atomic.LoadInt64(&e.liveHandles)
}

// Shutdown is best-effort: it is required before process exit only
// when diagnostics matter. It does not reset envOnce,
// since the Environment must never be destroyed while any connection
// or statement handle might still reference it; the process-singleton
// is reclaimed by the OS at exit.
func Shutdown() {
	e := Instance()
	if e == nil {
		return
	}
	if live := e.LiveHandles(); live != 0 {
		log.Printf("[odbcenv] shutdown with %d connection handle(s) still live", live)
	} else {
		log.Printf("[odbcenv] shutdown complete")
	}
}
