// Package pool implements the bounded, health-checked connection pool
// keyed by PoolIdentity.
package pool

import (
	"fmt"
	"strings"

	"github.com/odbcx/engine/internal/odbcenv"
)

// Identity is the normalized (driver, host, port, user) tuple used to
// key the pool. Database is intentionally excluded so connections
// differing only by database may share a pool.
type Identity struct {
	Driver string
	Host   string
	Port   string
	User   string
}

// String renders a stable, case-normalized key for map lookups and
// logging.
func (id Identity) String() string {
	return fmt.Sprintf("%s://%s@%s:%s", id.Driver, id.User, id.Host, id.Port)
}

// ErrInvalidIdentity is returned when a connection string cannot be
// normalized into an Identity.
type ErrInvalidIdentity struct{ Reason string }

func (e *ErrInvalidIdentity) Error() string {
	return fmt.Sprintf("pool: invalid connection identity: %s", e.Reason)
}

// NewIdentity normalizes a connection string's (driver, host, port,
// user) components. Driver, host and user are case-folded; port is
// only trimmed.
func NewIdentity(driver, host, port, user string) (Identity, error) {
	driver = odbcenv.NormalizeDriverName(driver)
	host = strings.ToLower(strings.TrimSpace(host))
	user = strings.ToLower(strings.TrimSpace(user))
	port = strings.TrimSpace(port)

	if driver == "" {
		return Identity{}, &ErrInvalidIdentity{Reason: "missing driver"}
	}
	if host == "" {
		return Identity{}, &ErrInvalidIdentity{Reason: "missing host"}
	}
	return Identity{Driver: driver, Host: host, Port: port, User: user}, nil
}
