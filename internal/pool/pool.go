package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/odbcx/engine/internal/odbcenv"
)

// ErrPoolExhausted is returned when acquire cannot be satisfied within
// Options.AcquireTimeout.
var ErrPoolExhausted = errors.New("pool: exhausted")

// Options configures a single PoolIdentity's max/idle/acquire
// behavior. Min is stored but not enforced: the pool never pre-opens
// connections.
type Options struct {
	Min            int
	Max            int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	ConnString     string
}

func (o Options) withDefaults() Options {
	if o.Max <= 0 {
		o.Max = 10
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	return o
}

// Lease is a checked-out connection. Callers must call Pool.Release
// exactly once per successful Acquire.
type Lease struct {
	Conn     odbcenv.Conn
	Identity Identity
}

type idleEntry struct {
	conn      odbcenv.Conn
	idleSince time.Time
}

type perIdentity struct {
	identity Identity
	opts     Options
	backend  odbcenv.Backend
	sem      *semaphore.Weighted

	mu    sync.Mutex
	idle  []idleEntry
	live  int64
	drain chan struct{}
	once  sync.Once
}

// Pool is a bounded, health-checked connection pool keyed by Identity.
// A single Pool instance manages every identity the engine has ever
// connected to.
type Pool struct {
	mu      sync.Mutex
	byID    map[Identity]*perIdentity
}

// New creates an empty Pool.
func New() *Pool {
	return &Pool{byID: map[Identity]*perIdentity{}}
}

func (p *Pool) identityState(id Identity, opts Options) (*perIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pi, ok := p.byID[id]; ok {
		return pi, nil
	}

	backend, err := odbcenv.LookupBackend(id.Driver)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	pi := &perIdentity{
		identity: id,
		opts:     opts,
		backend:  backend,
		sem:      semaphore.NewWeighted(int64(opts.Max)),
		drain:    make(chan struct{}),
	}
	p.byID[id] = pi
	go pi.reap()
	return pi, nil
}

// Acquire obtains a lease for identity, creating a new connection (up
// to Max) or reusing a healthy idle one, waiting up to
// opts.AcquireTimeout for a release if the pool is at capacity.
func (p *Pool) Acquire(ctx context.Context, id Identity, opts Options) (*Lease, error) {
	pi, err := p.identityState(id, opts)
	if err != nil {
		return nil, err
	}

	// Warm-connection affinity: try an idle, healthy entry first
	// without touching the semaphore (it is already counted as live).
	for {
		entry, ok := pi.popIdle()
		if !ok {
			break
		}
		if !entry.conn.IsDead() {
			return &Lease{Conn: entry.conn, Identity: id}, nil
		}
		// Broken while idle: discard and retry connection creation
		// once before acquire returns.
		entry.conn.Close()
		conn, cerr := pi.connectWithRetry(ctx)
		if cerr != nil {
			pi.sem.Release(1)
			atomic.AddInt64(&pi.live, -1)
			return nil, cerr
		}
		return &Lease{Conn: conn, Identity: id}, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, pi.opts.AcquireTimeout)
	defer cancel()

	if err := pi.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, ErrPoolExhausted
	}
	atomic.AddInt64(&pi.live, 1)

	conn, err := pi.backend.Connect(ctx, pi.opts.ConnString)
	if err != nil {
		pi.sem.Release(1)
		atomic.AddInt64(&pi.live, -1)
		return nil, errors.Wrap(err, "pool: connect failed")
	}
	return &Lease{Conn: conn, Identity: id}, nil
}

func (pi *perIdentity) connectWithRetry(ctx context.Context) (odbcenv.Conn, error) {
	var conn odbcenv.Conn
	err := retry.Retry(func(uint) error {
		c, err := pi.backend.Connect(ctx, pi.opts.ConnString)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, strategy.Limit(2))
	if err != nil {
		return nil, errors.Wrap(err, "pool: connect failed after one retry")
	}
	return conn, nil
}

func (pi *perIdentity) popIdle() (idleEntry, bool) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	n := len(pi.idle)
	if n == 0 {
		return idleEntry{}, false
	}
	entry := pi.idle[n-1] // LIFO
	pi.idle = pi.idle[:n-1]
	return entry, true
}

// Release returns a lease to the pool. If healthy is false the
// connection is closed and its capacity slot freed rather than
// returned to the idle stack.
func (p *Pool) Release(lease *Lease, healthy bool) {
	p.mu.Lock()
	pi, ok := p.byID[lease.Identity]
	p.mu.Unlock()
	if !ok {
		lease.Conn.Close()
		return
	}

	if !healthy {
		lease.Conn.Close()
		pi.sem.Release(1)
		atomic.AddInt64(&pi.live, -1)
		return
	}

	pi.mu.Lock()
	pi.idle = append(pi.idle, idleEntry{conn: lease.Conn, idleSince: time.Now()})
	pi.mu.Unlock()
}

// Size reports the current live (idle+busy) connection count for an
// identity.
func (p *Pool) Size(id Identity) int {
	p.mu.Lock()
	pi, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return int(atomic.LoadInt64(&pi.live))
}

// Drain closes every idle connection for identity and removes its
// pool state. Leases currently checked out are unaffected; releasing
// them afterward simply closes the connection since the identity's
// bookkeeping is gone.
func (p *Pool) Drain(id Identity) {
	p.mu.Lock()
	pi, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	pi.once.Do(func() { close(pi.drain) })

	pi.mu.Lock()
	idle := pi.idle
	pi.idle = nil
	pi.mu.Unlock()

	for _, e := range idle {
		e.conn.Close()
		atomic.AddInt64(&pi.live, -1)
	}
}

// reap periodically closes idle entries older than IdleTimeout.
func (pi *perIdentity) reap() {
	interval := pi.opts.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-pi.drain:
			return
		case <-ticker.C:
			pi.reapOnce()
		}
	}
}

func (pi *perIdentity) reapOnce() {
	cutoff := time.Now().Add(-pi.opts.IdleTimeout)

	pi.mu.Lock()
	var keep []idleEntry
	var expired []idleEntry
	for _, e := range pi.idle {
		if e.idleSince.Before(cutoff) {
			expired = append(expired, e)
		} else {
			keep = append(keep, e)
		}
	}
	pi.idle = keep
	pi.mu.Unlock()

	for _, e := range expired {
		e.conn.Close()
		pi.sem.Release(1)
		atomic.AddInt64(&pi.live, -1)
	}
}
