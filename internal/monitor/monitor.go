// Package monitor implements periodic background reporting of engine
// activity: a single structured line per tick via log.Printf with the
// engine's bracketed-prefix convention, additive to the metrics
// already exposed via the boundary.
package monitor

import (
	"log"
	"time"

	"github.com/odbcx/engine/internal/metrics"
	"github.com/odbcx/engine/internal/preparedcache"
)

// Snapshotter is whatever the monitor polls each tick. The Engine
// satisfies this by exposing its Metrics(); per-connection prepared
// caches are reported by whoever owns them (the host embedding the
// engine), since the registry itself is private to the engine package.
type Snapshotter interface {
	Metrics() *metrics.Metrics
}

// Reporter periodically logs a snapshot of engine activity.
type Reporter struct {
	target    Snapshotter
	interval  time.Duration
	startTime time.Time
	stopCh    chan struct{}
}

// New creates a Reporter. Start must be called explicitly; a zero
// Reporter does nothing until then, so reporting stays disabled by
// default.
func New(target Snapshotter, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{target: target, interval: interval, startTime: time.Now(), stopCh: make(chan struct{})}
}

// Start launches the background reporting loop.
func (r *Reporter) Start() {
	go r.loop()
	log.Printf("[monitor] started, interval=%v", r.interval)
}

// Stop ends the reporting loop.
func (r *Reporter) Stop() {
	close(r.stopCh)
}

func (r *Reporter) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	rs, err := r.target.Metrics().Snapshot()
	if err != nil {
		log.Printf("[monitor] snapshot failed: %v", err)
		return
	}
	log.Printf("[monitor] uptime=%v families=%d", time.Since(r.startTime).Round(time.Second), len(rs.Columns))
}

// ReportCache logs a single prepared-cache's hit/miss/eviction
// counters, for hosts that want per-connection visibility alongside
// the process-wide Metrics snapshot.
func ReportCache(connID int64, c *preparedcache.Cache) {
	stats := c.Stats()
	log.Printf("[monitor] conn=%d cache_size=%d hits=%d misses=%d evictions=%d",
		connID, c.Size(), stats.Hits, stats.Misses, stats.Evictions)
}
