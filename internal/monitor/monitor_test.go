package monitor

import (
	"testing"
	"time"

	"github.com/odbcx/engine/internal/metrics"
)

type fakeSnapshotter struct{ m *metrics.Metrics }

func (f *fakeSnapshotter) Metrics() *metrics.Metrics { return f.m }

func TestReporterStartStopDoesNotPanic(t *testing.T) {
	r := New(&fakeSnapshotter{m: metrics.New()}, 10*time.Millisecond)
	r.Start()
	time.Sleep(25 * time.Millisecond)
	r.Stop()
}
