package metrics

import "testing"

func TestSnapshotIncludesRegisteredCounters(t *testing.T) {
	m := New()
	m.ConnectionsOpened.Inc()
	m.CacheHits.Inc()
	m.CacheHits.Inc()

	rs, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("expected a single synthetic row, got %d", len(rs.Rows))
	}
	if len(rs.Columns) != len(rs.Rows[0]) {
		t.Fatalf("column/value count mismatch: %d columns, %d values", len(rs.Columns), len(rs.Rows[0]))
	}
	if len(rs.Columns) == 0 {
		t.Fatal("expected at least one metric family")
	}
}

func TestRecordErrorAndObserveLatencyDoNotPanic(t *testing.T) {
	m := New()
	m.RecordError("Transient")
	m.ObserveLatency("execute", 0)
}
