package engine

import (
	"context"
	"testing"
	"time"

	_ "github.com/odbcx/engine/internal/odbcenv" // registers the mem:// backend
	"github.com/odbcx/engine/internal/pool"
	"github.com/odbcx/engine/internal/wire"
)

func newTestEngine() *Engine {
	return New(8)
}

func defaultPoolOpts() pool.Options {
	return pool.Options{Max: 4, IdleTimeout: time.Minute, AcquireTimeout: 5 * time.Second}
}

func TestConnectExecuteDisconnect(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	connID, err := e.Connect(ctx, "mem://a", defaultPoolOpts())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rs, err := e.Execute(ctx, connID, "SELECT 1", nil, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rs.Rows) != 1 || len(rs.Columns) != 1 {
		t.Fatalf("unexpected result shape: %+v", rs)
	}

	if err := e.Disconnect(connID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if _, err := e.Execute(ctx, connID, "SELECT 1", nil, Options{}); err != ErrInvalidHandle {
		t.Fatalf("Execute after disconnect = %v, want ErrInvalidHandle", err)
	}
}

func TestExecuteWithStringParam(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	connID, err := e.Connect(ctx, "mem://b", defaultPoolOpts())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer e.Disconnect(connID)

	params := []wire.ParamValue{{Tag: wire.ParamString, Payload: []byte("héllo")}}
	rs, err := e.Execute(ctx, connID, "SELECT ? AS v", params, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rs.Rows) != 1 || string(rs.Rows[0][0]) != "héllo" {
		t.Fatalf("unexpected row: %+v", rs.Rows)
	}
}

func TestPreparedAffinityAndCacheCounters(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	connID, err := e.Connect(ctx, "mem://c", defaultPoolOpts())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer e.Disconnect(connID)

	otherID, err := e.Connect(ctx, "mem://d", defaultPoolOpts())
	if err != nil {
		t.Fatalf("Connect other: %v", err)
	}
	defer e.Disconnect(otherID)

	stmtID, err := e.Prepare(ctx, connID, "SELECT ?")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	for i, v := range []int32{1, 2, 3} {
		params := []wire.ParamValue{{Tag: wire.ParamInt32, Payload: encodeI32(v)}}
		if _, err := e.ExecutePrepared(ctx, connID, stmtID, params, Options{}); err != nil {
			t.Fatalf("ExecutePrepared[%d]: %v", i, err)
		}
	}

	rec, err := e.lookup(connID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := rec.cache.Size(); got != 1 {
		t.Fatalf("prepared cache size = %d, want 1", got)
	}
	if got := rec.cache.Stats().Misses; got != 1 {
		t.Fatalf("prepared cache misses = %d, want 1", got)
	}

	if _, err := e.ExecutePrepared(ctx, otherID, stmtID, nil, Options{}); err != ErrStatementNotOwned {
		t.Fatalf("cross-connection ExecutePrepared = %v, want ErrStatementNotOwned", err)
	}
}

func TestStreamQueryChunksAndExclusivity(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	connID, err := e.Connect(ctx, "mem://e", defaultPoolOpts())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer e.Disconnect(connID)

	sql := "SELECT 1 AS v UNION ALL SELECT 2 UNION ALL SELECT 3"
	streamID, err := e.StreamQuery(ctx, connID, sql, nil, 2, Options{})
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}

	if _, err := e.Execute(ctx, connID, "SELECT 1", nil, Options{}); err != ErrConnectionBusy {
		t.Fatalf("Execute while streaming = %v, want ErrConnectionBusy", err)
	}

	first, err := e.NextChunk(ctx, connID, streamID)
	if err != nil {
		t.Fatalf("NextChunk 1: %v", err)
	}
	if len(first.Rows) != 2 {
		t.Fatalf("first chunk rows = %d, want 2", len(first.Rows))
	}

	second, err := e.NextChunk(ctx, connID, streamID)
	if err != nil {
		t.Fatalf("NextChunk 2: %v", err)
	}
	if len(second.Rows) != 1 {
		t.Fatalf("second chunk rows = %d, want 1", len(second.Rows))
	}

	if _, err := e.NextChunk(ctx, connID, streamID); err != EndOfStream {
		t.Fatalf("NextChunk 3 = %v, want EndOfStream", err)
	}

	if err := e.CloseStream(connID, streamID); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}

	if _, err := e.Execute(ctx, connID, "SELECT 1", nil, Options{}); err != nil {
		t.Fatalf("Execute after CloseStream: %v", err)
	}
}

func TestPoolIdentityCoexistence(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	c1, err := e.Connect(ctx, "mem://shared", defaultPoolOpts())
	if err != nil {
		t.Fatalf("Connect 1: %v", err)
	}
	c2, err := e.Connect(ctx, "mem://shared", defaultPoolOpts())
	if err != nil {
		t.Fatalf("Connect 2: %v", err)
	}
	if c1 == c2 {
		t.Fatal("expected distinct connection ids")
	}
	e.Disconnect(c1)
	e.Disconnect(c2)
}

func encodeI32(v int32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return b
}
