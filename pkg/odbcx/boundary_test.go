package odbcx

import (
	"testing"

	_ "github.com/odbcx/engine/internal/odbcenv" // registers the mem:// backend
	"github.com/odbcx/engine/internal/wire"
)

func TestMain(m *testing.M) {
	if c := Init(); c != Ok {
		panic("Init failed")
	}
	m.Run()
}

func TestInitIsIdempotent(t *testing.T) {
	if c := Init(); c != Ok {
		t.Fatalf("second Init = %v, want Ok", c)
	}
}

func TestConnectExecuteDisconnect(t *testing.T) {
	connID, c := Connect("mem://boundary-a")
	if c != Ok {
		t.Fatalf("Connect code = %v", c)
	}

	buf := make([]byte, 4096)
	n, c := Execute(connID, "SELECT 1", nil, Options{}, buf)
	if c != Ok {
		t.Fatalf("Execute code = %v", c)
	}
	rs, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rs.Rows))
	}

	if c := Disconnect(connID); c != Ok {
		t.Fatalf("Disconnect code = %v", c)
	}
	if _, c := Execute(connID, "SELECT 1", nil, Options{}, buf); c != InvalidHandle {
		t.Fatalf("Execute after disconnect = %v, want InvalidHandle", c)
	}
}

func TestExecuteBufferTooSmall(t *testing.T) {
	connID, c := Connect("mem://boundary-b")
	if c != Ok {
		t.Fatalf("Connect code = %v", c)
	}
	defer Disconnect(connID)

	tiny := make([]byte, 1)
	written, c := Execute(connID, "SELECT 1", nil, Options{}, tiny)
	if c != BufferTooSmall {
		t.Fatalf("Execute code = %v, want BufferTooSmall", c)
	}
	if written <= len(tiny) {
		t.Fatalf("written = %d, want > %d (required size)", written, len(tiny))
	}
}

func TestStreamOpenNextClose(t *testing.T) {
	connID, c := Connect("mem://boundary-c")
	if c != Ok {
		t.Fatalf("Connect code = %v", c)
	}
	defer Disconnect(connID)

	sql := "SELECT 1 AS v UNION ALL SELECT 2"
	streamID, c := StreamOpen(connID, sql, nil, 1, Options{})
	if c != Ok {
		t.Fatalf("StreamOpen code = %v", c)
	}

	buf := make([]byte, 4096)
	if _, c := StreamNext(streamID, buf); c != Ok {
		t.Fatalf("StreamNext 1 code = %v", c)
	}
	if _, c := StreamNext(streamID, buf); c != Ok {
		t.Fatalf("StreamNext 2 code = %v", c)
	}
	if _, c := StreamNext(streamID, buf); c != EndOfStream {
		t.Fatalf("StreamNext 3 code = %v, want EndOfStream", c)
	}
	if c := StreamClose(streamID); c != Ok {
		t.Fatalf("StreamClose code = %v", c)
	}
}

func TestGetErrorOnUnknownConnectionIsInvalidHandle(t *testing.T) {
	buf := make([]byte, 256)
	if _, c := GetError(999999, buf); c != InvalidHandle {
		t.Fatalf("GetError code = %v, want InvalidHandle", c)
	}
}

func TestGetMetricsSucceeds(t *testing.T) {
	buf := make([]byte, 16384)
	if _, c := GetMetrics(buf); c != Ok {
		t.Fatalf("GetMetrics code = %v", c)
	}
}
