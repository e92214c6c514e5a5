package odbcenv

import (
	"context"
	gosql "database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/odbcx/engine/internal/wire"
)

// memBackend is the "mem://" driver backend used by the engine's own
// test suite and by end-to-end scenarios when no real ODBC driver
// manager is installed. It is backed by mattn/go-sqlite3's shared
// in-memory mode, one logical database per pool identity host
// component.
type memBackend struct{}

func init() {
	RegisterBackend(memBackend{})
}

func (memBackend) Name() string { return "mem" }

var (
	memDBsMu sync.Mutex
	memDBs   = map[string]*gosql.DB{}
)

func memDB(name string) (*gosql.DB, error) {
	memDBsMu.Lock()
	defer memDBsMu.Unlock()

	if db, ok := memDBs[name]; ok {
		return db, nil
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gosql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// A shared in-memory database is dropped once its last connection
	// closes; keep exactly one pinned so data outlives per-query
	// connections the same way a real driver's database outlives the
	// engine's own connections to it.
	db.SetMaxIdleConns(1)
	memDBs[name] = db
	return db, nil
}

func (memBackend) Connect(ctx context.Context, connString string) (Conn, error) {
	db, err := memDB(connString)
	if err != nil {
		return nil, err
	}
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &memConn{db: db, conn: c}, nil
}

type memConn struct {
	db      *gosql.DB
	conn    *gosql.Conn
	mu      sync.Mutex
	dead    bool
	timeout uint32
}

func (c *memConn) IsDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return true
	}
	return c.conn.PingContext(context.Background()) != nil
}

func (c *memConn) SetStatementTimeout(ms uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = ms
	return nil
}

func (c *memConn) Prepare(ctx context.Context, sql string) (Stmt, error) {
	stmt, err := c.conn.PrepareContext(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &memStmt{conn: c, sql: sql, stmt: stmt}, nil
}

func (c *memConn) Cancel() error {
	// The mem backend has no in-flight statement to interrupt
	// asynchronously; callers observe Cancelled via the connection's
	// cancellation flag at the engine layer instead.
	return nil
}

func (c *memConn) Diagnostics() (wire.StructuredError, bool) {
	return wire.StructuredError{}, false
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
	return c.conn.Close()
}

type memStmt struct {
	conn   *memConn
	sql    string
	stmt   *gosql.Stmt
	params []interface{}

	mu      sync.Mutex
	rows    *gosql.Rows
	columns []wire.Column
}

func (s *memStmt) BindParams(params []wire.ParamValue) error {
	args := make([]interface{}, len(params))
	for i, p := range params {
		v, err := paramToGo(p)
		if err != nil {
			return err
		}
		args[i] = v
	}
	s.params = args
	return nil
}

func paramToGo(p wire.ParamValue) (interface{}, error) {
	switch p.Tag {
	case wire.ParamNull:
		return nil, nil
	case wire.ParamString:
		return string(p.Payload), nil
	case wire.ParamInt32:
		if len(p.Payload) != 4 {
			return nil, fmt.Errorf("odbcenv: malformed int32 parameter")
		}
		v := int32(p.Payload[0]) | int32(p.Payload[1])<<8 | int32(p.Payload[2])<<16 | int32(p.Payload[3])<<24
		return v, nil
	case wire.ParamInt64:
		if len(p.Payload) != 8 {
			return nil, fmt.Errorf("odbcenv: malformed int64 parameter")
		}
		var v int64
		for i := 7; i >= 0; i-- {
			v = v<<8 | int64(p.Payload[i])
		}
		return v, nil
	case wire.ParamDecimal:
		d, err := wire.ValidateDecimal(p.Payload)
		if err != nil {
			return nil, err
		}
		return d.String(), nil
	case wire.ParamBinary:
		return p.Payload, nil
	default:
		return nil, fmt.Errorf("odbcenv: unknown parameter tag %d", p.Tag)
	}
}

func (s *memStmt) Execute(ctx context.Context) error {
	rows, err := s.stmt.QueryContext(ctx, s.params...)
	if err != nil {
		return err
	}
	cols, err := columnsOf(rows)
	if err != nil {
		rows.Close()
		return err
	}
	s.mu.Lock()
	s.rows = rows
	s.columns = cols
	s.mu.Unlock()
	return nil
}

func columnsOf(rows *gosql.Rows) ([]wire.Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]wire.Column, len(types))
	for i, t := range types {
		nullable, _ := t.Nullable()
		cols[i] = wire.Column{
			Name:     t.Name(),
			SQLType:  sqlTypeOf(t.DatabaseTypeName()),
			Nullable: nullable,
		}
	}
	return cols, nil
}

// sqlTypeOf maps a sqlite declared type name to an ODBC SQL type code
// (SQL_INTEGER=4, SQL_VARCHAR=12, SQL_DOUBLE=8, SQL_VARBINARY=-3).
func sqlTypeOf(declType string) uint16 {
	switch declType {
	case "INTEGER":
		return 4
	case "REAL":
		return 8
	case "BLOB":
		return 0xFFFD // -3 as uint16
	default:
		return 12
	}
}

func (s *memStmt) Columns() ([]wire.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.columns == nil {
		return nil, fmt.Errorf("odbcenv: Columns called before Execute")
	}
	return s.columns, nil
}

func (s *memStmt) FetchAll(ctx context.Context, maxBufferBytes uint64) ([]wire.Row, error) {
	return s.fetch(ctx, -1, maxBufferBytes)
}

func (s *memStmt) OpenCursor(ctx context.Context, cursorName string) error {
	// sqlite has no named-cursor concept; the rows iterator from
	// Execute already behaves as a forward-only cursor, so opening one
	// is a no-op for this backend.
	return nil
}

func (s *memStmt) FetchChunk(ctx context.Context, chunkRows int) ([]wire.Row, error) {
	return s.fetch(ctx, chunkRows, 0)
}

func (s *memStmt) fetch(ctx context.Context, limit int, maxBufferBytes uint64) ([]wire.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows == nil {
		return nil, fmt.Errorf("odbcenv: fetch called before Execute")
	}

	var out []wire.Row
	var total uint64
	for limit < 0 || len(out) < limit {
		if !s.rows.Next() {
			break
		}
		raw := make([]interface{}, len(s.columns))
		ptrs := make([]interface{}, len(s.columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := s.rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(wire.Row, len(raw))
		for i, v := range raw {
			b, null := goToWireValue(v)
			row[i] = b
			if !null {
				total += uint64(len(b))
			}
		}
		if maxBufferBytes > 0 && total > maxBufferBytes {
			return nil, fmt.Errorf("odbcenv: result exceeds max_buffer_bytes (%d)", maxBufferBytes)
		}
		out = append(out, row)
	}
	if err := s.rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func goToWireValue(v interface{}) ([]byte, bool) {
	if v == nil {
		return nil, true
	}
	switch t := v.(type) {
	case []byte:
		return t, false
	case string:
		return []byte(t), false
	case int64:
		return []byte(fmt.Sprintf("%d", t)), false
	case float64:
		return []byte(fmt.Sprintf("%v", t)), false
	default:
		return []byte(fmt.Sprintf("%v", t)), false
	}
}

func (s *memStmt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	return s.stmt.Close()
}
