//go:build cgo

package odbcenv

/*
#cgo linux  pkg-config: odbc
#cgo darwin LDFLAGS: -lodbc
#include <sql.h>
#include <sqlext.h>
#include <sqltypes.h>
#include <stdlib.h>

static SQLHANDLE odbcx_alloc_env() {
	SQLHANDLE env = SQL_NULL_HANDLE;
	if (SQLAllocHandle(SQL_HANDLE_ENV, SQL_NULL_HANDLE, &env) != SQL_SUCCESS) {
		return SQL_NULL_HANDLE;
	}
	SQLSetEnvAttr(env, SQL_ATTR_ODBC_VERSION, (SQLPOINTER)SQL_OV_ODBC3, 0);
	return env;
}
*/
import "C"

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/odbcx/engine/internal/wire"
)

// odbcBackend is the real ODBC driver manager binding, built only
// when cgo is enabled. It owns a single process-wide SQLHENV shared
// immutably across every connection.
type odbcBackend struct{}

func init() {
	RegisterBackend(odbcBackend{})
}

func (odbcBackend) Name() string { return "odbc" }

var (
	henvOnce sync.Once
	henv     C.SQLHANDLE
	henvErr  error
)

func sharedEnvHandle() (C.SQLHANDLE, error) {
	henvOnce.Do(func() {
		if _, err := Init(); err != nil {
			henvErr = err
			return
		}
		h := C.odbcx_alloc_env()
		if h == C.SQL_NULL_HANDLE {
			henvErr = ErrEnvInitFailed
			return
		}
		henv = h
	})
	return henv, henvErr
}

func (odbcBackend) Connect(ctx context.Context, connString string) (Conn, error) {
	env, err := sharedEnvHandle()
	if err != nil {
		return nil, err
	}

	var hdbc C.SQLHANDLE
	if rc := C.SQLAllocHandle(C.SQL_HANDLE_DBC, env, &hdbc); !sqlSucceeded(rc) {
		return nil, fmt.Errorf("odbcenv: SQLAllocHandle(DBC) failed (rc=%d)", rc)
	}

	cs := C.CString(connString)
	defer C.free(unsafe.Pointer(cs))

	// SQLDriverConnect leaves hdbc allocated on failure; release it
	// explicitly so no handle leaks on any exit path.
	rc := C.SQLDriverConnect(hdbc, nil, (*C.SQLCHAR)(unsafe.Pointer(cs)), C.SQL_NTS,
		nil, 0, nil, C.SQL_DRIVER_NOPROMPT)
	if !sqlSucceeded(rc) {
		se, _ := drainDiagnostics(C.SQL_HANDLE_DBC, hdbc)
		C.SQLFreeHandle(C.SQL_HANDLE_DBC, hdbc)
		return nil, &odbcError{se: se}
	}

	if envInst := Instance(); envInst != nil {
		envInst.AllocateConnectionHandle()
	}

	return &odbcConn{hdbc: hdbc}, nil
}

type odbcError struct{ se wire.StructuredError }

func (e *odbcError) Error() string { return fmt.Sprintf("%s: %s", e.se.SQLState, e.se.Message) }

func sqlSucceeded(rc C.SQLRETURN) bool {
	return rc == C.SQL_SUCCESS || rc == C.SQL_SUCCESS_WITH_INFO
}

// drainDiagnostics reads the first diagnostic record for a handle.
// Absence of any diagnostic record is reported via ok=false.
func drainDiagnostics(handleType C.SQLSMALLINT, handle C.SQLHANDLE) (wire.StructuredError, bool) {
	var state [6]C.SQLCHAR
	var nativeErr C.SQLINTEGER
	var msg [1024]C.SQLCHAR
	var msgLen C.SQLSMALLINT

	rc := C.SQLGetDiagRec(handleType, handle, 1,
		(*C.SQLCHAR)(unsafe.Pointer(&state[0])), &nativeErr,
		(*C.SQLCHAR)(unsafe.Pointer(&msg[0])), C.SQLSMALLINT(len(msg)), &msgLen)
	if !sqlSucceeded(rc) {
		return wire.StructuredError{}, false
	}

	return wire.StructuredError{
		SQLState:   C.GoStringN((*C.char)(unsafe.Pointer(&state[0])), 5),
		NativeCode: int32(nativeErr),
		Message:    C.GoStringN((*C.char)(unsafe.Pointer(&msg[0])), C.int(msgLen)),
	}, true
}

type odbcConn struct {
	mu         sync.Mutex
	hdbc       C.SQLHANDLE
	timeoutMS  uint32
	activeStmt *odbcStmt
}

func (c *odbcConn) IsDead() bool {
	var dead C.SQLUINTEGER
	rc := C.SQLGetConnectAttr(c.hdbc, C.SQL_ATTR_CONNECTION_DEAD,
		C.SQLPOINTER(unsafe.Pointer(&dead)), C.SQL_IS_UINTEGER, nil)
	if !sqlSucceeded(rc) {
		return true
	}
	return dead == C.SQL_CD_TRUE
}

func (c *odbcConn) SetStatementTimeout(ms uint32) error {
	// stored and applied per-statement at Prepare time via
	// SQL_ATTR_QUERY_TIMEOUT (seconds, rounded up) on each hstmt.
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeoutMS = ms
	return nil
}

func (c *odbcConn) Prepare(ctx context.Context, sqlText string) (Stmt, error) {
	var hstmt C.SQLHANDLE
	if rc := C.SQLAllocHandle(C.SQL_HANDLE_STMT, c.hdbc, &hstmt); !sqlSucceeded(rc) {
		return nil, fmt.Errorf("odbcenv: SQLAllocHandle(STMT) failed (rc=%d)", rc)
	}

	timeoutSec := (c.timeoutMS + 999) / 1000
	C.SQLSetStmtAttr(hstmt, C.SQL_ATTR_QUERY_TIMEOUT,
		C.SQLPOINTER(uintptr(timeoutSec)), C.SQL_IS_UINTEGER)

	cs := C.CString(sqlText)
	defer C.free(unsafe.Pointer(cs))
	if rc := C.SQLPrepare(hstmt, (*C.SQLCHAR)(unsafe.Pointer(cs)), C.SQL_NTS); !sqlSucceeded(rc) {
		se, _ := drainDiagnostics(C.SQL_HANDLE_STMT, hstmt)
		C.SQLFreeHandle(C.SQL_HANDLE_STMT, hstmt)
		return nil, &odbcError{se: se}
	}

	return &odbcStmt{conn: c, hstmt: hstmt}, nil
}

func (c *odbcConn) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeStmt == nil {
		return nil
	}
	rc := C.SQLCancel(c.activeStmt.hstmt)
	if !sqlSucceeded(rc) {
		return fmt.Errorf("odbcenv: SQLCancel failed (rc=%d)", rc)
	}
	return nil
}

func (c *odbcConn) Diagnostics() (wire.StructuredError, bool) {
	return drainDiagnostics(C.SQL_HANDLE_DBC, c.hdbc)
}

func (c *odbcConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hdbc == C.SQL_NULL_HANDLE {
		return nil
	}
	C.SQLDisconnect(c.hdbc)
	C.SQLFreeHandle(C.SQL_HANDLE_DBC, c.hdbc)
	c.hdbc = C.SQL_NULL_HANDLE
	if envInst := Instance(); envInst != nil {
		envInst.FreeConnectionHandle()
	}
	return nil
}

type odbcStmt struct {
	conn    *odbcConn
	hstmt   C.SQLHANDLE
	columns []wire.Column
	// bound keeps Go-side parameter storage alive for the lifetime of
	// the bound statement, since SQLBindParameter only stores a
	// pointer into it.
	bound []interface{}
}

func (s *odbcStmt) BindParams(params []wire.ParamValue) error {
	s.bound = make([]interface{}, 0, len(params))
	for i, p := range params {
		ord := C.SQLUSMALLINT(i + 1)
		if err := bindOne(s.hstmt, ord, p, &s.bound); err != nil {
			return err
		}
	}
	return nil
}

func bindOne(hstmt C.SQLHANDLE, ord C.SQLUSMALLINT, p wire.ParamValue, keepAlive *[]interface{}) error {
	switch p.Tag {
	case wire.ParamNull:
		var ind C.SQLLEN = C.SQL_NULL_DATA
		*keepAlive = append(*keepAlive, &ind)
		rc := C.SQLBindParameter(hstmt, ord, C.SQL_PARAM_INPUT,
			C.SQL_C_DEFAULT, C.SQL_VARCHAR, 0, 0, nil, 0, (*C.SQLLEN)(unsafe.Pointer(&ind)))
		return checkBind(rc)
	case wire.ParamString:
		buf := append([]byte(nil), p.Payload...)
		buf = append(buf, 0)
		*keepAlive = append(*keepAlive, buf)
		var ind C.SQLLEN = C.SQLLEN(len(p.Payload))
		*keepAlive = append(*keepAlive, &ind)
		rc := C.SQLBindParameter(hstmt, ord, C.SQL_PARAM_INPUT,
			C.SQL_C_CHAR, C.SQL_VARCHAR, C.SQLULEN(len(p.Payload)), 0,
			unsafe.Pointer(&buf[0]), C.SQLLEN(len(buf)), (*C.SQLLEN)(unsafe.Pointer(&ind)))
		return checkBind(rc)
	case wire.ParamInt32:
		var v C.SQLINTEGER
		if len(p.Payload) == 4 {
			v = C.SQLINTEGER(int32(p.Payload[0]) | int32(p.Payload[1])<<8 | int32(p.Payload[2])<<16 | int32(p.Payload[3])<<24)
		}
		*keepAlive = append(*keepAlive, &v)
		rc := C.SQLBindParameter(hstmt, ord, C.SQL_PARAM_INPUT,
			C.SQL_C_SLONG, C.SQL_INTEGER, 0, 0, unsafe.Pointer(&v), 0, nil)
		return checkBind(rc)
	case wire.ParamInt64:
		var v C.SQLBIGINT
		if len(p.Payload) == 8 {
			var u int64
			for i := 7; i >= 0; i-- {
				u = u<<8 | int64(p.Payload[i])
			}
			v = C.SQLBIGINT(u)
		}
		*keepAlive = append(*keepAlive, &v)
		rc := C.SQLBindParameter(hstmt, ord, C.SQL_PARAM_INPUT,
			C.SQL_C_SBIGINT, C.SQL_BIGINT, 0, 0, unsafe.Pointer(&v), 0, nil)
		return checkBind(rc)
	case wire.ParamDecimal:
		if _, err := wire.ValidateDecimal(p.Payload); err != nil {
			return err
		}
		buf := append([]byte(nil), p.Payload...)
		buf = append(buf, 0)
		*keepAlive = append(*keepAlive, buf)
		var ind C.SQLLEN = C.SQLLEN(len(p.Payload))
		*keepAlive = append(*keepAlive, &ind)
		rc := C.SQLBindParameter(hstmt, ord, C.SQL_PARAM_INPUT,
			C.SQL_C_CHAR, C.SQL_DECIMAL, C.SQLULEN(len(p.Payload)), 0,
			unsafe.Pointer(&buf[0]), C.SQLLEN(len(buf)), (*C.SQLLEN)(unsafe.Pointer(&ind)))
		return checkBind(rc)
	case wire.ParamBinary:
		buf := append([]byte(nil), p.Payload...)
		*keepAlive = append(*keepAlive, buf)
		var ind C.SQLLEN = C.SQLLEN(len(p.Payload))
		*keepAlive = append(*keepAlive, &ind)
		ptr := unsafe.Pointer(nil)
		if len(buf) > 0 {
			ptr = unsafe.Pointer(&buf[0])
		}
		rc := C.SQLBindParameter(hstmt, ord, C.SQL_PARAM_INPUT,
			C.SQL_C_BINARY, C.SQL_VARBINARY, C.SQLULEN(len(p.Payload)), 0,
			ptr, C.SQLLEN(len(buf)), (*C.SQLLEN)(unsafe.Pointer(&ind)))
		return checkBind(rc)
	default:
		return fmt.Errorf("odbcenv: unknown parameter tag %d", p.Tag)
	}
}

func checkBind(rc C.SQLRETURN) error {
	if !sqlSucceeded(rc) {
		return fmt.Errorf("odbcenv: SQLBindParameter failed (rc=%d)", rc)
	}
	return nil
}

func (s *odbcStmt) Execute(ctx context.Context) error {
	// Pin this goroutine to its OS thread for the duration of the
	// driver call: ODBC handles are not safe to use concurrently from
	// different OS threads for some driver managers.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.conn.mu.Lock()
	s.conn.activeStmt = s
	s.conn.mu.Unlock()
	defer func() {
		s.conn.mu.Lock()
		s.conn.activeStmt = nil
		s.conn.mu.Unlock()
	}()

	rc := C.SQLExecute(s.hstmt)
	if !sqlSucceeded(rc) {
		se, _ := drainDiagnostics(C.SQL_HANDLE_STMT, s.hstmt)
		return &odbcError{se: se}
	}

	cols, err := describeColumns(s.hstmt)
	if err != nil {
		return err
	}
	s.columns = cols
	return nil
}

func describeColumns(hstmt C.SQLHANDLE) ([]wire.Column, error) {
	var n C.SQLSMALLINT
	if rc := C.SQLNumResultCols(hstmt, &n); !sqlSucceeded(rc) {
		return nil, fmt.Errorf("odbcenv: SQLNumResultCols failed (rc=%d)", rc)
	}

	cols := make([]wire.Column, 0, n)
	for i := C.SQLUSMALLINT(1); i <= C.SQLUSMALLINT(n); i++ {
		var nameBuf [256]C.SQLCHAR
		var nameLen C.SQLSMALLINT
		var sqlType C.SQLSMALLINT
		var size C.SQLULEN
		var scale C.SQLSMALLINT
		var nullable C.SQLSMALLINT

		rc := C.SQLDescribeCol(hstmt, i,
			(*C.SQLCHAR)(unsafe.Pointer(&nameBuf[0])), C.SQLSMALLINT(len(nameBuf)), &nameLen,
			&sqlType, &size, &scale, &nullable)
		if !sqlSucceeded(rc) {
			return nil, fmt.Errorf("odbcenv: SQLDescribeCol(%d) failed (rc=%d)", i, rc)
		}

		cols = append(cols, wire.Column{
			Name:     C.GoStringN((*C.char)(unsafe.Pointer(&nameBuf[0])), C.int(nameLen)),
			SQLType:  uint16(sqlType),
			Nullable: nullable == C.SQL_NULLABLE,
			DeclSize: uint32(size),
		})
	}
	return cols, nil
}

func (s *odbcStmt) Columns() ([]wire.Column, error) {
	if s.columns == nil {
		return nil, fmt.Errorf("odbcenv: Columns called before Execute")
	}
	return s.columns, nil
}

func (s *odbcStmt) FetchAll(ctx context.Context, maxBufferBytes uint64) ([]wire.Row, error) {
	return s.fetch(ctx, -1, maxBufferBytes)
}

func (s *odbcStmt) OpenCursor(ctx context.Context, cursorName string) error {
	cs := C.CString(cursorName)
	defer C.free(unsafe.Pointer(cs))
	rc := C.SQLSetCursorName(s.hstmt, (*C.SQLCHAR)(unsafe.Pointer(cs)), C.SQL_NTS)
	if !sqlSucceeded(rc) {
		return fmt.Errorf("odbcenv: SQLSetCursorName failed (rc=%d)", rc)
	}
	return nil
}

func (s *odbcStmt) FetchChunk(ctx context.Context, chunkRows int) ([]wire.Row, error) {
	return s.fetch(ctx, chunkRows, 0)
}

func (s *odbcStmt) fetch(ctx context.Context, limit int, maxBufferBytes uint64) ([]wire.Row, error) {
	var out []wire.Row
	var total uint64
	for limit < 0 || len(out) < limit {
		rc := C.SQLFetch(s.hstmt)
		if rc == C.SQL_NO_DATA {
			break
		}
		if !sqlSucceeded(rc) {
			se, _ := drainDiagnostics(C.SQL_HANDLE_STMT, s.hstmt)
			return nil, &odbcError{se: se}
		}

		row := make(wire.Row, len(s.columns))
		for i := range s.columns {
			val, null, err := getData(s.hstmt, C.SQLUSMALLINT(i+1))
			if err != nil {
				return nil, err
			}
			row[i] = val
			if !null {
				total += uint64(len(val))
			}
		}
		if maxBufferBytes > 0 && total > maxBufferBytes {
			return nil, fmt.Errorf("odbcenv: result exceeds max_buffer_bytes (%d)", maxBufferBytes)
		}
		out = append(out, row)
	}
	return out, nil
}

func getData(hstmt C.SQLHANDLE, col C.SQLUSMALLINT) ([]byte, bool, error) {
	var buf [8192]C.SQLCHAR
	var ind C.SQLLEN
	rc := C.SQLGetData(hstmt, col, C.SQL_C_CHAR,
		C.SQLPOINTER(unsafe.Pointer(&buf[0])), C.SQLLEN(len(buf)), &ind)
	if !sqlSucceeded(rc) {
		return nil, false, fmt.Errorf("odbcenv: SQLGetData(col=%d) failed (rc=%d)", col, rc)
	}
	if ind == C.SQL_NULL_DATA {
		return nil, true, nil
	}
	n := int(ind)
	if n > len(buf)-1 {
		n = len(buf) - 1
	}
	return C.GoBytes(unsafe.Pointer(&buf[0]), C.int(n)), false, nil
}

func (s *odbcStmt) Close() error {
	if s.hstmt == C.SQL_NULL_HANDLE {
		return nil
	}
	C.SQLFreeHandle(C.SQL_HANDLE_STMT, s.hstmt)
	s.hstmt = C.SQL_NULL_HANDLE
	return nil
}
