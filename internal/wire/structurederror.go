package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SQLSTATE used for synthetic (non-driver-originated) errors.
const SyntheticSQLSTATE = "00000"

// StructuredError is the fixed SQLSTATE + native code + UTF-8 message
// wire layout.
type StructuredError struct {
	SQLState   string // exactly 5 ASCII bytes, zero-padded
	NativeCode int32
	Message    string
}

// EncodeError serializes a StructuredError. SQLSTATE is truncated or
// zero-padded to exactly 5 bytes.
func EncodeError(e StructuredError) []byte {
	var state [5]byte
	copy(state[:], e.SQLState)

	msg := []byte(e.Message)
	buf := make([]byte, 0, 5+4+4+len(msg))
	buf = append(buf, state[:]...)
	var nc [4]byte
	binary.LittleEndian.PutUint32(nc[:], uint32(e.NativeCode))
	buf = append(buf, nc[:]...)
	buf = appendU32(buf, uint32(len(msg)))
	buf = append(buf, msg...)
	return buf
}

// DecodeError parses a StructuredError. Any truncation yields an empty
// error and ErrProtocol rather than a panic.
func DecodeError(buf []byte) (e StructuredError, err error) {
	if len(buf) < 13 {
		return StructuredError{}, errors.Wrap(ErrProtocol, "truncated structured error")
	}
	state := buf[0:5]
	nativeCode := int32(binary.LittleEndian.Uint32(buf[5:9]))
	msgLen := binary.LittleEndian.Uint32(buf[9:13])
	rest := buf[13:]
	if uint32(len(rest)) < msgLen {
		return StructuredError{}, errors.Wrap(ErrProtocol, "truncated structured error message")
	}
	// trim trailing zero padding from the fixed SQLSTATE field.
	n := len(state)
	for n > 0 && state[n-1] == 0 {
		n--
	}
	return StructuredError{
		SQLState:   string(state[:n]),
		NativeCode: nativeCode,
		Message:    string(rest[:msgLen]),
	}, nil
}
