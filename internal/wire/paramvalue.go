package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ParamTag identifies the type of a ParamValue.
type ParamTag uint8

const (
	ParamNull    ParamTag = 0
	ParamString  ParamTag = 1
	ParamInt32   ParamTag = 2
	ParamInt64   ParamTag = 3
	ParamDecimal ParamTag = 4
	ParamBinary  ParamTag = 5
)

// ParamValue is one positional, tagged, length-prefixed parameter.
type ParamValue struct {
	Tag     ParamTag
	Payload []byte
}

// EncodeParams concatenates a positional parameter list into the wire
// ParamValue list format.
func EncodeParams(values []ParamValue) []byte {
	var buf []byte
	for _, v := range values {
		buf = append(buf, byte(v.Tag))
		buf = appendU32(buf, uint32(len(v.Payload)))
		buf = append(buf, v.Payload...)
	}
	return buf
}

// DecodeParams parses a ParamValue list in positional order.
func DecodeParams(buf []byte) (values []ParamValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			values = nil
			err = errors.Wrapf(ErrProtocol, "decode params panic: %v", r)
		}
	}()

	off := 0
	for off < len(buf) {
		if off+1+4 > len(buf) {
			return nil, errors.Wrap(ErrProtocol, "truncated param header")
		}
		tag := ParamTag(buf[off])
		off++
		length := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		if off+int(length) > len(buf) {
			return nil, errors.Wrap(ErrProtocol, "truncated param payload")
		}
		values = append(values, ParamValue{Tag: tag, Payload: buf[off : off+int(length)]})
		off += int(length)
	}
	return values, nil
}

// ValidateDecimal checks that a ParamDecimal payload is a well-formed
// decimal literal before it is bound to the driver. Malformed payloads
// are a Validation error, not a driver-level failure.
func ValidateDecimal(payload []byte) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(payload))
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "wire: invalid decimal parameter %q", payload)
	}
	return d, nil
}
