// Package wire implements the engine's binary framing: ResultBuffer,
// ParamValue lists, and StructuredError records. All integers are
// little-endian; all text is UTF-8.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Magic is the fixed ResultBuffer header magic number.
const Magic uint32 = 0x4F444243

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion uint16 = 1

// Compression codec tags for the ResultBuffer header.
const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

// Compression identifies the payload codec used for a ResultBuffer.
type Compression uint8

// DefaultCompressionThreshold is the payload size above which
// compression is considered, overridable via ODBC_FAST_COMPRESSION_THRESHOLD.
const DefaultCompressionThreshold = 256 * 1024

// Column describes one result column's metadata.
type Column struct {
	Name       string
	SQLType    uint16
	Nullable   bool
	DeclSize   uint32
}

// Row is one row of column values. A nil entry encodes SQL NULL.
type Row [][]byte

// ResultSet is the decoded, in-memory form of a ResultBuffer.
type ResultSet struct {
	Columns []Column
	Rows    []Row
}

// ErrProtocol is returned for any malformed ResultBuffer.
var ErrProtocol = errors.New("wire: protocol error")

// Encode serializes a ResultSet into a ResultBuffer. If the encoded
// payload exceeds threshold bytes and codec is not CompressionNone,
// the payload is compressed and the header's compression flag is set.
func Encode(rs *ResultSet, codec Compression, threshold int) ([]byte, error) {
	payload, err := encodePayload(rs)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode payload")
	}

	usedCodec := CompressionNone
	if codec != CompressionNone && threshold >= 0 && len(payload) > threshold {
		compressed, cerr := compress(codec, payload)
		if cerr != nil {
			return nil, errors.Wrap(cerr, "wire: compress payload")
		}
		payload = compressed
		usedCodec = codec
	}

	meta, err := encodeColumns(rs.Columns)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode columns")
	}

	buf := make([]byte, 0, 4+2+1+4+4+4+len(meta)+len(payload))
	buf = appendU32(buf, Magic)
	buf = appendU16(buf, ProtocolVersion)
	buf = append(buf, byte(usedCodec))
	buf = appendU32(buf, uint32(len(rs.Columns)))
	buf = appendU32(buf, uint32(len(rs.Rows)))
	buf = appendU32(buf, uint32(len(payload)))
	buf = append(buf, meta...)
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses a ResultBuffer back into a ResultSet. Any truncation or
// magic/version mismatch is reported as ErrProtocol, never a panic.
func Decode(buf []byte) (rs *ResultSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			rs = nil
			err = errors.Wrapf(ErrProtocol, "decode panic: %v", r)
		}
	}()

	if len(buf) < 19 {
		return nil, errors.Wrap(ErrProtocol, "buffer too short for header")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return nil, errors.Wrapf(ErrProtocol, "bad magic %#x", magic)
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != ProtocolVersion {
		return nil, errors.Wrapf(ErrProtocol, "unsupported protocol version %d", version)
	}
	codec := Compression(buf[6])
	colCount := binary.LittleEndian.Uint32(buf[7:11])
	rowCount := binary.LittleEndian.Uint32(buf[11:15])
	payloadSize := binary.LittleEndian.Uint32(buf[15:19])

	rest := buf[19:]
	cols, consumed, err := decodeColumns(rest, int(colCount))
	if err != nil {
		return nil, err
	}
	rest = rest[consumed:]

	if uint32(len(rest)) < payloadSize {
		return nil, errors.Wrap(ErrProtocol, "truncated payload")
	}
	payload := rest[:payloadSize]

	if codec != CompressionNone {
		decompressed, derr := decompress(codec, payload)
		if derr != nil {
			return nil, errors.Wrap(ErrProtocol, derr.Error())
		}
		payload = decompressed
	}

	rows, err := decodeRows(payload, int(colCount), int(rowCount))
	if err != nil {
		return nil, err
	}

	return &ResultSet{Columns: cols, Rows: rows}, nil
}

func encodeColumns(cols []Column) ([]byte, error) {
	var buf []byte
	for _, c := range cols {
		name := []byte(c.Name)
		if len(name) > 0xFFFF {
			return nil, fmt.Errorf("column name too long: %d bytes", len(name))
		}
		buf = appendU16(buf, uint16(len(name)))
		buf = append(buf, name...)
		buf = appendU16(buf, c.SQLType)
		if c.Nullable {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendU32(buf, c.DeclSize)
	}
	return buf, nil
}

func decodeColumns(buf []byte, count int) ([]Column, int, error) {
	cols := make([]Column, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		if off+2 > len(buf) {
			return nil, 0, errors.Wrap(ErrProtocol, "truncated column metadata")
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+nameLen > len(buf) {
			return nil, 0, errors.Wrap(ErrProtocol, "truncated column name")
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		if off+2+1+4 > len(buf) {
			return nil, 0, errors.Wrap(ErrProtocol, "truncated column metadata tail")
		}
		sqlType := binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		nullable := buf[off] != 0
		off++
		declSize := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
		cols = append(cols, Column{Name: name, SQLType: sqlType, Nullable: nullable, DeclSize: declSize})
	}
	return cols, off, nil
}

func encodePayload(rs *ResultSet) ([]byte, error) {
	var buf []byte
	for _, row := range rs.Rows {
		if len(row) != len(rs.Columns) {
			return nil, fmt.Errorf("row has %d values, want %d columns", len(row), len(rs.Columns))
		}
		for _, v := range row {
			if v == nil {
				buf = appendU32(buf, 0xFFFFFFFF)
				continue
			}
			buf = appendU32(buf, uint32(len(v)))
			buf = append(buf, v...)
		}
	}
	return buf, nil
}

func decodeRows(payload []byte, colCount, rowCount int) ([]Row, error) {
	rows := make([]Row, 0, rowCount)
	off := 0
	for r := 0; r < rowCount; r++ {
		row := make(Row, colCount)
		for c := 0; c < colCount; c++ {
			if off+4 > len(payload) {
				return nil, errors.Wrap(ErrProtocol, "truncated row value length")
			}
			length := binary.LittleEndian.Uint32(payload[off : off+4])
			off += 4
			if length == 0xFFFFFFFF {
				row[c] = nil
				continue
			}
			if off+int(length) > len(payload) {
				return nil, errors.Wrap(ErrProtocol, "truncated row value")
			}
			row[c] = payload[off : off+int(length)]
			off += int(length)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func compress(codec Compression, payload []byte) ([]byte, error) {
	switch codec {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, dst)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4+n)
		binary.LittleEndian.PutUint32(out[:4], uint32(len(payload)))
		copy(out[4:], dst[:n])
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", codec)
	}
}

func decompress(codec Compression, payload []byte) ([]byte, error) {
	switch codec {
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	case CompressionLZ4:
		if len(payload) < 4 {
			return nil, fmt.Errorf("truncated lz4 payload")
		}
		origSize := binary.LittleEndian.Uint32(payload[:4])
		dst := make([]byte, origSize)
		n, err := lz4.UncompressBlock(payload[4:], dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", codec)
	}
}
