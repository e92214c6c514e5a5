package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rs := &ResultSet{
		Columns: []Column{
			{Name: "id", SQLType: 4, Nullable: false, DeclSize: 4},
			{Name: "name", SQLType: 12, Nullable: true, DeclSize: 255},
		},
		Rows: []Row{
			{[]byte{1, 0, 0, 0}, []byte("héllo")},
			{[]byte{2, 0, 0, 0}, nil},
		},
	}

	buf, err := Encode(rs, CompressionNone, DefaultCompressionThreshold)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(got.Columns) != len(rs.Columns) {
		t.Fatalf("column count = %d, want %d", len(got.Columns), len(rs.Columns))
	}
	for i, c := range rs.Columns {
		if got.Columns[i] != c {
			t.Errorf("column %d = %+v, want %+v", i, got.Columns[i], c)
		}
	}
	if len(got.Rows) != len(rs.Rows) {
		t.Fatalf("row count = %d, want %d", len(got.Rows), len(rs.Rows))
	}
	for i, row := range rs.Rows {
		for j, v := range row {
			if !bytes.Equal(got.Rows[i][j], v) {
				t.Errorf("row %d col %d = %v, want %v", i, j, got.Rows[i][j], v)
			}
		}
	}
}

func TestEncodeDecodeCompressed(t *testing.T) {
	row := make([]byte, 1024)
	for i := range row {
		row[i] = byte(i)
	}
	rs := &ResultSet{
		Columns: []Column{{Name: "blob", SQLType: 0xFFFC /* -4 as uint16 */, DeclSize: 1024}},
	}
	for i := 0; i < 10; i++ {
		rs.Rows = append(rs.Rows, Row{row})
	}

	for _, codec := range []Compression{CompressionZstd, CompressionLZ4} {
		buf, err := Encode(rs, codec, 0)
		if err != nil {
			t.Fatalf("codec %d Encode: %v", codec, err)
		}
		if buf[6] != byte(codec) {
			t.Fatalf("codec %d: header flag = %d, want %d", codec, buf[6], codec)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("codec %d Decode: %v", codec, err)
		}
		if len(got.Rows) != len(rs.Rows) || !bytes.Equal(got.Rows[0][0], row) {
			t.Fatalf("codec %d: round trip mismatch", codec)
		}
	}
}

func TestDecodeBadMagic(t *testing.T) {
	buf := make([]byte, 32)
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for bad magic, got nil")
	}
}

func TestDecodeTruncated(t *testing.T) {
	rs := &ResultSet{Columns: []Column{{Name: "x", SQLType: 4}}, Rows: []Row{{[]byte{1}}}}
	buf, err := Encode(rs, CompressionNone, DefaultCompressionThreshold)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, cut := range []int{0, 4, 10, len(buf) - 1} {
		if cut < 0 || cut > len(buf) {
			continue
		}
		if _, err := Decode(buf[:cut]); err == nil {
			t.Errorf("Decode(truncated to %d bytes): expected error", cut)
		}
	}
}

func TestParamValueRoundTrip(t *testing.T) {
	values := []ParamValue{
		{Tag: ParamNull},
		{Tag: ParamString, Payload: []byte("héllo")},
		{Tag: ParamInt32, Payload: []byte{1, 0, 0, 0}},
		{Tag: ParamInt64, Payload: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
		{Tag: ParamDecimal, Payload: []byte("3.14")},
		{Tag: ParamBinary, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}

	buf := EncodeParams(values)
	got, err := DecodeParams(buf)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d params, want %d", len(got), len(values))
	}
	for i, v := range values {
		if got[i].Tag != v.Tag || !bytes.Equal(got[i].Payload, v.Payload) {
			t.Errorf("param %d = %+v, want %+v", i, got[i], v)
		}
	}
}

func TestValidateDecimal(t *testing.T) {
	if _, err := ValidateDecimal([]byte("12.5")); err != nil {
		t.Errorf("valid decimal rejected: %v", err)
	}
	if _, err := ValidateDecimal([]byte("not-a-number")); err == nil {
		t.Error("expected error for malformed decimal")
	}
}

func TestStructuredErrorRoundTrip(t *testing.T) {
	e := StructuredError{SQLState: "08003", NativeCode: -42, Message: "connection lost: héllo"}
	buf := EncodeError(e)
	got, err := DecodeError(buf)
	if err != nil {
		t.Fatalf("DecodeError: %v", err)
	}
	if got != e {
		t.Errorf("got %+v, want %+v", got, e)
	}
}

func TestStructuredErrorTruncated(t *testing.T) {
	e := StructuredError{SQLState: "HY000", NativeCode: 1, Message: "boom"}
	buf := EncodeError(e)
	if _, err := DecodeError(buf[:5]); err == nil {
		t.Error("expected error decoding truncated structured error")
	}
}
