package errmodel

import (
	"errors"
	"testing"

	"github.com/odbcx/engine/internal/wire"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		state string
		want  Category
	}{
		{"08003", ConnectionLost},
		{"08S01", ConnectionLost},
		{"40001", Transient},
		{"HYT00", Transient},
		{"42000", Validation},
		{"22003", Validation},
		{"HY000", Fatal},
	}
	for _, c := range cases {
		got := Classify(wire.StructuredError{SQLState: c.state})
		if got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !New(Transient, wire.StructuredError{}, nil).Retryable() {
		t.Error("Transient should be retryable")
	}
	if !New(ConnectionLost, wire.StructuredError{}, nil).Retryable() {
		t.Error("ConnectionLost should be retryable")
	}
	if New(Validation, wire.StructuredError{}, nil).Retryable() {
		t.Error("Validation should not be retryable")
	}
	if New(Fatal, wire.StructuredError{}, nil).Retryable() {
		t.Error("Fatal should not be retryable")
	}
}

func TestSlotRecordMirrorsProcessSlot(t *testing.T) {
	var connSlot Slot
	err := New(Fatal, wire.StructuredError{SQLState: "HY000", Message: "boom"}, nil)
	Record(&connSlot, err)

	if connSlot.Get() != err {
		t.Error("connection slot was not updated")
	}
	if ProcessSlot.Get() != err {
		t.Error("process-wide slot was not mirrored")
	}
}

func TestSyntheticUsesZeroSQLState(t *testing.T) {
	e := Synthetic(Validation, "bad input")
	if e.Structured.SQLState != wire.SyntheticSQLSTATE {
		t.Errorf("SQLState = %q, want %q", e.Structured.SQLState, wire.SyntheticSQLSTATE)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("driver exploded")
	e := New(Fatal, wire.StructuredError{}, cause)
	if errors.Unwrap(e) == nil {
		t.Error("expected Unwrap to return a non-nil cause chain")
	}
}
