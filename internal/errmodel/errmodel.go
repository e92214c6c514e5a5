// Package errmodel implements the categorized error taxonomy and
// per-connection/process-wide error slots.
package errmodel

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/odbcx/engine/internal/wire"
)

// Category classifies an EngineError for retry/propagation decisions.
type Category int

const (
	// Transient errors are retryable by the caller: SQLSTATE class
	// "08", deadlock victim, statement timeout.
	Transient Category = iota
	// ConnectionLost is a subset of Transient that additionally
	// invalidates the connection.
	ConnectionLost
	// Fatal covers driver-internal errors and invalid engine state.
	Fatal
	// Validation covers bad SQL, bad parameter count, type mismatch.
	Validation
)

func (c Category) String() string {
	switch c {
	case Transient:
		return "Transient"
	case ConnectionLost:
		return "ConnectionLost"
	case Fatal:
		return "Fatal"
	case Validation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// EngineError is a tagged error variant carrying a Category and the
// originating driver diagnostic, used in place of a hierarchy of
// polymorphic error types.
type EngineError struct {
	Category   Category
	Structured wire.StructuredError
	cause      error
}

func (e *EngineError) Error() string {
	return e.Category.String() + ": " + e.Structured.SQLState + " " + e.Structured.Message
}

// Unwrap exposes the wrapped cause so errors.Is/As and pkg/errors'
// Cause keep working across the boundary between Handles and Engine.
func (e *EngineError) Unwrap() error { return e.cause }

// Retryable derives retryability purely from the category.
func (e *EngineError) Retryable() bool {
	return e.Category == Transient || e.Category == ConnectionLost
}

// New wraps a StructuredError captured at the narrowest scope (Handles
// or Engine) into a categorized EngineError.
func New(category Category, se wire.StructuredError, cause error) *EngineError {
	return &EngineError{Category: category, Structured: se, cause: errors.WithStack(cause)}
}

// Synthetic builds an EngineError that did not originate from the
// driver (e.g. a protocol decode failure), using SQLSTATE "00000".
func Synthetic(category Category, message string) *EngineError {
	return &EngineError{
		Category:   category,
		Structured: wire.StructuredError{SQLState: wire.SyntheticSQLSTATE, Message: message},
	}
}

// Classify assigns a Category from a driver-reported SQLSTATE.
func Classify(se wire.StructuredError) Category {
	state := se.SQLState
	switch {
	case strings.HasPrefix(state, "08"):
		return ConnectionLost
	case state == "40001": // deadlock victim / serialization failure
		return Transient
	case state == "HYT00" || state == "HYT01": // timeout expired
		return Transient
	case strings.HasPrefix(state, "42") || strings.HasPrefix(state, "22") || strings.HasPrefix(state, "07"):
		return Validation
	default:
		return Fatal
	}
}

// Slot is a mutex-guarded holder for the last error observed, used
// both per-connection and as the process-wide mirror slot.
type Slot struct {
	mu  sync.RWMutex
	err *EngineError
}

// Set stores err as the most recently observed error.
func (s *Slot) Set(err *EngineError) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Get returns the last stored error, or nil if none has been set.
func (s *Slot) Get() *EngineError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// ProcessSlot mirrors the last error observed by boundary calls that
// lack a connection id (init, connect itself before a record exists).
var ProcessSlot Slot

// Record stores err in both the owning connection's slot (if any) and
// the process-wide mirror.
func Record(connSlot *Slot, err *EngineError) {
	if connSlot != nil {
		connSlot.Set(err)
	}
	ProcessSlot.Set(err)
}
