package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec.md §7. The (external, out of
// scope) HTTP layer maps these to status codes with errors.Is/errors.As;
// this package never depends on net/http.
var (
	ErrBadlyFormattedName = errors.New("badly formatted index name")
	ErrNameAlreadyExists  = errors.New("index name already exists")
	ErrIndexAlreadyExists = errors.New("index already exists")
	ErrUnknownIndex       = errors.New("unknown index")
)

// PayloadError wraps a streaming failure while staging an update payload.
type PayloadError struct {
	Cause error
}

func (e *PayloadError) Error() string { return fmt.Sprintf("payload error: %v", e.Cause) }
func (e *PayloadError) Unwrap() error { return e.Cause }

// EngineError wraps an opaque failure returned by the SearchIndex engine.
// UserCaused distinguishes a 400-class failure (bad JSON, bad primary key)
// from a 500-class one.
type EngineError struct {
	Cause      error
	UserCaused bool
}

func (e *EngineError) Error() string { return fmt.Sprintf("engine error: %v", e.Cause) }
func (e *EngineError) Unwrap() error { return e.Cause }

// InternalError wraps unexpected I/O, JSON encoding, or actor-mailbox
// failures that are never user-caused.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal error: %v", e.Cause) }
func (e *InternalError) Unwrap() error { return e.Cause }

// UnknownIndexError names the index (by name, id, or both) that could not
// be resolved.
type UnknownIndexError struct {
	Name string
	ID   IndexId
}

func (e *UnknownIndexError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unknown index %q", e.Name)
	}
	return fmt.Sprintf("unknown index %q", e.ID)
}

func (e *UnknownIndexError) Unwrap() error { return ErrUnknownIndex }

// NameAlreadyExistsError names the name that collided.
type NameAlreadyExistsError struct {
	Name string
}

func (e *NameAlreadyExistsError) Error() string {
	return fmt.Sprintf("index name %q already exists", e.Name)
}

func (e *NameAlreadyExistsError) Unwrap() error { return ErrNameAlreadyExists }

// IndexAlreadyExistsError names the id that collided on a strict create.
type IndexAlreadyExistsError struct {
	ID IndexId
}

func (e *IndexAlreadyExistsError) Error() string {
	return fmt.Sprintf("index %q already exists", e.ID)
}

func (e *IndexAlreadyExistsError) Unwrap() error { return ErrIndexAlreadyExists }
