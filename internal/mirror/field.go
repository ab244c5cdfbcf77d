package mirror

import (
	"bytes"
	"encoding/json"
)

// FieldState distinguishes "not provided" from "explicitly cleared" in
// partial update payloads.
type FieldState int

const (
	// FieldUnset means the key was absent from the payload: leave unchanged.
	FieldUnset FieldState = iota
	// FieldClear means the key carried an explicit null: clear the value.
	FieldClear
	// FieldSet means the key carried a value.
	FieldSet
)

// Field is a tri-state optional used for clearable wire fields (due date,
// deadline, completion timestamp). The zero value is FieldUnset, which is
// what an absent JSON key leaves behind.
type Field[T any] struct {
	state FieldState
	value T
}

// SetField returns a Field carrying the provided value.
func SetField[T any](value T) Field[T] {
	return Field[T]{state: FieldSet, value: value}
}

// ClearField returns a Field representing an explicit null.
func ClearField[T any]() Field[T] {
	return Field[T]{state: FieldClear}
}

// State reports whether the field was unset, cleared, or set.
func (f Field[T]) State() FieldState {
	return f.state
}

// Value returns the carried value and whether the field was set.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.state == FieldSet
}

// Pointer merges the field into an existing pointer-typed column: Unset keeps
// the current value, Clear returns nil, Set returns the new value.
func (f Field[T]) Pointer(current *T) *T {
	switch f.state {
	case FieldClear:
		return nil
	case FieldSet:
		value := f.value
		return &value
	default:
		return current
	}
}

var jsonNull = []byte("null")

// UnmarshalJSON is only invoked when the key is present, so the zero value
// (FieldUnset) survives for absent keys.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		*f = Field[T]{state: FieldClear}
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*f = Field[T]{state: FieldSet, value: value}
	return nil
}

// MarshalJSON renders Set values and nulls Clear; Unset marshals as null too
// since encoding/json cannot omit struct keys dynamically.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.state == FieldSet {
		return json.Marshal(f.value)
	}
	return jsonNull, nil
}
