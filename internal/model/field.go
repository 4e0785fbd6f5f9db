// internal/model/field.go
package model

import (
	"bytes"
	"encoding/json"
)

// Field is an optional record attribute that keeps "absent" and "explicit null"
// apart. A zero Field is absent; absent attributes never overwrite stored values.
type Field[T any] struct {
	Value T
	Set   bool
	Null  bool
}

// Some returns a present, non-null field.
func Some[T any](v T) Field[T] {
	return Field[T]{Value: v, Set: true}
}

// Null returns a present field carrying an explicit null.
func Null[T any]() Field[T] {
	return Field[T]{Set: true, Null: true}
}

// FromPtr maps nil to an explicit null and anything else to a value.
func FromPtr[T any](v *T) Field[T] {
	if v == nil {
		return Null[T]()
	}
	return Some(*v)
}

// Present reports whether the attribute was supplied at all.
func (f Field[T]) Present() bool { return f.Set }

// HasValue reports whether the attribute was supplied with a non-null value.
func (f Field[T]) HasValue() bool { return f.Set && !f.Null }

// IsZero lets `omitzero` drop absent fields when marshalling.
func (f Field[T]) IsZero() bool { return !f.Set }

// Ptr returns the value as a pointer, nil when absent or null.
func (f Field[T]) Ptr() *T {
	if !f.HasValue() {
		return nil
	}
	v := f.Value
	return &v
}

// Or returns the value when present and non-null, otherwise def.
func (f Field[T]) Or(def T) T {
	if f.HasValue() {
		return f.Value
	}
	return def
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		f.Value = zero
		f.Null = true
		return nil
	}
	f.Null = false
	return json.Unmarshal(data, &f.Value)
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.HasValue() {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}
