package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONColumn stores a typed value as a JSON TEXT column.
type JSONColumn[T any] struct {
	V T
}

// Value implements driver.Valuer.
func (c JSONColumn[T]) Value() (driver.Value, error) {
	data, err := json.Marshal(c.V)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (c *JSONColumn[T]) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		var zero T
		c.V = zero
		return nil
	case []byte:
		if len(v) == 0 {
			var zero T
			c.V = zero
			return nil
		}
		return json.Unmarshal(v, &c.V)
	case string:
		if v == "" {
			var zero T
			c.V = zero
			return nil
		}
		return json.Unmarshal([]byte(v), &c.V)
	default:
		return fmt.Errorf("cannot scan %T into JSONColumn", src)
	}
}

// MarshalJSON flattens the column to its inner value.
func (c JSONColumn[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.V)
}

// UnmarshalJSON parses the inner value.
func (c *JSONColumn[T]) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &c.V)
}

// JSON wraps a value in a JSONColumn.
func JSON[T any](v T) JSONColumn[T] { return JSONColumn[T]{V: v} }

// RawJSON is an opaque JSON document stored as TEXT. Unlike a bare
// json.RawMessage it survives the SQL round trip while empty: nil binds
// as NULL and NULL scans back to nil.
type RawJSON []byte

// Value implements driver.Valuer.
func (r RawJSON) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

// Scan implements sql.Scanner.
func (r *RawJSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*r = nil
			return nil
		}
		*r = append((*r)[:0], v...)
		return nil
	case string:
		if v == "" {
			*r = nil
			return nil
		}
		*r = RawJSON(v)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into RawJSON", src)
	}
}

// MarshalJSON mirrors json.RawMessage: the bytes are the JSON.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores the raw bytes verbatim.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = nil
		return nil
	}
	*r = append((*r)[:0], data...)
	return nil
}

// StringList is a []string stored as a JSON array column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*l = nil
			return nil
		}
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		if v == "" {
			*l = nil
			return nil
		}
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}
