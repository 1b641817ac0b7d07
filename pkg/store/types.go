package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a map[string]any stored as a JSON text column.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface for JSONMap.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, err := columnBytes(value, "JSONMap")
	if err != nil {
		return err
	}
	return json.Unmarshal(b, m)
}

// Value implements the driver.Valuer interface for JSONMap.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONStringSlice is a []string stored as a JSON text column.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	b, err := columnBytes(value, "JSONStringSlice")
	if err != nil {
		return err
	}
	return json.Unmarshal(b, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONRaw keeps an already-encoded JSON document verbatim. Typed payloads are
// encoded by their owners and decoded again by event type.
type JSONRaw json.RawMessage

// Scan implements the sql.Scanner interface for JSONRaw.
func (r *JSONRaw) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}
	b, err := columnBytes(value, "JSONRaw")
	if err != nil {
		return err
	}
	*r = append((*r)[:0], b...)
	return nil
}

// Value implements the driver.Valuer interface for JSONRaw.
func (r JSONRaw) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return string(r), nil
}

// MarshalJSON emits the stored document unchanged.
func (r JSONRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of data.
func (r *JSONRaw) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

func columnBytes(value any, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported type for %s: %T", typeName, value)
	}
}
