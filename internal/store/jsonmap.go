package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a free-form JSON object persisted as a single TEXT column.
type JSONMap map[string]any

// Value implements driver.Valuer so a JSONMap can be passed directly to
// database/sql Exec/Query arguments.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner, decoding a TEXT/BLOB column back into m.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("JSONMap.Scan: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("JSONMap.Scan: %w", err)
	}
	*m = decoded
	return nil
}

// JSONStringSlice marshals/unmarshals a []string through a TEXT column,
// used for facts, concepts, files_read, files_modified and similar
// repeated-string fields that spec.md models as JSON arrays.
type JSONStringSlice []string

func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *JSONStringSlice) Scan(src any) error {
	if src == nil {
		*s = JSONStringSlice{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("JSONStringSlice.Scan: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*s = JSONStringSlice{}
		return nil
	}
	var decoded []string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("JSONStringSlice.Scan: %w", err)
	}
	*s = decoded
	return nil
}

func marshalStrings(ss []string) string {
	v, _ := JSONStringSlice(ss).Value()
	s, _ := v.(string)
	return s
}

func unmarshalStrings(raw string) []string {
	var out JSONStringSlice
	_ = out.Scan(raw)
	return []string(out)
}

func marshalJSONMap(m JSONMap) string {
	v, _ := m.Value()
	s, _ := v.(string)
	return s
}

func unmarshalJSONMap(raw string) JSONMap {
	var out JSONMap
	_ = out.Scan(raw)
	return out
}
