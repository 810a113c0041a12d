package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is a JSON object column.
type Metadata map[string]any

// Scan implements sql.Scanner. NULL and empty values scan to an empty map.
func (m *Metadata) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", v)
	}

	*m = make(Metadata)
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return fmt.Errorf("decoding metadata : %w", err)
	}
	return nil
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata : %w", err)
	}
	return string(encoded), nil
}
