package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/toolrun/internal/canonical"
)

// marshalJSON converts v to canonical JSON TEXT for storage. A nil value is
// stored as SQL NULL.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	norm, err := canonical.Normalize(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if norm == nil {
		return sql.NullString{}, nil
	}
	data, err := canonical.Marshal(norm)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalJSON parses a JSON column into dst. Numbers decode as
// json.Number to avoid float64 precision loss. NULL leaves dst untouched.
func unmarshalJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(col.String)))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}
