package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/rowsync/internal/schema"
)

// readValue turns a scanned driver value into something that survives a JSON round trip.
func readValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return append([]byte(nil), x...)
	default:
		return x
	}
}

// bindValue converts a value decoded from a batch into a driver argument for column c.
func bindValue(c *schema.Column, v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", columnName(c), err)
		}
		return f, nil
	case string:
		// Blobs travel base64 encoded in JSON batches.
		if c != nil && strings.Contains(strings.ToUpper(c.Type), "BLOB") {
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return nil, fmt.Errorf("column %s: decode blob: %w", c.Name, err)
			}
			return b, nil
		}
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return x, nil
	}
}

func columnName(c *schema.Column) string {
	if c == nil {
		return "?"
	}
	return c.Name
}

func column(t *schema.Table, name string) *schema.Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// keyArgs binds the key values of t in key order.
func keyArgs(t *schema.Table, key []any) ([]any, error) {
	if len(key) != len(t.PrimaryKeys) {
		return nil, fmt.Errorf("%w: %s expects %d key values, got %d", ErrMissingKey, t.Name, len(t.PrimaryKeys), len(key))
	}
	args := make([]any, len(key))
	for i, k := range t.PrimaryKeys {
		if key[i] == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingKey, t.Name, k)
		}
		v, err := bindValue(column(t, k), key[i])
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// keyWhere returns `"k1" = ? AND "k2" = ?`, qualified with alias when set.
func keyWhere(alias string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		col := quote(k)
		if alias != "" {
			col = alias + "." + col
		}
		parts[i] = col + " = ?"
	}
	return strings.Join(parts, " AND ")
}
