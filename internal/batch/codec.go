package batch

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/klauspost/compress/zstd"
)

// ContentType identifies an encoded part on the wire.
const ContentType = "application/vnd.rowsync.part+zstd"

// WriteRows encodes rows as zstd-compressed JSON.
func WriteRows(w io.Writer, rows []sync.ChangeRow) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if rows == nil {
		rows = []sync.ChangeRow{}
	}
	if err := json.NewEncoder(enc).Encode(rows); err != nil {
		enc.Close()
		return fmt.Errorf("encode rows: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush zstd writer: %w", err)
	}
	return nil
}

// ReadRows decodes rows written by WriteRows. Numbers come back as int64 when
// integral and float64 otherwise.
func ReadRows(r io.Reader) ([]sync.ChangeRow, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var rows []sync.ChangeRow
	jd := json.NewDecoder(dec)
	jd.UseNumber()
	if err := jd.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	for i := range rows {
		NormalizeRow(&rows[i])
	}
	return rows, nil
}

// NormalizeRow replaces json.Number values with int64 or float64.
func NormalizeRow(row *sync.ChangeRow) {
	for i, v := range row.PrimaryKey {
		row.PrimaryKey[i] = NormalizeValue(v)
	}
	for k, v := range row.Values {
		row.Values[k] = NormalizeValue(v)
	}
}

// NormalizeValue converts a json.Number; other values are returned unchanged.
func NormalizeValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// rowSize estimates the encoded size of a row.
func rowSize(row sync.ChangeRow) int {
	data, err := json.Marshal(row)
	if err != nil {
		return 0
	}
	return len(data)
}
