// Package batch splits change streams into ordered, size-bounded parts and
// optionally persists the parts to disk.
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/hyperengineering/rowsync/internal/sync"
	"github.com/oklog/ulid/v2"
)

// Default part limits.
const (
	DefaultMaxRows  = 1000
	DefaultMaxBytes = 4 << 20
)

var (
	ErrPartMissing = errors.New("batch part missing")
	ErrSealed      = errors.New("batch already sealed")
)

// Direction names the flow a batch belongs to.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	DirectionSnapshot Direction = "snapshot"
)

// Part is one sealed chunk of a batch. Rows is set for in-memory parts and
// Path for persisted ones.
type Part struct {
	Index    int              `json:"index"`
	RowCount int              `json:"row_count"`
	IsLast   bool             `json:"is_last"`
	Path     string           `json:"path,omitempty"`
	Rows     []sync.ChangeRow `json:"-"`
}

// Info describes a batch: its parts in apply order and the watermark it was computed at.
type Info struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Timestamp int64     `json:"timestamp"`
	Parts     []Part    `json:"parts"`
}

// HasData reports whether any part carries rows, using part metadata only.
func (bi *Info) HasData() bool {
	if bi == nil {
		return false
	}
	for _, p := range bi.Parts {
		if p.RowCount > 0 {
			return true
		}
	}
	return false
}

// RowCount returns the total number of rows across parts.
func (bi *Info) RowCount() int {
	n := 0
	for _, p := range bi.Parts {
		n += p.RowCount
	}
	return n
}

// Sealed reports whether the last part has been marked.
func (bi *Info) Sealed() bool {
	return len(bi.Parts) > 0 && bi.Parts[len(bi.Parts)-1].IsLast
}

// PartLoader reads the rows of one part. A Manager loads its own parts; transports
// load parts held by the peer.
type PartLoader interface {
	LoadPart(ctx context.Context, p Part) ([]sync.ChangeRow, error)
}

// Config bounds parts and selects persistence. An empty Dir keeps parts in memory.
type Config struct {
	Dir      string
	MaxRows  int
	MaxBytes int
}

// Manager creates, stores and loads batches.
type Manager struct {
	dir      string
	maxRows  int
	maxBytes int
}

// NewManager returns a Manager; zero limits take the defaults.
func NewManager(cfg Config) *Manager {
	m := &Manager{dir: cfg.Dir, maxRows: cfg.MaxRows, maxBytes: cfg.MaxBytes}
	if m.maxRows <= 0 {
		m.maxRows = DefaultMaxRows
	}
	if m.maxBytes <= 0 {
		m.maxBytes = DefaultMaxBytes
	}
	return m
}

// Persistent reports whether parts are written to disk.
func (m *Manager) Persistent() bool {
	return m.dir != ""
}

// Dir returns the root directory of persisted batches.
func (m *Manager) Dir() string {
	return m.dir
}

// New starts an empty, unsealed batch.
func (m *Manager) New(direction Direction, timestamp int64) *Info {
	return &Info{ID: ulid.Make().String(), Direction: direction, Timestamp: timestamp}
}

// Create drains seq into a sealed batch. Parts fill greedily in sequence order until
// MaxRows or MaxBytes is reached. An empty sequence yields one empty last part.
func (m *Manager) Create(ctx context.Context, direction Direction, timestamp int64, seq iter.Seq2[sync.ChangeRow, error]) (*Info, error) {
	bi := m.New(direction, timestamp)

	var (
		current []sync.ChangeRow
		size    int
	)
	for row, err := range seq {
		if err != nil {
			m.Clean(bi)
			return nil, err
		}
		current = append(current, row)
		size += rowSize(row)
		if len(current) >= m.maxRows || size >= m.maxBytes {
			if err := m.AppendPart(ctx, bi, current); err != nil {
				m.Clean(bi)
				return nil, err
			}
			current, size = nil, 0
		}
	}
	if len(current) > 0 || len(bi.Parts) == 0 {
		if err := m.AppendPart(ctx, bi, current); err != nil {
			m.Clean(bi)
			return nil, err
		}
	}
	m.Seal(bi)
	return bi, nil
}

// AppendPart seals rows as the next part of bi.
func (m *Manager) AppendPart(ctx context.Context, bi *Info, rows []sync.ChangeRow) error {
	if bi.Sealed() {
		return ErrSealed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	part := Part{Index: len(bi.Parts), RowCount: len(rows)}
	if !m.Persistent() {
		part.Rows = rows
		bi.Parts = append(bi.Parts, part)
		return nil
	}

	part.Path = filepath.Join(bi.ID, fmt.Sprintf("part-%05d.json.zst", part.Index))
	full := filepath.Join(m.dir, part.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create batch directory: %w", err)
	}
	if err := writeFile(full, rows); err != nil {
		return err
	}
	bi.Parts = append(bi.Parts, part)
	return nil
}

// Seal marks the final part, appending an empty one when the batch has none.
func (m *Manager) Seal(bi *Info) {
	if len(bi.Parts) == 0 {
		bi.Parts = append(bi.Parts, Part{Index: 0})
	}
	bi.Parts[len(bi.Parts)-1].IsLast = true
}

// LoadPart returns the rows of one part.
func (m *Manager) LoadPart(ctx context.Context, p Part) ([]sync.ChangeRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return p.Rows, nil
	}
	f, err := os.Open(filepath.Join(m.dir, p.Path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPartMissing, p.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open part: %w", err)
	}
	defer f.Close()
	return ReadRows(f)
}

// Rows iterates every row of bi, strictly in part order.
func (m *Manager) Rows(ctx context.Context, bi *Info) iter.Seq2[sync.ChangeRow, error] {
	return func(yield func(sync.ChangeRow, error) bool) {
		for _, p := range bi.Parts {
			rows, err := m.LoadPart(ctx, p)
			if err != nil {
				yield(sync.ChangeRow{}, err)
				return
			}
			for _, r := range rows {
				if !yield(r, nil) {
					return
				}
			}
		}
	}
}

// Clean removes the persisted parts of bi. In-memory batches need no cleanup.
func (m *Manager) Clean(bi *Info) error {
	if !m.Persistent() || bi == nil || bi.ID == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(m.dir, bi.ID)); err != nil {
		return fmt.Errorf("remove batch %s: %w", bi.ID, err)
	}
	return nil
}

// writeFile writes rows to path through a temp file so a crash never leaves a torn part.
func writeFile(path string, rows []sync.ChangeRow) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if err := WriteRows(f, rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close part: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename part: %w", err)
	}
	return nil
}
