// Package snapshot builds full extracts of a scope ahead of time so new peers can
// bootstrap from files instead of an incremental scan. When object storage is
// configured the parts are also uploaded and served through pre-signed URLs.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/changes"
	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
)

const manifestFile = "manifest.json"

// DefaultParamsKey names the snapshot of a scope without filter parameters.
const DefaultParamsKey = "default"

// Manifest describes the current snapshot of one scope and parameter set.
// Batch.Timestamp is the watermark the extract was taken at.
type Manifest struct {
	Scope     string         `json:"scope"`
	ParamsKey string         `json:"params_key"`
	Params    map[string]any `json:"params,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Batch     batch.Info     `json:"batch"`
}

// Watermark returns the source watermark of the snapshot.
func (m *Manifest) Watermark() int64 {
	return m.Batch.Timestamp
}

// Bootstrapper creates and loads snapshots under a root directory laid out as
// <root>/<scope>/<params-key>/.
type Bootstrapper struct {
	root     string
	limits   batch.Config
	uploader Uploader
}

// New returns a Bootstrapper. limits.Dir is ignored; a nil uploader keeps snapshots local.
func New(root string, limits batch.Config, uploader Uploader) *Bootstrapper {
	if uploader == nil {
		uploader = &NoopUploader{}
	}
	return &Bootstrapper{root: root, limits: limits, uploader: uploader}
}

// ParamsKey derives a stable directory name from filter parameter values.
func ParamsKey(params map[string]any) string {
	if len(params) == 0 {
		return DefaultParamsKey
	}
	// Map keys are sorted by encoding/json, so equal maps encode identically.
	data, err := json.Marshal(params)
	if err != nil {
		return DefaultParamsKey
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

func (b *Bootstrapper) dir(scope string, params map[string]any) string {
	return filepath.Join(b.root, scope, ParamsKey(params))
}

// Manager returns the batch manager that reads the parts of a snapshot.
func (b *Bootstrapper) Manager(scope string, params map[string]any) *batch.Manager {
	cfg := b.limits
	cfg.Dir = b.dir(scope, params)
	return batch.NewManager(cfg)
}

// Create extracts every live row of set matching params from src. The watermark is
// captured before enumeration so rows written meanwhile reach the consumer through
// the incremental exchange. The previous generation is kept for readers still
// fetching its parts; older ones are removed.
func (b *Bootstrapper) Create(ctx context.Context, src provider.ChangeTrackingProvider, set *schema.SyncSet, params map[string]any) (*Manifest, error) {
	start := time.Now()
	watermark, err := src.CurrentWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}

	mgr := b.Manager(set.ScopeName, params)
	seq := changes.New(src).Enumerate(ctx, changes.Request{Set: set, Parameters: params, LiveOnly: true})
	bi, err := mgr.Create(ctx, batch.DirectionSnapshot, watermark, seq)
	if err != nil {
		return nil, fmt.Errorf("extract snapshot: %w", err)
	}

	m := &Manifest{
		Scope:     set.ScopeName,
		ParamsKey: ParamsKey(params),
		Params:    params,
		CreatedAt: time.Now().UTC(),
		Batch:     *bi,
	}

	previous, _ := b.Load(ctx, set.ScopeName, params)
	if err := writeManifest(mgr.Dir(), m); err != nil {
		mgr.Clean(bi)
		return nil, err
	}
	keep := map[string]bool{bi.ID: true}
	if previous != nil {
		keep[previous.Batch.ID] = true
	}
	prune(mgr.Dir(), keep)

	if err := b.upload(ctx, mgr.Dir(), m); err != nil {
		return m, err
	}

	slog.Info("snapshot created",
		"component", "snapshot",
		"action", "create",
		"scope", m.Scope,
		"params_key", m.ParamsKey,
		"watermark", watermark,
		"rows", bi.RowCount(),
		"parts", len(bi.Parts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return m, nil
}

// Load returns the current manifest, or ErrSnapshotNotFound.
func (b *Bootstrapper) Load(ctx context.Context, scope string, params map[string]any) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := readManifest(filepath.Join(b.dir(scope, params), manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: scope %s", sync.ErrSnapshotNotFound, scope)
	}
	return m, err
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// OldestWatermark returns the lowest watermark among the snapshots of scope across
// every parameter set. ok is false when the scope has no snapshot.
func (b *Bootstrapper) OldestWatermark(ctx context.Context, scope string) (watermark int64, ok bool, err error) {
	paths, err := filepath.Glob(filepath.Join(b.root, scope, "*", manifestFile))
	if err != nil {
		return 0, false, fmt.Errorf("list manifests: %w", err)
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		m, err := readManifest(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, false, err
		}
		if !ok || m.Watermark() < watermark {
			watermark, ok = m.Watermark(), true
		}
	}
	return watermark, ok, nil
}

// PartURLs returns pre-signed URLs for every part of m, or ErrNotConfigured.
func (b *Bootstrapper) PartURLs(ctx context.Context, m *Manifest) ([]string, error) {
	urls := make([]string, len(m.Batch.Parts))
	for i, p := range m.Batch.Parts {
		u, _, err := b.uploader.PresignedURL(ctx, objectKey(m, p.Path))
		if err != nil {
			return nil, err
		}
		urls[i] = u
	}
	return urls, nil
}

func (b *Bootstrapper) upload(ctx context.Context, dir string, m *Manifest) error {
	if _, ok := b.uploader.(*NoopUploader); ok {
		return nil
	}
	for _, p := range m.Batch.Parts {
		if err := b.uploader.Upload(ctx, objectKey(m, p.Path), filepath.Join(dir, p.Path), batch.ContentType); err != nil {
			return err
		}
	}
	return b.uploader.Upload(ctx, objectKey(m, manifestFile), filepath.Join(dir, manifestFile), "application/json")
}

// objectKey returns the object key of a snapshot file.
// Convention: {scope}/{params_key}/{relative path}
func objectKey(m *Manifest, rel string) string {
	return m.Scope + "/" + m.ParamsKey + "/" + filepath.ToSlash(rel)
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// prune removes batch directories not listed in keep.
func prune(dir string, keep map[string]bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			slog.Warn("snapshot: failed to remove old batch", "path", e.Name(), "error", err)
		}
	}
}
