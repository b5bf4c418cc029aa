// Package apply replays batches of changes onto a store, detecting and resolving conflicts.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/conflict"
	"github.com/hyperengineering/rowsync/internal/provider"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// Options controls one Apply call.
type Options struct {
	// Policy is read from the applying side: ServerWins keeps the local row.
	Policy sync.ConflictPolicy
	Side   sync.Side
	Hook   conflict.Hook

	// Guard protects rows written locally after Guard.Base by anyone but the sender.
	// Applied rows are tagged with Guard.SenderScopeID.
	Guard provider.Guard

	// MaxRowErrors aborts the batch once more rows than this have failed. Zero never aborts.
	MaxRowErrors int

	// OnPart is called after each committed part with the cumulative result.
	OnPart func(part batch.Part, total sync.ApplyResult)
}

// Applier applies batches to a target store.
type Applier struct {
	target provider.ChangeTrackingProvider
}

// New returns an Applier writing to target.
func New(target provider.ChangeTrackingProvider) *Applier {
	return &Applier{target: target}
}

// Apply replays bi part by part, reading each through parts and applying it in its
// own transaction. Parts already committed stay committed when a later part fails;
// the error wraps ErrApply.
func (a *Applier) Apply(ctx context.Context, set *schema.SyncSet, bi *batch.Info, parts batch.PartLoader, opts Options) (sync.ApplyResult, error) {
	start := time.Now()
	var total sync.ApplyResult

	for _, part := range bi.Parts {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rows, err := parts.LoadPart(ctx, part)
		if err != nil {
			return total, fmt.Errorf("%w: load part %d: %w", sync.ErrApply, part.Index, err)
		}

		res, err := a.applyPart(ctx, set, rows, opts, total.FailedCount)
		if err != nil {
			return total, fmt.Errorf("%w: part %d: %w", sync.ErrApply, part.Index, err)
		}
		total.Add(res)
		if opts.OnPart != nil {
			opts.OnPart(part, total)
		}
	}

	slog.Info("batch applied",
		"component", "apply",
		"action", "apply",
		"batch_id", bi.ID,
		"direction", bi.Direction,
		"side", opts.Side,
		"parts", len(bi.Parts),
		"applied", total.AppliedCount,
		"failed", total.FailedCount,
		"conflicts", len(total.Conflicts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return total, nil
}

// applyPart applies rows in one transaction. failedBefore carries failures of
// earlier parts so MaxRowErrors bounds the whole batch.
func (a *Applier) applyPart(ctx context.Context, set *schema.SyncSet, rows []sync.ChangeRow, opts Options, failedBefore int) (sync.ApplyResult, error) {
	var res sync.ApplyResult

	tx, err := a.target.BeginApply(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for i := range rows {
		row := &rows[i]
		t := set.Table(row.Table)
		if t == nil {
			return res, fmt.Errorf("%w: unknown table %q", sync.ErrSchema, row.Table)
		}

		r := rowApplier{tx: tx, table: t, row: row, opts: opts}
		c, err := r.apply(ctx)
		if err != nil {
			if isFatal(ctx, err) {
				return res, err
			}
			res.FailedCount++
			slog.Warn("row apply failed",
				"component", "apply",
				"table", row.Table,
				"operation", row.Operation,
				"key", row.PrimaryKey,
				"error", err,
			)
			if opts.MaxRowErrors > 0 && failedBefore+res.FailedCount > opts.MaxRowErrors {
				return res, fmt.Errorf("too many row errors (%d)", failedBefore+res.FailedCount)
			}
			continue
		}
		if c != nil {
			res.Conflicts = append(res.Conflicts, *c)
		}
		res.AppliedCount++
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// isFatal separates failures that abort the part from row-level ones.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, sync.ErrConflictUnresolved) ||
		errors.Is(err, sync.ErrSchema) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// rowApplier applies one incoming row inside an open transaction.
type rowApplier struct {
	tx    provider.ApplyTx
	table *schema.Table
	row   *sync.ChangeRow
	opts  Options
}

// apply returns the conflict the row raised, if any.
func (r *rowApplier) apply(ctx context.Context) (*sync.Conflict, error) {
	switch r.row.Operation {
	case sync.OperationInsert:
		return r.insert(ctx)
	case sync.OperationUpdate:
		return r.update(ctx)
	case sync.OperationDelete:
		return r.delete(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown operation %q on %s", sync.ErrSchema, r.row.Operation, r.row.Table)
	}
}

func (r *rowApplier) insert(ctx context.Context) (*sync.Conflict, error) {
	local, err := r.tx.GetRow(ctx, r.table, r.row.PrimaryKey)
	if err != nil {
		return nil, err
	}
	info, err := r.tx.TrackingInfo(ctx, r.table, r.row.PrimaryKey)
	if err != nil {
		return nil, err
	}
	newer := info.NewerThan(r.opts.Guard)
	switch {
	case local != nil && newer:
		return r.conflict(ctx, sync.ConflictInsertInsert, local)
	case local == nil && info.Tombstone && newer:
		return r.conflict(ctx, sync.ConflictUpdateDelete, nil)
	}
	return nil, r.upsertIncoming(ctx)
}

func (r *rowApplier) update(ctx context.Context) (*sync.Conflict, error) {
	ok, err := r.tx.GuardedUpdate(ctx, r.table, r.row.Values, r.opts.Guard)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, r.tag(ctx)
	}

	local, err := r.tx.GetRow(ctx, r.table, r.row.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if local != nil {
		return r.conflict(ctx, sync.ConflictUpdateUpdate, local)
	}
	info, err := r.tx.TrackingInfo(ctx, r.table, r.row.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if info.Tombstone && info.NewerThan(r.opts.Guard) {
		return r.conflict(ctx, sync.ConflictUpdateDelete, nil)
	}
	return nil, r.upsertIncoming(ctx)
}

func (r *rowApplier) delete(ctx context.Context) (*sync.Conflict, error) {
	ok, err := r.tx.GuardedDelete(ctx, r.table, r.row.PrimaryKey, r.opts.Guard)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, r.tag(ctx)
	}

	local, err := r.tx.GetRow(ctx, r.table, r.row.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if local != nil {
		return r.conflict(ctx, sync.ConflictDeleteUpdate, local)
	}

	// Already gone. A concurrent local delete is reported; either way the
	// tombstone now carries the sender so it is not echoed back.
	info, err := r.tx.TrackingInfo(ctx, r.table, r.row.PrimaryKey)
	if err != nil {
		return nil, err
	}
	if info.Tombstone && info.NewerThan(r.opts.Guard) {
		return r.conflict(ctx, sync.ConflictDeleteDelete, nil)
	}
	return nil, r.tag(ctx)
}

// conflict resolves a conflict and carries out the resolution.
func (r *rowApplier) conflict(ctx context.Context, typ sync.ConflictType, local map[string]any) (*sync.Conflict, error) {
	c := &sync.Conflict{
		Table:        r.table.Name,
		Type:         typ,
		ApplyingSide: r.opts.Side,
		LocalRow:     local,
		RemoteRow:    r.row.Values,
	}
	res, err := conflict.Resolve(ctx, c, r.opts.Policy, r.opts.Hook)
	if err != nil {
		return c, err
	}

	switch res {
	case sync.ResolutionServerWins:
		// The local row stays and keeps its tracking entry, so it flows back to the sender.
		return c, nil
	case sync.ResolutionMergeRow:
		// Written as a local change so the merged row reaches the sender too.
		return c, r.tx.Upsert(ctx, r.table, r.withKeys(c.FinalRow))
	default:
		if typ == sync.ConflictDeleteDelete || r.row.Operation == sync.OperationDelete {
			if err := r.tx.Delete(ctx, r.table, r.row.PrimaryKey); err != nil {
				return c, err
			}
			return c, r.tag(ctx)
		}
		return c, r.upsertIncoming(ctx)
	}
}

func (r *rowApplier) upsertIncoming(ctx context.Context) error {
	if err := r.tx.Upsert(ctx, r.table, r.withKeys(r.row.Values)); err != nil {
		return err
	}
	return r.tag(ctx)
}

// withKeys returns values with any missing key column taken from the row's key.
func (r *rowApplier) withKeys(values map[string]any) map[string]any {
	out := make(map[string]any, len(values)+len(r.table.PrimaryKeys))
	for k, v := range values {
		out[k] = v
	}
	for i, k := range r.table.PrimaryKeys {
		if out[k] == nil && i < len(r.row.PrimaryKey) {
			out[k] = r.row.PrimaryKey[i]
		}
	}
	return out
}

func (r *rowApplier) tag(ctx context.Context) error {
	return r.tx.TagRow(ctx, r.table, r.row.PrimaryKey, r.opts.Guard.SenderScopeID)
}
