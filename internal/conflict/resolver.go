// Package conflict decides the disposition of rows that changed on both sides.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/hyperengineering/rowsync/internal/sync"
)

// Hook inspects a conflict and may set its Resolution (and FinalRow for MergeRow).
// Leaving Resolution empty defers to the policy. A returned error fails the part.
type Hook func(ctx context.Context, c *sync.Conflict) error

// Resolve returns the disposition of c. The policy is read from the applying side:
// ServerWins keeps the applying side's row and ClientWins applies the incoming one.
// The chosen resolution is also recorded on c.
func Resolve(ctx context.Context, c *sync.Conflict, policy sync.ConflictPolicy, hook Hook) (sync.Resolution, error) {
	switch {
	case c.Type == sync.ConflictDeleteDelete:
		// Both sides agree; nothing to decide.
		c.Resolution = sync.ResolutionClientWins
		return c.Resolution, nil
	case c.Type == sync.ConflictInsertInsert && SameRow(c.LocalRow, c.RemoteRow):
		c.Resolution = sync.ResolutionServerWins
		return c.Resolution, nil
	}

	c.Resolution = ""
	if hook != nil {
		if err := hook(ctx, c); err != nil {
			return "", fmt.Errorf("%w: conflict hook: %w", sync.ErrConflictUnresolved, err)
		}
	}
	if c.Resolution == "" {
		c.Resolution = policy
	}

	switch c.Resolution {
	case sync.ResolutionServerWins, sync.ResolutionClientWins:
	case sync.ResolutionMergeRow:
		if c.FinalRow == nil {
			return "", fmt.Errorf("%w: merge on %s without a final row", sync.ErrConflictUnresolved, c.Table)
		}
	case sync.ResolutionRollback:
		return c.Resolution, fmt.Errorf("%w: %s conflict on %s", sync.ErrConflictUnresolved, c.Type, c.Table)
	default:
		return "", fmt.Errorf("%w: unknown resolution %q", sync.ErrConflictUnresolved, c.Resolution)
	}

	slog.Debug("conflict resolved",
		"component", "conflict",
		"table", c.Table,
		"type", c.Type,
		"side", c.ApplyingSide,
		"resolution", c.Resolution,
	)
	return c.Resolution, nil
}

// SameRow reports whether two rows carry the same payload. Rows are compared
// through a digest of their canonical JSON encoding, which sorts map keys.
func SameRow(a, b map[string]any) bool {
	if a == nil || b == nil {
		return false
	}
	da, ok := digest(a)
	if !ok {
		return false
	}
	db, ok := digest(b)
	return ok && da == db
}

func digest(row map[string]any) (uint64, bool) {
	data, err := json.Marshal(row)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(data), true
}
