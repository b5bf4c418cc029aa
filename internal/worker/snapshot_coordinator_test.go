package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/store"
)

// mockSnapshotter records CreateSnapshot calls per scope.
type mockSnapshotter struct {
	mu       sync.Mutex
	calls    map[string]int
	errs     map[string]error
	duration time.Duration
}

func newMockSnapshotter() *mockSnapshotter {
	return &mockSnapshotter{calls: make(map[string]int), errs: make(map[string]error)}
}

func (m *mockSnapshotter) CreateSnapshot(ctx context.Context, scope string, params map[string]any) (*snapshot.Manifest, error) {
	m.mu.Lock()
	m.calls[scope]++
	err := m.errs[scope]
	duration := m.duration
	m.mu.Unlock()

	if duration > 0 {
		select {
		case <-time.After(duration):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &snapshot.Manifest{Scope: scope, ParamsKey: snapshot.ParamsKey(params)}, nil
}

func (m *mockSnapshotter) callsFor(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[scope]
}

func (m *mockSnapshotter) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return true
}

func targets(scopes ...string) []SnapshotTarget {
	out := make([]SnapshotTarget, len(scopes))
	for i, s := range scopes {
		out[i] = SnapshotTarget{Scope: s}
	}
	return out
}

// runUntil starts c in the background and returns a stop function.
func runUntil(run func(context.Context)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestSnapshotCoordinator_IteratesAllTargets(t *testing.T) {
	m := newMockSnapshotter()
	stop := runUntil(NewSnapshotCoordinator(m, targets("shop", "regional", "archive"), time.Hour).Run)

	if !waitFor(func() bool { return m.total() >= 3 }, 2*time.Second) {
		t.Fatal("timed out waiting for initial snapshot generation")
	}
	stop()

	for _, scope := range []string{"shop", "regional", "archive"} {
		if m.callsFor(scope) < 1 {
			t.Errorf("scope %q was not snapshotted", scope)
		}
	}
}

func TestSnapshotCoordinator_HandlesErrorsGracefully(t *testing.T) {
	m := newMockSnapshotter()
	m.errs["regional"] = errors.New("disk full")
	stop := runUntil(NewSnapshotCoordinator(m, targets("shop", "regional", "archive"), time.Hour).Run)

	if !waitFor(func() bool { return m.total() >= 3 }, 2*time.Second) {
		t.Fatal("timed out waiting for snapshot generation")
	}
	stop()

	if m.callsFor("archive") < 1 {
		t.Error("target after a failure was skipped")
	}
}

func TestSnapshotCoordinator_RespectsContextCancellation(t *testing.T) {
	scopes := make([]string, 10)
	for i := range scopes {
		scopes[i] = fmt.Sprintf("scope_%d", i)
	}
	m := newMockSnapshotter()
	m.duration = 100 * time.Millisecond

	start := time.Now()
	stop := runUntil(NewSnapshotCoordinator(m, targets(scopes...), time.Hour).Run)
	if !waitFor(func() bool { return m.total() >= 1 }, 2*time.Second) {
		t.Fatal("timed out waiting for the first snapshot")
	}
	stop()

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("coordinator did not respect cancellation, took %v", elapsed)
	}
	if n := m.total(); n >= 10 {
		t.Errorf("snapshots = %d, want fewer than 10 after cancellation", n)
	}
}

func TestSnapshotCoordinator_GeneratesOnInterval(t *testing.T) {
	m := newMockSnapshotter()
	stop := runUntil(NewSnapshotCoordinator(m, targets("shop"), 20*time.Millisecond).Run)

	ok := waitFor(func() bool { return m.callsFor("shop") >= 3 }, 2*time.Second)
	stop()
	if !ok {
		t.Errorf("calls = %d, want at least 3", m.callsFor("shop"))
	}
}

func TestSnapshotCoordinator_Integration(t *testing.T) {
	// Given: a server orchestrator over a real store with two rows
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.DB().Exec(`CREATE TABLE category (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
		INSERT INTO category (id, name) VALUES (1, 'a'), (2, 'b');`); err != nil {
		t.Fatal(err)
	}
	snaps := snapshot.New(t.TempDir(), batch.Config{}, nil)
	remote := orchestrator.NewRemoteOrchestrator(s, orchestrator.ServerConfig{
		Setups:    map[string]schema.Setup{"shop": {ScopeName: "shop", Tables: []string{"category"}}},
		Snapshots: snaps,
	})

	// When: the coordinator runs once
	NewSnapshotCoordinator(remote, targets("shop"), time.Hour).generateAll(context.Background())

	// Then: a snapshot of both rows is on disk
	m, err := snaps.Load(context.Background(), "shop", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Batch.RowCount(); got != 2 {
		t.Errorf("rows = %d, want 2", got)
	}
}
