package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"

	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/store"
	"github.com/hyperengineering/rowsync/internal/sync"
)

const serverDDL = `
CREATE TABLE category (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
CREATE TABLE product (
	id INTEGER PRIMARY KEY,
	category_id INTEGER NOT NULL REFERENCES category(id),
	title TEXT
);
CREATE TABLE item (id INTEGER PRIMARY KEY, region TEXT NOT NULL, label TEXT);
`

var testSetups = map[string]schema.Setup{
	"shop": {ScopeName: "shop", Tables: []string{"category", "product"}},
	"regional": {
		ScopeName: "regional",
		Tables:    []string{"item"},
		Filters: []schema.Filter{{
			Table:      "item",
			Parameters: []string{"region"},
			Wheres:     []schema.FilterWhere{{Table: "item", Column: "region", Parameter: "region"}},
		}},
	},
}

type env struct {
	t         *testing.T
	server    *store.SQLiteStore
	remote    *RemoteOrchestrator
	snapshots *snapshot.Bootstrapper
}

func openStore(t *testing.T, name string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newEnv(t *testing.T) *env {
	t.Helper()
	server := openStore(t, "server.db")
	if _, err := server.DB().Exec(serverDDL); err != nil {
		t.Fatal(err)
	}
	snaps := snapshot.New(t.TempDir(), batch.Config{MaxRows: 100}, nil)
	remote := NewRemoteOrchestrator(server, ServerConfig{
		Setups:    testSetups,
		Batches:   batch.NewManager(batch.Config{Dir: t.TempDir(), MaxRows: 50}),
		Snapshots: snaps,
	})
	return &env{t: t, server: server, remote: remote, snapshots: snaps}
}

type peer struct {
	store *store.SQLiteStore
	agent *Agent
}

// client returns an empty client store with an agent for scope talking to the
// in-process server through remote, or e.remote when remote is nil.
func (e *env) client(scope string, remote Remote, opts ...AgentOption) *peer {
	e.t.Helper()
	s := openStore(e.t, "client.db")
	if remote == nil {
		remote = e.remote
	}
	local := NewLocalOrchestrator(s, batch.NewManager(batch.Config{Dir: e.t.TempDir(), MaxRows: 50}))
	return &peer{store: s, agent: NewAgent(local, remote, scope, opts...)}
}

func exec(t *testing.T, s *store.SQLiteStore, query string, args ...any) {
	t.Helper()
	if _, err := s.DB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// rows returns id -> text column of table.
func rows(t *testing.T, s *store.SQLiteStore, table, column string) map[int64]string {
	t.Helper()
	rs, err := s.DB().Query(`SELECT id, ` + column + ` FROM ` + table)
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	out := make(map[int64]string)
	for rs.Next() {
		var id int64
		var v string
		if err := rs.Scan(&id, &v); err != nil {
			t.Fatal(err)
		}
		out[id] = v
	}
	if err := rs.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func categories(t *testing.T, s *store.SQLiteStore) map[int64]string {
	return rows(t, s, "category", "name")
}

func mustSync(t *testing.T, a *Agent, typ sync.SyncType) *sync.SyncContext {
	t.Helper()
	sc, err := a.Synchronize(context.Background(), typ)
	if err != nil {
		t.Fatalf("Synchronize(%s): %v", typ, err)
	}
	return sc
}

func readScope(t *testing.T, s *store.SQLiteStore, name string) *sync.ScopeInfo {
	t.Helper()
	scope, err := s.ReadScope(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	return scope
}

func assertEqualRows(t *testing.T, got, want map[int64]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows %v, want %d rows %v", len(got), got, len(want), want)
	}
	for id, v := range want {
		if got[id] != v {
			t.Errorf("row %d = %q, want %q", id, got[id], v)
		}
	}
}

// flakyRemote fails the first n successful EndSession calls after the server has
// already applied the upload.
type flakyRemote struct {
	Remote
	failEnd int
}

var errConnectionReset = errors.New("connection reset")

func (f *flakyRemote) EndSession(ctx context.Context, req EndSessionRequest) error {
	if req.Success && f.failEnd > 0 {
		f.failEnd--
		return errConnectionReset
	}
	return f.Remote.EndSession(ctx, req)
}

// blockingRemote parks EnsureSchema until released.
type blockingRemote struct {
	Remote
	once    gosync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) EnsureSchema(ctx context.Context, req SchemaRequest) (*SchemaResponse, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Remote.EnsureSchema(ctx, req)
}

// cancellingRemote cancels the run as the upload is transmitted.
type cancellingRemote struct {
	Remote
	cancel context.CancelFunc
}

func (c *cancellingRemote) ApplyThenGetChanges(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	c.cancel()
	return c.Remote.ApplyThenGetChanges(ctx, req)
}

type progressLog struct {
	mu      gosync.Mutex
	records []sync.ProgressRecord
}

func (p *progressLog) Report(r sync.ProgressRecord) {
	p.mu.Lock()
	p.records = append(p.records, r)
	p.mu.Unlock()
}

func (p *progressLog) stages() []sync.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sync.Stage, len(p.records))
	for i, r := range p.records {
		out[i] = r.Stage
	}
	return out
}

// downRemote fails every exchange as if the network were gone.
type downRemote struct {
	Remote
}

var errNetworkDown = errors.New("network down")

func (d *downRemote) ApplyThenGetChanges(ctx context.Context, req ApplyRequest) (*ApplyResponse, error) {
	return nil, errNetworkDown
}

// stuckSink never returns from Report until released.
type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Report(sync.ProgressRecord) {
	<-s.release
}
