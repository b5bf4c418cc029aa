package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/rowsync/internal/api"
	"github.com/hyperengineering/rowsync/internal/batch"
	"github.com/hyperengineering/rowsync/internal/orchestrator"
	"github.com/hyperengineering/rowsync/internal/schema"
	"github.com/hyperengineering/rowsync/internal/snapshot"
	"github.com/hyperengineering/rowsync/internal/store"
	"github.com/hyperengineering/rowsync/internal/sync"
)

const testAPIKey = "transport-test-key"

type testEnv struct {
	t      *testing.T
	server *store.SQLiteStore
	remote *orchestrator.RemoteOrchestrator
	http   *httptest.Server
	hits   atomic.Int64

	mu   gosync.Mutex
	fail func(r *http.Request) int
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

// newTestEnv serves a real server orchestrator over HTTP. failWith can inject
// error statuses ahead of the router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{t: t, server: openStore(t, "server.db")}
	exec(t, e.server, `CREATE TABLE category (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	e.remote = orchestrator.NewRemoteOrchestrator(e.server, orchestrator.ServerConfig{
		Setups:    map[string]schema.Setup{"shop": {ScopeName: "shop", Tables: []string{"category"}}},
		Batches:   batch.NewManager(batch.Config{Dir: t.TempDir(), MaxRows: 3}),
		Snapshots: snapshot.New(t.TempDir(), batch.Config{MaxRows: 3}, nil),
	})
	router := api.NewRouter(api.NewHandler(e.remote, batch.NewManager(batch.Config{Dir: t.TempDir()}), testAPIKey, "test"))
	e.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		e.mu.Lock()
		fail := e.fail
		e.mu.Unlock()
		if fail != nil {
			if status := fail(r); status != 0 {
				api.WriteProblem(w, r, status, "injected")
				return
			}
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(e.http.Close)
	return e
}

func (e *testEnv) failWith(fn func(r *http.Request) int) {
	e.mu.Lock()
	e.fail = fn
	e.mu.Unlock()
}

func (e *testEnv) client(maxRetries int) *Client {
	e.t.Helper()
	c, err := New(Config{
		BaseURL:    e.http.URL,
		APIKey:     testAPIKey,
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		RetryBase:  time.Millisecond,
	})
	if err != nil {
		e.t.Fatal(err)
	}
	return c
}

func (e *testEnv) agent(opts ...orchestrator.AgentOption) (*orchestrator.Agent, *store.SQLiteStore) {
	e.t.Helper()
	s := openStore(e.t, "client.db")
	local := orchestrator.NewLocalOrchestrator(s, batch.NewManager(batch.Config{Dir: e.t.TempDir(), MaxRows: 2}))
	return orchestrator.NewAgent(local, e.client(3), "shop", opts...), s
}

func exec(t *testing.T, s *store.SQLiteStore, query string, args ...any) {
	t.Helper()
	if _, err := s.DB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func categories(t *testing.T, s *store.SQLiteStore) map[int64]string {
	t.Helper()
	rs, err := s.DB().Query(`SELECT id, name FROM category`)
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	out := make(map[int64]string)
	for rs.Next() {
		var id int64
		var name string
		if err := rs.Scan(&id, &name); err != nil {
			t.Fatal(err)
		}
		out[id] = name
	}
	return out
}

func assertCategories(t *testing.T, s *store.SQLiteStore, want map[int64]string) {
	t.Helper()
	got := categories(t, s)
	if len(got) != len(want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
	for id, name := range want {
		if got[id] != name {
			t.Errorf("row %d = %q, want %q", id, got[id], name)
		}
	}
}

func TestSynchronize_OverHTTP(t *testing.T) {
	// Given: rows on both sides spread over several parts
	e := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		exec(t, e.server, `INSERT INTO category (id, name) VALUES (?, ?)`, i, fmt.Sprintf("s%d", i))
	}
	agent, client := e.agent()
	if _, err := agent.Synchronize(context.Background(), sync.SyncTypeNormal); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	for i := 10; i <= 14; i++ {
		exec(t, client, `INSERT INTO category (id, name) VALUES (?, ?)`, i, fmt.Sprintf("c%d", i))
	}
	exec(t, e.server, `UPDATE category SET name = 'renamed' WHERE id = 1`)

	// When: synchronizing again
	sc, err := agent.Synchronize(context.Background(), sync.SyncTypeNormal)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	// Then: both sides hold all ten rows
	want := map[int64]string{1: "renamed", 2: "s2", 3: "s3", 4: "s4", 5: "s5"}
	for i := 10; i <= 14; i++ {
		want[int64(i)] = fmt.Sprintf("c%d", i)
	}
	assertCategories(t, e.server, want)
	assertCategories(t, client, want)
	if sc.TotalChangesUploaded != 5 || sc.TotalChangesDownloaded != 1 {
		t.Errorf("uploaded = %d, downloaded = %d, want 5 and 1", sc.TotalChangesUploaded, sc.TotalChangesDownloaded)
	}

	// And: the server recorded the client's progress
	history, err := e.server.ReadHistory(context.Background(), "shop")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Errorf("history = %+v, want one peer", history)
	}
}

func TestSynchronize_SnapshotOverHTTP(t *testing.T) {
	// Given: a snapshot of seven rows in parts of three
	e := newTestEnv(t)
	for i := 1; i <= 7; i++ {
		exec(t, e.server, `INSERT INTO category (id, name) VALUES (?, ?)`, i, fmt.Sprintf("s%d", i))
	}
	if _, err := e.remote.CreateSnapshot(context.Background(), "shop", nil); err != nil {
		t.Fatal(err)
	}
	agent, client := e.agent()

	// When: a new client synchronizes
	if _, err := agent.Synchronize(context.Background(), sync.SyncTypeNormal); err != nil {
		t.Fatal(err)
	}

	// Then: it holds every row
	if got := len(categories(t, client)); got != 7 {
		t.Errorf("rows = %d, want 7", got)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	// Given: a server that fails the first two requests with 503
	e := newTestEnv(t)
	var calls atomic.Int64
	e.failWith(func(r *http.Request) int {
		if calls.Add(1) <= 2 {
			return http.StatusServiceUnavailable
		}
		return 0
	})

	// When: calling with three retries
	resp, err := e.client(3).EnsureSchema(context.Background(), orchestrator.SchemaRequest{ScopeName: "shop"})

	// Then: the third attempt succeeds
	if err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if resp.ScopeID == "" {
		t.Error("scope id missing")
	}
	if got := e.hits.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	e := newTestEnv(t)
	e.failWith(func(r *http.Request) int { return http.StatusBadGateway })

	err := e.client(2).Ping(context.Background())

	var te *sync.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if te.Status != http.StatusBadGateway || !te.Retryable {
		t.Errorf("transport error = %+v", te)
	}
	if !errors.Is(err, sync.ErrTransport) {
		t.Error("error does not match ErrTransport")
	}
	if got := e.hits.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestClient_MapsProblemsToSentinels(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(3)

	_, err := c.EnsureSchema(context.Background(), orchestrator.SchemaRequest{ScopeName: "warehouse"})
	if !errors.Is(err, sync.ErrScopeNotFound) {
		t.Errorf("EnsureSchema error = %v, want ErrScopeNotFound", err)
	}

	_, err = c.GetSnapshot(context.Background(), orchestrator.SnapshotRequest{ScopeName: "shop"})
	if !errors.Is(err, sync.ErrSnapshotNotFound) {
		t.Errorf("GetSnapshot error = %v, want ErrSnapshotNotFound", err)
	}

	// Not-found answers are final, never retried.
	if got := e.hits.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestClient_RejectsBadAPIKey(t *testing.T) {
	e := newTestEnv(t)
	c, err := New(Config{BaseURL: e.http.URL, APIKey: "wrong", RetryBase: time.Millisecond, MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}

	err = c.Ping(context.Background())
	if err != nil {
		t.Fatalf("health is public, got %v", err)
	}
	_, err = c.EnsureSchema(context.Background(), orchestrator.SchemaRequest{ScopeName: "shop"})

	var te *sync.TransportError
	if !errors.As(err, &te) || te.Status != http.StatusUnauthorized || te.Retryable {
		t.Errorf("error = %v, want non-retryable 401", err)
	}
}

func TestClient_Cancelled(t *testing.T) {
	e := newTestEnv(t)
	e.failWith(func(r *http.Request) int { return http.StatusServiceUnavailable })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.client(5).Ping(ctx)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestPartLoader_PresignedURLsSkipAuth(t *testing.T) {
	// Given: an object store serving one encoded part
	var sawAuth atomic.Bool
	objects := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
		batch.WriteRows(w, []sync.ChangeRow{{
			Table:      "category",
			Operation:  sync.OperationInsert,
			PrimaryKey: []any{int64(1)},
			Values:     map[string]any{"id": int64(1), "name": "x"},
		}})
	}))
	defer objects.Close()

	e := newTestEnv(t)
	l := &partLoader{
		client:    e.client(0),
		op:        "load snapshot part",
		url:       func(int) string { return e.http.URL + "/unused" },
		presigned: []string{objects.URL + "/part-0"},
	}

	// When: loading the part
	rows, err := l.LoadPart(context.Background(), batch.Part{Index: 0, RowCount: 1, IsLast: true})

	// Then: it comes from object storage without the API key
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Values["id"] != int64(1) {
		t.Errorf("rows = %+v", rows)
	}
	if sawAuth.Load() {
		t.Error("API key sent to object storage")
	}
	if e.hits.Load() != 0 {
		t.Error("server contacted for a presigned part")
	}
}

func TestPartLoader_RowCountMismatch(t *testing.T) {
	objects := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batch.WriteRows(w, nil)
	}))
	defer objects.Close()

	e := newTestEnv(t)
	l := &partLoader{client: e.client(0), op: "load part", presigned: []string{objects.URL}}

	_, err := l.LoadPart(context.Background(), batch.Part{Index: 0, RowCount: 2})
	if !errors.Is(err, sync.ErrTransport) {
		t.Errorf("error = %v, want ErrTransport", err)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://nope"} {
		if _, err := New(Config{BaseURL: raw}); err == nil {
			t.Errorf("New(%q) succeeded", raw)
		}
	}
}
