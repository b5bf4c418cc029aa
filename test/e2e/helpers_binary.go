//go:build e2e

package e2e

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

const e2eAPIKey = "e2e-test-api-key"

// rowsyncServer manages a running rowsync server process.
type rowsyncServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	logFile *os.File
	db      *sql.DB
}

// startServer seeds a server database and launches rowsync serve on it.
// rowsync is configured entirely via environment variables here.
func startServer(t *testing.T, extraEnv ...string) *rowsyncServer {
	t.Helper()
	requireRowsync(t)

	dataDir := t.TempDir()
	seedServer(t, dataDir)
	s := launchServer(t, dataDir, extraEnv...)
	s.db = openDB(t, filepath.Join(dataDir, "server.db"))
	return s
}

func launchServer(t *testing.T, dataDir string, extraEnv ...string) *rowsyncServer {
	t.Helper()

	port := freePort(t)
	lf, err := os.Create(filepath.Join(dataDir, fmt.Sprintf("server-%d.log", port)))
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}

	cmd := exec.Command(rowsyncBin, "serve")
	cmd.Env = append(os.Environ(),
		"ROWSYNC_PORT="+fmt.Sprintf("%d", port),
		"ROWSYNC_DB_PATH="+filepath.Join(dataDir, "server.db"),
		"ROWSYNC_API_KEY="+e2eAPIKey,
		"ROWSYNC_SCOPE=shop",
		"ROWSYNC_SCOPE_TABLES=category,product",
		"ROWSYNC_BATCH_DIR="+filepath.Join(dataDir, "batches"),
		"ROWSYNC_SNAPSHOTS_DIR="+filepath.Join(dataDir, "snapshots"),
		"ROWSYNC_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"), // skip YAML file
		"ROWSYNC_LOG_LEVEL=debug",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start rowsync: %v", err)
	}

	s := &rowsyncServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: fmt.Sprintf("127.0.0.1:%d", port),
		logFile: lf,
	}
	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("rowsync not healthy: %v (log: %s)", err, lf.Name())
	}
	return s
}

func (s *rowsyncServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *rowsyncServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *rowsyncServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("rowsync not healthy after %s", timeout)
}

// restartOnSameData stops the server and starts a new one over the same data
// directory on a new port.
func (s *rowsyncServer) restartOnSameData(t *testing.T) *rowsyncServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	restarted := launchServer(t, s.dataDir)
	restarted.db = s.db
	return restarted
}

// rowsyncClient runs rowsync sync against a server with its own database.
type rowsyncClient struct {
	dir    string
	server *rowsyncServer
	policy string
	db     *sql.DB
}

func newClient(t *testing.T, server *rowsyncServer) *rowsyncClient {
	t.Helper()
	c := &rowsyncClient{dir: t.TempDir(), server: server, policy: "server_wins"}
	c.db = openDB(t, filepath.Join(c.dir, "client.db"))
	return c
}

func (c *rowsyncClient) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return c.execWithKey(t, e2eAPIKey, args...)
}

func (c *rowsyncClient) execWithKey(t *testing.T, apiKey string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(rowsyncBin, args...)
	cmd.Env = append(os.Environ(),
		"ROWSYNC_DB_PATH="+filepath.Join(c.dir, "client.db"),
		"ROWSYNC_API_KEY="+apiKey,
		"ROWSYNC_SCOPE=shop",
		"ROWSYNC_REMOTE_URL="+c.server.baseURL(),
		"ROWSYNC_CONFLICT_POLICY="+c.policy,
		"ROWSYNC_BATCH_DIR="+filepath.Join(c.dir, "batches"),
		"ROWSYNC_MAX_RETRIES=1",
		"ROWSYNC_CONFIG_PATH="+filepath.Join(c.dir, "nonexistent.yaml"),
		"ROWSYNC_LOG_LEVEL=error",
	)
	out, err := cmd.Output()
	return string(out), err
}

// syncResult mirrors the JSON summary printed by rowsync sync --json.
type syncResult struct {
	SessionID              string `json:"session_id"`
	SyncType               string `json:"sync_type"`
	TotalChangesUploaded   int    `json:"total_changes_uploaded"`
	TotalChangesDownloaded int    `json:"total_changes_downloaded"`
	TotalResolvedConflicts int    `json:"total_resolved_conflicts"`
	TotalSyncErrors        int    `json:"total_sync_errors"`
}

// sync runs one synchronization and fails the test on error.
func (c *rowsyncClient) sync(t *testing.T, extra ...string) syncResult {
	t.Helper()
	args := append([]string{"sync", "--json"}, extra...)
	out, err := c.exec(t, args...)
	if err != nil {
		t.Fatalf("rowsync sync: %v\n%s", err, stderrOf(err))
	}
	var r syncResult
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decode sync output %q: %v", out, err)
	}
	return r
}

func stderrOf(err error) string {
	if ee, ok := err.(*exec.ExitError); ok {
		return string(ee.Stderr)
	}
	return ""
}

// freePort returns a free TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
