//go:build e2e

package e2e

import (
	"database/sql"
	"path/filepath"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"
)

// schemaDDL is the server schema every scenario synchronizes.
const schemaDDL = `
CREATE TABLE category (
	id   INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE product (
	id          INTEGER PRIMARY KEY,
	category_id INTEGER NOT NULL REFERENCES category(id),
	name        TEXT NOT NULL,
	price       REAL NOT NULL
);`

// openDB opens a database file shared with a running rowsync process.
func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON`); err != nil {
		t.Fatalf("pragmas: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedServer creates the schema and initial rows in a fresh server database.
func seedServer(t *testing.T, dataDir string) string {
	t.Helper()
	path := filepath.Join(dataDir, "server.db")
	db := openDB(t, path)
	mustExec(t, db, schemaDDL)
	mustExec(t, db, `
		INSERT INTO category (id, name) VALUES (1, 'tools'), (2, 'garden');
		INSERT INTO product (id, category_id, name, price) VALUES
			(10, 1, 'hammer', 12.5), (11, 1, 'saw', 20), (20, 2, 'rake', 15);`)
	return path
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// productRow is the comparable content of a product row.
type productRow struct {
	ID         int64
	CategoryID int64
	Name       string
	Price      float64
}

func products(t *testing.T, db *sql.DB) []productRow {
	t.Helper()
	rows, err := db.Query(`SELECT id, category_id, name, price FROM product ORDER BY id`)
	if err != nil {
		t.Fatalf("query products: %v", err)
	}
	defer rows.Close()
	var out []productRow
	for rows.Next() {
		var r productRow
		if err := rows.Scan(&r.ID, &r.CategoryID, &r.Name, &r.Price); err != nil {
			t.Fatalf("scan product: %v", err)
		}
		out = append(out, r)
	}
	return out
}

// assertConverged fails unless every database holds the same products.
func assertConverged(t *testing.T, dbs ...*sql.DB) {
	t.Helper()
	want := products(t, dbs[0])
	for i, db := range dbs[1:] {
		if got := products(t, db); !reflect.DeepEqual(got, want) {
			t.Errorf("database %d diverged:\n got  %v\n want %v", i+1, got, want)
		}
	}
}

func productName(t *testing.T, db *sql.DB, id int64) string {
	t.Helper()
	var name string
	if err := db.QueryRow(`SELECT name FROM product WHERE id = ?`, id).Scan(&name); err != nil {
		t.Fatalf("product %d: %v", id, err)
	}
	return name
}
