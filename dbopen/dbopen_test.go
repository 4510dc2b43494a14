package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/narthex/dbopen"
)

func pragmaInt(t *testing.T, db *sql.DB, name string) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestOpen_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if fk := pragmaInt(t, db, "foreign_keys"); fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
	if s := pragmaInt(t, db, "synchronous"); s != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", s)
	}
	if bt := pragmaInt(t, db, "busy_timeout"); bt != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", bt)
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	// WHAT: a second pool connection carries the busy timeout too.
	// WHY: concurrent writers share the file database.
	path := filepath.Join(t.TempDir(), "narthex.db")
	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(4321))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	c1, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	for _, c := range []*sql.Conn{c1, c2} {
		var bt int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&bt); err != nil {
			t.Fatal(err)
		}
		if bt != 4321 {
			t.Fatalf("busy_timeout = %d, want 4321", bt)
		}
	}
	var mode string
	db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestWithSynchronous(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSynchronous("FULL"))
	if s := pragmaInt(t, db, "synchronous"); s != 2 {
		t.Fatalf("synchronous = %d, want 2 (FULL)", s)
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id TEXT PRIMARY KEY, name TEXT)`))
	if _, err := db.Exec(`INSERT INTO t (id, name) VALUES ('1', 'hello')`); err != nil {
		t.Fatalf("insert into schema-created table: %v", err)
	}
}

func TestWithMkdirAll(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "deep", "test.db")
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdirall: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("prefix: database table is locked"), true},
	}
	for _, tt := range tests {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRunTx_CommitAndRollback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE tx_test (id TEXT PRIMARY KEY)`))
	ctx := context.Background()

	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tx_test (id) VALUES ('1')`)
		return err
	}); err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	sentinel := errors.New("rollback me")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO tx_test (id) VALUES ('2')`)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTx error = %v, want sentinel", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM tx_test`).Scan(&count)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE exec_test (id TEXT PRIMARY KEY)`))
	if _, err := dbopen.Exec(context.Background(), db, `INSERT INTO exec_test (id) VALUES (?)`, "1"); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dbopen.RunTx(ctx, db, func(*sql.Tx) error { return nil }); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
