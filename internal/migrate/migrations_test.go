package migrate

import (
	"testing"

	"dutyline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var first int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&first); err != nil {
		t.Fatalf("count: %v", err)
	}
	if first == 0 {
		t.Fatal("no migrations recorded")
	}

	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var second int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&second); err != nil {
		t.Fatalf("count: %v", err)
	}
	if second != first {
		t.Fatalf("ledger grew on rerun: %d -> %d", first, second)
	}
}
