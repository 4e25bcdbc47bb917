package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSnapshotRoundTrip(t *testing.T) {
	base := t.TempDir()
	configDir := filepath.Join(base, "bind")
	backupsDir := filepath.Join(base, "backups")

	if err := os.MkdirAll(filepath.Join(configDir, "zones"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "named.conf"), []byte("options {};\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "zones", "db.example.com"), []byte("@ IN SOA ...\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &SnapshotStore{backupsDir: backupsDir, logger: testLogger()}
	id, _, err := store.snapshotNoDB(configDir)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty snapshot id")
	}

	// Mutate the live tree, then restore and confirm the original content
	// comes back.
	if err := os.WriteFile(filepath.Join(configDir, "named.conf"), []byte("options { corrupted };\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(configDir, "zones", "db.example.com")); err != nil {
		t.Fatal(err)
	}

	if err := store.Restore(context.Background(), id, configDir); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(configDir, "named.conf"))
	if err != nil || string(got) != "options {};\n" {
		t.Errorf("named.conf not restored: %v, %q", err, got)
	}
	got, err = os.ReadFile(filepath.Join(configDir, "zones", "db.example.com"))
	if err != nil || string(got) != "@ IN SOA ...\n" {
		t.Errorf("zone file not restored: %v, %q", err, got)
	}
}

func TestSnapshot_IdenticalTreeSameID(t *testing.T) {
	base := t.TempDir()
	configDir := filepath.Join(base, "bind")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "named.conf"), []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &SnapshotStore{backupsDir: filepath.Join(base, "backups"), logger: testLogger()}
	id1, _, err := store.snapshotNoDB(configDir)
	if err != nil {
		t.Fatal(err)
	}
	id2, _, err := store.snapshotNoDB(configDir)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("identical trees produced different snapshot ids: %s vs %s", id1, id2)
	}
}
